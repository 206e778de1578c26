package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	InteractionStationVisit = "station_visit"
	InteractionDeviceEvent  = "device_event"
	InteractionChoice       = "choice"
	InteractionSystemEvent  = "system_event"
)

var ErrInvalidInteraction = errors.New("invalid interaction type")

func validInteraction(t string) bool {
	switch t {
	case InteractionStationVisit, InteractionDeviceEvent, InteractionChoice, InteractionSystemEvent:
		return true
	}
	return false
}

type Interaction struct {
	ID            string         `json:"id"`
	ParticipantID string         `json:"participantId"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
}

// LogInteraction appends an interaction, creating the participant on first
// sight and refreshing its last_seen.
func (d *DB) LogInteraction(participantID, typ string, payload map[string]any) (Interaction, error) {
	if participantID == "" {
		return Interaction{}, errors.New("participant ID is required")
	}
	if !validInteraction(typ) {
		return Interaction{}, fmt.Errorf("%w: %q", ErrInvalidInteraction, typ)
	}

	in := Interaction{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		Type:          typ,
		Payload:       payload,
	}
	if in.Payload == nil {
		in.Payload = map[string]any{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.db.Begin()
	if err != nil {
		return Interaction{}, err
	}
	defer tx.Rollback()

	if err := upsertParticipant(tx, participantID, nil); err != nil {
		return Interaction{}, err
	}
	if _, err := tx.Exec(
		`INSERT INTO interactions (id, participant_id, type, payload) VALUES (?, ?, ?, ?)`,
		in.ID, participantID, typ, encodeMetadata(in.Payload),
	); err != nil {
		return Interaction{}, fmt.Errorf("insert interaction: %w", err)
	}
	var ts sql.NullString
	if err := tx.QueryRow(`SELECT timestamp FROM interactions WHERE id = ?`, in.ID).Scan(&ts); err != nil {
		return Interaction{}, err
	}
	in.Timestamp = parseTime(ts)
	return in, tx.Commit()
}

// Interactions returns a participant's most recent interactions, newest
// first. limit <= 0 returns all of them.
func (d *DB) Interactions(participantID string, limit int) ([]Interaction, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.Query(`
		SELECT id, participant_id, type, payload, timestamp
		FROM interactions WHERE participant_id = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT ?`, participantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Interaction
	for rows.Next() {
		var (
			in      Interaction
			payload string
			ts      sql.NullString
		)
		if err := rows.Scan(&in.ID, &in.ParticipantID, &in.Type, &payload, &ts); err != nil {
			return nil, err
		}
		in.Payload = decodeMetadata(payload)
		in.Timestamp = parseTime(ts)
		out = append(out, in)
	}
	return out, rows.Err()
}

// UpsertParticipant records a participant, replacing its metadata when
// metadata is non-nil.
func (d *DB) UpsertParticipant(id string, metadata map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return upsertParticipant(d.db, id, metadata)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertParticipant(db execer, id string, metadata map[string]any) error {
	var err error
	if metadata == nil {
		_, err = db.Exec(`
			INSERT INTO participants (id) VALUES (?)
			ON CONFLICT(id) DO UPDATE SET last_seen = CURRENT_TIMESTAMP`, id)
	} else {
		_, err = db.Exec(`
			INSERT INTO participants (id, metadata) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET
				metadata  = excluded.metadata,
				last_seen = CURRENT_TIMESTAMP`, id, encodeMetadata(metadata))
	}
	if err != nil {
		return fmt.Errorf("upsert participant %s: %w", id, err)
	}
	return nil
}

// ParticipantMetadata returns the stored metadata for a participant.
func (d *DB) ParticipantMetadata(id string) (map[string]any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var metadata string
	err := d.db.QueryRow(`SELECT metadata FROM participants WHERE id = ?`, id).Scan(&metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeMetadata(metadata), nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	StatusInactive = "inactive"
	StatusOnline   = "online"
	StatusOffline  = "offline"
)

// Station is the persisted configuration of a station. Zero thresholds
// mean the station follows the coordinator's session defaults.
type Station struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Location         string         `json:"location"`
	IP               string         `json:"ip,omitempty"`
	Status           string         `json:"status"`
	MinParticipants  int            `json:"minParticipants"`
	MaxParticipants  int            `json:"maxParticipants"`
	CountdownSeconds int            `json:"countdownSeconds"`
	Metadata         map[string]any `json:"metadata"`
	CreatedAt        time.Time      `json:"createdAt"`
	LastSeen         time.Time      `json:"lastSeen"`
	LastHeartbeat    time.Time      `json:"lastHeartbeat,omitzero"`
}

// HasThresholds reports whether the station carries its own thresholds
// instead of following the session defaults.
func (s Station) HasThresholds() bool {
	return s.MinParticipants > 0 && s.MaxParticipants > 0 && s.CountdownSeconds > 0
}

// CreateStation inserts s, filling in an ID and name when missing. Partial
// thresholds are dropped so the station follows the session defaults.
func (d *DB) CreateStation(s Station) (Station, error) {
	if s.ID == "" {
		s.ID = newID("STATION")
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	if !s.HasThresholds() {
		s.MinParticipants, s.MaxParticipants, s.CountdownSeconds = 0, 0, 0
	}
	if s.Status == "" {
		s.Status = StatusInactive
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO stations
			(id, name, location, ip, status, min_participants, max_participants, countdown_seconds, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Location, s.IP, s.Status,
		s.MinParticipants, s.MaxParticipants, s.CountdownSeconds, encodeMetadata(s.Metadata),
	)
	if err != nil {
		return Station{}, fmt.Errorf("insert station %s: %w", s.ID, err)
	}
	log.Infof("Station added: %s (%s)", s.Name, s.ID)
	return d.getStationLocked(s.ID)
}

func (d *DB) GetStation(id string) (Station, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getStationLocked(id)
}

const stationColumns = `id, name, location, ip, status, min_participants, max_participants,
	countdown_seconds, metadata, created_at, last_seen, last_heartbeat`

func (d *DB) getStationLocked(id string) (Station, error) {
	row := d.db.QueryRow(`SELECT `+stationColumns+` FROM stations WHERE id = ?`, id)
	s, err := scanStation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Station{}, fmt.Errorf("station %s: %w", id, ErrNotFound)
	}
	return s, err
}

func (d *DB) ListStations() ([]Station, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT ` + stationColumns + ` FROM stations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Station
	for rows.Next() {
		s, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateStation replaces the editable fields of an existing station.
func (d *DB) UpdateStation(s Station) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		UPDATE stations SET
			name = ?, location = ?, ip = ?, min_participants = ?,
			max_participants = ?, countdown_seconds = ?, metadata = ?
		WHERE id = ?`,
		s.Name, s.Location, s.IP, s.MinParticipants, s.MaxParticipants,
		s.CountdownSeconds, encodeMetadata(s.Metadata), s.ID,
	)
	return affected(res, err, "station", s.ID)
}

// TouchStation refreshes last_seen and, when ip is non-empty, the address.
func (d *DB) TouchStation(id, ip string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		UPDATE stations SET
			last_seen = CURRENT_TIMESTAMP,
			ip = CASE WHEN ? = '' THEN ip ELSE ? END
		WHERE id = ?`, ip, ip, id)
	return affected(res, err, "station", id)
}

// SetStationStatus records a liveness change. heartbeat also stamps
// last_heartbeat.
func (d *DB) SetStationStatus(id, status string, heartbeat bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := `UPDATE stations SET status = ? WHERE id = ?`
	if heartbeat {
		q = `UPDATE stations SET status = ?, last_heartbeat = CURRENT_TIMESTAMP WHERE id = ?`
	}
	res, err := d.db.Exec(q, status, id)
	return affected(res, err, "station", id)
}

// SetStationMetadata replaces a station's metadata.
func (d *DB) SetStationMetadata(id string, metadata map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`UPDATE stations SET metadata = ? WHERE id = ?`, encodeMetadata(metadata), id)
	return affected(res, err, "station", id)
}

func (d *DB) DeleteStation(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`DELETE FROM stations WHERE id = ?`, id)
	return affected(res, err, "station", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStation(row scanner) (Station, error) {
	var (
		s                            Station
		metadata                     string
		created, seen, lastHeartbeat sql.NullString
	)
	err := row.Scan(&s.ID, &s.Name, &s.Location, &s.IP, &s.Status,
		&s.MinParticipants, &s.MaxParticipants, &s.CountdownSeconds,
		&metadata, &created, &seen, &lastHeartbeat)
	if err != nil {
		return Station{}, err
	}
	s.Metadata = decodeMetadata(metadata)
	s.CreatedAt = parseTime(created)
	s.LastSeen = parseTime(seen)
	s.LastHeartbeat = parseTime(lastHeartbeat)
	return s, nil
}

func affected(res sql.Result, err error, kind, id string) error {
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"
	_ "modernc.org/sqlite"
)

var log = logging.MustGetLogger("store")

var ErrNotFound = errors.New("not found")

const timeLayout = "2006-01-02 15:04:05"

// DB is the configuration and record store: configured stations and
// devices, participants and their interaction log.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the SQLite database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// PRAGMAs below are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	log.Infof("Store opened at %s", path)
	return &DB{db: db, path: path}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stations (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		location          TEXT DEFAULT '',
		ip                TEXT DEFAULT '',
		status            TEXT DEFAULT 'inactive',
		min_participants  INTEGER DEFAULT 0,
		max_participants  INTEGER DEFAULT 0,
		countdown_seconds INTEGER DEFAULT 0,
		metadata          TEXT DEFAULT '{}',
		created_at        TEXT DEFAULT CURRENT_TIMESTAMP,
		last_seen         TEXT DEFAULT CURRENT_TIMESTAMP,
		last_heartbeat    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		kind           TEXT DEFAULT 'performer',
		ip             TEXT DEFAULT '',
		status         TEXT DEFAULT 'inactive',
		metadata       TEXT DEFAULT '{}',
		created_at     TEXT DEFAULT CURRENT_TIMESTAMP,
		last_seen      TEXT DEFAULT CURRENT_TIMESTAMP,
		last_heartbeat TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		id         TEXT PRIMARY KEY,
		metadata   TEXT DEFAULT '{}',
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		last_seen  TEXT DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS interactions (
		id             TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL,
		type           TEXT NOT NULL,
		payload        TEXT DEFAULT '{}',
		timestamp      TEXT DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (participant_id) REFERENCES participants (id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_participant ON interactions (participant_id, timestamp)`,
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

// newID returns PREFIX_XXXXXXXX with eight upper-case hex digits.
func newID(prefix string) string {
	return prefix + "_" + strings.ToUpper(uuid.NewString()[:8])
}

func encodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeMetadata(s string) map[string]any {
	m := map[string]any{}
	json.Unmarshal([]byte(s), &m)
	return m
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s.String); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s.String)
	return t
}

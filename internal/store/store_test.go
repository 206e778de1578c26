package store

import (
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateStationDefaults(t *testing.T) {
	db := openTestDB(t)

	s, err := db.CreateStation(Station{Name: "Auto-discovered station", IP: "192.168.1.20"})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^STATION_[0-9A-F]{8}$`), s.ID)
	assert.False(t, s.HasThresholds(), "new stations follow the session defaults")
	assert.Zero(t, s.MinParticipants)
	assert.Zero(t, s.CountdownSeconds)
	assert.Equal(t, StatusInactive, s.Status)
	assert.False(t, s.CreatedAt.IsZero())
	assert.True(t, s.LastHeartbeat.IsZero())

	got, err := db.GetStation(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", got.IP)
}

func TestStationNotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetStation("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.TouchStation("missing", ""), ErrNotFound)
	assert.ErrorIs(t, db.SetStationStatus("missing", StatusOnline, true), ErrNotFound)
	assert.ErrorIs(t, db.DeleteStation("missing"), ErrNotFound)
}

func TestStationLifecycle(t *testing.T) {
	db := openTestDB(t)

	s, err := db.CreateStation(Station{
		ID:               "S1",
		Name:             "Cave",
		Location:         "North wing",
		MinParticipants:  3,
		MaxParticipants:  4,
		CountdownSeconds: 20,
		Metadata:         map[string]any{"floor": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(2), s.Metadata["floor"])

	require.NoError(t, db.TouchStation("S1", "10.0.0.5"))
	require.NoError(t, db.TouchStation("S1", ""))
	require.NoError(t, db.SetStationStatus("S1", StatusOnline, true))

	got, err := db.GetStation("S1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", got.IP, "empty ip keeps the previous address")
	assert.Equal(t, StatusOnline, got.Status)
	assert.False(t, got.LastHeartbeat.IsZero())

	got.MaxParticipants = 8
	require.NoError(t, db.UpdateStation(got))
	got, err = db.GetStation("S1")
	require.NoError(t, err)
	assert.Equal(t, 8, got.MaxParticipants)

	assert.True(t, got.HasThresholds())

	partial, err := db.CreateStation(Station{Name: "Other", MaxParticipants: 5})
	require.NoError(t, err)
	assert.Zero(t, partial.MaxParticipants, "partial thresholds are not stored")
	all, err := db.ListStations()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, db.DeleteStation("S1"))
	_, err = db.GetStation("S1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDevices(t *testing.T) {
	db := openTestDB(t)

	dev, err := db.CreateDevice(Device{Name: "Lantern", Kind: "actuator"})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^DEVICE_[0-9A-F]{8}$`), dev.ID)
	assert.Equal(t, "actuator", dev.Kind)

	require.NoError(t, db.SetDeviceStatus(dev.ID, StatusOnline, true))
	require.NoError(t, db.SetDeviceMetadata(dev.ID, map[string]any{"battery": "low"}))
	require.NoError(t, db.TouchDevice(dev.ID, "10.0.0.9"))

	got, err := db.GetDevice(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)
	assert.Equal(t, "low", got.Metadata["battery"])
	assert.Equal(t, "10.0.0.9", got.IP)

	list, err := db.ListDevices()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = db.GetDevice("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogInteraction(t *testing.T) {
	db := openTestDB(t)

	first, err := db.LogInteraction("p1", InteractionStationVisit, map[string]any{"stationId": "S1"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())

	_, err = db.LogInteraction("p1", InteractionChoice, nil)
	require.NoError(t, err)

	list, err := db.Interactions("p1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, InteractionChoice, list[0].Type, "newest first")
	assert.Equal(t, "S1", list[1].Payload["stationId"])

	list, err = db.Interactions("p1", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = db.LogInteraction("p1", "teleport", nil)
	assert.ErrorIs(t, err, ErrInvalidInteraction)
	_, err = db.LogInteraction("", InteractionChoice, nil)
	assert.Error(t, err)
}

func TestUpsertParticipant(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.UpsertParticipant("p1", map[string]any{"name": "Ada"}))
	require.NoError(t, db.UpsertParticipant("p1", nil))

	md, err := db.ParticipantMetadata("p1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", md["name"], "nil metadata keeps existing values")

	_, err = db.ParticipantMetadata("p2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.db")
	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.CreateStation(Station{ID: "S1", Name: "Cave"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	s, err := db.GetStation("S1")
	require.NoError(t, err)
	assert.Equal(t, "Cave", s.Name)
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Device is the persisted configuration of a mobile or peripheral unit.
type Device struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Kind          string         `json:"kind"`
	IP            string         `json:"ip,omitempty"`
	Status        string         `json:"status"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastSeen      time.Time      `json:"lastSeen"`
	LastHeartbeat time.Time      `json:"lastHeartbeat,omitzero"`
}

func (d *DB) CreateDevice(dev Device) (Device, error) {
	if dev.ID == "" {
		dev.ID = newID("DEVICE")
	}
	if dev.Name == "" {
		dev.Name = dev.ID
	}
	if dev.Kind == "" {
		dev.Kind = "performer"
	}
	if dev.Status == "" {
		dev.Status = StatusInactive
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO devices (id, name, kind, ip, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		dev.ID, dev.Name, dev.Kind, dev.IP, dev.Status, encodeMetadata(dev.Metadata),
	)
	if err != nil {
		return Device{}, fmt.Errorf("insert device %s: %w", dev.ID, err)
	}
	log.Infof("Device added: %s (%s)", dev.Name, dev.ID)
	return d.getDeviceLocked(dev.ID)
}

func (d *DB) GetDevice(id string) (Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getDeviceLocked(id)
}

const deviceColumns = `id, name, kind, ip, status, metadata, created_at, last_seen, last_heartbeat`

func (d *DB) getDeviceLocked(id string) (Device, error) {
	row := d.db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return dev, err
}

func (d *DB) ListDevices() ([]Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT ` + deviceColumns + ` FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dev)
	}
	return out, rows.Err()
}

func (d *DB) TouchDevice(id, ip string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		UPDATE devices SET
			last_seen = CURRENT_TIMESTAMP,
			ip = CASE WHEN ? = '' THEN ip ELSE ? END
		WHERE id = ?`, ip, ip, id)
	return affected(res, err, "device", id)
}

func (d *DB) SetDeviceStatus(id, status string, heartbeat bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := `UPDATE devices SET status = ? WHERE id = ?`
	if heartbeat {
		q = `UPDATE devices SET status = ?, last_heartbeat = CURRENT_TIMESTAMP WHERE id = ?`
	}
	res, err := d.db.Exec(q, status, id)
	return affected(res, err, "device", id)
}

// SetDeviceMetadata replaces a device's metadata.
func (d *DB) SetDeviceMetadata(id string, metadata map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`UPDATE devices SET metadata = ? WHERE id = ?`, encodeMetadata(metadata), id)
	return affected(res, err, "device", id)
}

func scanDevice(row scanner) (Device, error) {
	var (
		dev                          Device
		metadata                     string
		created, seen, lastHeartbeat sql.NullString
	)
	err := row.Scan(&dev.ID, &dev.Name, &dev.Kind, &dev.IP, &dev.Status,
		&metadata, &created, &seen, &lastHeartbeat)
	if err != nil {
		return Device{}, err
	}
	dev.Metadata = decodeMetadata(metadata)
	dev.CreatedAt = parseTime(created)
	dev.LastSeen = parseTime(seen)
	dev.LastHeartbeat = parseTime(lastHeartbeat)
	return dev, nil
}

package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Device is a remembered actuator address.
type Device struct {
	Address         string    `json:"address"`
	Name            string    `json:"name,omitempty"`
	Transport       string    `json:"transport"`
	ConnectCount    int       `json:"connect_count"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// DeviceRepository provides access to remembered devices.
type DeviceRepository struct {
	db *sql.DB
}

// Devices returns the device repository for this store.
func (s *Store) Devices() *DeviceRepository {
	return &DeviceRepository{db: s.db}
}

// MarkConnected records a successful connection, creating the device on
// first use.
func (r *DeviceRepository) MarkConnected(address, transport string, at time.Time) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return errors.New("device address is required")
	}
	_, err := r.db.Exec(
		`INSERT INTO devices (address, transport, connect_count, last_connected_at, created_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
		   transport = excluded.transport,
		   connect_count = devices.connect_count + 1,
		   last_connected_at = excluded.last_connected_at`,
		address, transport, at.UTC(), at.UTC(),
	)
	return err
}

// Get retrieves a device by address.
func (r *DeviceRepository) Get(address string) (*Device, error) {
	d := &Device{}
	err := r.db.QueryRow(
		`SELECT address, name, transport, connect_count, last_connected_at, created_at
		 FROM devices WHERE address = ?`,
		address,
	).Scan(&d.Address, &d.Name, &d.Transport, &d.ConnectCount, &d.LastConnectedAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// List returns all devices, most recently connected first.
func (r *DeviceRepository) List() ([]*Device, error) {
	rows, err := r.db.Query(
		`SELECT address, name, transport, connect_count, last_connected_at, created_at
		 FROM devices ORDER BY last_connected_at DESC, address`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d := &Device{}
		if err := rows.Scan(&d.Address, &d.Name, &d.Transport, &d.ConnectCount, &d.LastConnectedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Last returns the most recently connected device.
func (r *DeviceRepository) Last() (*Device, error) {
	devices, err := r.List()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNotFound
	}
	return devices[0], nil
}

// Rename sets a display name for a device.
func (r *DeviceRepository) Rename(address, name string) error {
	res, err := r.db.Exec(`UPDATE devices SET name = ? WHERE address = ?`, name, address)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// Delete forgets a device.
func (r *DeviceRepository) Delete(address string) error {
	res, err := r.db.Exec(`DELETE FROM devices WHERE address = ?`, address)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

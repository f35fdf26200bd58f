// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// User is a gateway account
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Device maps the id clients use to the id the device answers to on the
// broker
type Device struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	BrokerID  string    `json:"broker_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// NewDatabase opens the database at dbPath and creates the schema
func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: shared
	db.SetMaxOpenConns(1)

	database := &Database{db: db}
	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) initSchema() error {
	queries := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT UNIQUE NOT NULL,
			broker_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_devices (
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			PRIMARY KEY (user_id, device_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_devices_device ON user_devices(device_id)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// CreateUser adds an account
func (d *Database) CreateUser(ctx context.Context, username, name, passwordHash string) (*User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("username is required")
	}
	result, err := d.db.ExecContext(ctx,
		`INSERT INTO users (username, name, password_hash) VALUES (?, ?, ?)`,
		username, name, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user ID: %w", err)
	}
	return d.GetUser(ctx, id)
}

const userColumns = `id, username, name, password_hash, created_at`

func scanUser(row *sql.Row) (*User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetUser returns the user with id
func (d *Database) GetUser(ctx context.Context, id int64) (*User, error) {
	return scanUser(d.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByUsername returns the user with username
func (d *Database) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(d.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

// CreateDevice registers a device. An empty brokerID uses deviceID.
func (d *Database) CreateDevice(ctx context.Context, deviceID, brokerID, name string) (*Device, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if brokerID == "" {
		brokerID = deviceID
	}
	if strings.ContainsAny(brokerID, "/+#") {
		return nil, fmt.Errorf("broker id %q must not contain topic separators or wildcards", brokerID)
	}

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, broker_id, name) VALUES (?, ?, ?)`,
		deviceID, brokerID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}
	return d.GetDevice(ctx, deviceID)
}

const deviceColumns = `d.id, d.device_id, d.broker_id, d.name, d.created_at`

func scanDevice(scan func(...any) error) (*Device, error) {
	var device Device
	err := scan(&device.ID, &device.DeviceID, &device.BrokerID, &device.Name, &device.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

// GetDevice returns the device clients know as deviceID
func (d *Database) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices d WHERE d.device_id = ?`, deviceID)
	return scanDevice(row.Scan)
}

// GrantDevice gives a user access to a device
func (d *Database) GrantDevice(ctx context.Context, userID int64, deviceID string) error {
	device, err := d.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if _, err := d.GetUser(ctx, userID); err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_devices (user_id, device_id) VALUES (?, ?)`,
		userID, device.ID)
	if err != nil {
		return fmt.Errorf("failed to grant device: %w", err)
	}
	return nil
}

// RevokeDevice removes a user's access to a device
func (d *Database) RevokeDevice(ctx context.Context, userID int64, deviceID string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM user_devices WHERE user_id = ? AND device_id = (SELECT id FROM devices WHERE device_id = ?)`,
		userID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}
	return nil
}

// GetUserDevices returns the devices a user may use
func (d *Database) GetUserDevices(ctx context.Context, userID int64) ([]*Device, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+deviceColumns+`
		FROM devices d
		JOIN user_devices ud ON ud.device_id = d.id
		WHERE ud.user_id = ?
		ORDER BY d.device_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user devices: %w", err)
	}
	defer rows.Close()

	devices := []*Device{}
	for rows.Next() {
		device, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// UserHasDevice reports whether userID was granted deviceID
func (d *Database) UserHasDevice(ctx context.Context, userID int64, deviceID string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*)
		FROM user_devices ud
		JOIN devices d ON d.id = ud.device_id
		WHERE ud.user_id = ? AND d.device_id = ?`, userID, deviceID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check device permission: %w", err)
	}
	return n > 0, nil
}

// BrokerID returns the broker namespace id of deviceID
func (d *Database) BrokerID(ctx context.Context, deviceID string) (string, error) {
	device, err := d.GetDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return device.BrokerID, nil
}

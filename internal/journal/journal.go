// Copyright 2021 Google LLC. All Rights Reserved.
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

// Package journal keeps a local record of firmware install attempts.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoEntries is returned when the journal holds nothing for a device.
var ErrNoEntries = errors.New("no journal entries found")

// Outcome is the result of an install attempt.
type Outcome string

const (
	Installed Outcome = "installed"
	Failed    Outcome = "failed"
)

// Entry is one install attempt.
type Entry struct {
	// Seq orders entries; it is assigned by Record.
	Seq        int64
	Time       time.Time
	DeviceID   string
	DeviceName string
	RemoteID   string
	Version    string
	// Checksum is the digest the payload was verified against.
	Checksum string
	Outcome  Outcome
	Error    string
}

// Journal provides read/write access to the install history.
// Several processes may record into the same database.
type Journal struct {
	db       *sql.DB
	headStmt string
}

// Open creates a Journal using the named driver, which must have been
// registered by the caller. This has been tested with sqlite3 and MySQL.
func Open(driver, dsn string) (*Journal, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if driver == "sqlite3" {
		// Each sqlite connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	j := New(driver, db)
	if err := j.Init(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an existing database connection opened with driver.
// Init must be called before use.
func New(driver string, db *sql.DB) *Journal {
	return &Journal{db: db, headStmt: headQuery(driver)}
}

// headQuery returns the statement reading the last sequence number inside
// Record's transaction. MySQL needs the read locked for concurrent writers
// not to pick the same number; sqlite holds a database lock for the write.
func headQuery(driver string) string {
	q := "SELECT MAX(seq) FROM installs"
	if driver == "mysql" {
		q += " FOR UPDATE"
	}
	return q
}

// Init creates the database tables if needed.
func (j *Journal) Init() error {
	if _, err := j.db.Exec(`CREATE TABLE IF NOT EXISTS installs (
		seq BIGINT PRIMARY KEY,
		ts BIGINT NOT NULL,
		device_id VARCHAR(255) NOT NULL,
		device_name TEXT,
		remote_id VARCHAR(255),
		version VARCHAR(255),
		checksum VARCHAR(255),
		outcome VARCHAR(32) NOT NULL,
		error TEXT)`); err != nil {
		return fmt.Errorf("failed to create installs table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends e to the journal and returns it with its sequence number set.
// A zero Time is replaced by the current time.
func (j *Journal) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx, j.headStmt).Scan(&head); err != nil {
		return Entry{}, fmt.Errorf("failed to read head: %w", err)
	}
	e.Seq = 0
	if head.Valid {
		e.Seq = head.Int64 + 1
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO installs (seq, ts, device_id, device_name, remote_id, version, checksum, outcome, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.Seq, e.Time.Unix(), e.DeviceID, e.DeviceName, e.RemoteID, e.Version, e.Checksum, string(e.Outcome), e.Error); err != nil {
		return Entry{}, fmt.Errorf("failed to insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("Commit: %w", err)
	}
	return e, nil
}

// Entries returns the entries for deviceID in the order they were recorded.
// An empty deviceID returns entries for all devices.
func (j *Journal) Entries(ctx context.Context, deviceID string) ([]Entry, error) {
	q := "SELECT seq, ts, device_id, device_name, remote_id, version, checksum, outcome, error FROM installs"
	var args []interface{}
	if deviceID != "" {
		q += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	rows, err := j.db.QueryContext(ctx, q+" ORDER BY seq", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var res []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var name, remote, version, sum, outcome, msg sql.NullString
		if err := rows.Scan(&e.Seq, &ts, &e.DeviceID, &name, &remote, &version, &sum, &outcome, &msg); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Time = time.Unix(ts, 0)
		e.DeviceName, e.RemoteID, e.Version, e.Checksum = name.String, remote.String, version.String, sum.String
		e.Outcome, e.Error = Outcome(outcome.String), msg.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// Latest returns the most recent entry for deviceID.
func (j *Journal) Latest(ctx context.Context, deviceID string) (Entry, error) {
	es, err := j.Entries(ctx, deviceID)
	if err != nil {
		return Entry{}, err
	}
	if len(es) == 0 {
		return Entry{}, ErrNoEntries
	}
	return es[len(es)-1], nil
}

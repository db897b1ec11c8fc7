//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

// Package history keeps a SQLite log of the outcome of finished downloads.
// The log is informative only: the download engine never reads it back.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the name of the database created in the data directory.
const DatabaseFile = "history.db"

// ErrNotFound is returned by Get when no entry has the requested id.
var ErrNotFound = errors.New("history: entry not found")

// Entry is the recorded outcome of one download.
type Entry struct {
	ID         int64
	TaskID     string
	URL        string
	FilePath   string
	Status     string
	Size       int64
	Downloaded int64
	Error      string
	MimeType   string
	StartTime  time.Time
	EndTime    time.Time
}

// Duration returns the time the download took, 0 if it never started.
func (e Entry) Duration() time.Duration {
	if e.StartTime.IsZero() || e.EndTime.IsZero() {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// Store is a history database.
type Store struct {
	db *sql.DB
}

// Open opens (creating it if needed) the history database in dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, DatabaseFile))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	// WAL lets the CLI list the history while a download session writes it
	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history table: %w", err)
	}
	return s, nil
}

func (s *Store) initTable() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		url TEXT NOT NULL,
		file_path TEXT NOT NULL,
		status TEXT NOT NULL,
		size INTEGER NOT NULL,
		downloaded INTEGER NOT NULL,
		error TEXT,
		mime_type TEXT,
		start_time INTEGER,
		end_time INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores e and returns the id assigned to it.
func (s *Store) Add(e Entry) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO downloads
		(task_id, url, file_path, status, size, downloaded, error, mime_type, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.URL, e.FilePath, e.Status, e.Size, e.Downloaded,
		nullString(e.Error), nullString(e.MimeType), unixMilli(e.StartTime), unixMilli(e.EndTime))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Get returns the entry with the given id.
func (s *Store) Get(id int64) (Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM downloads WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// List returns the most recent entries first. A status filter of "" matches
// every entry, a limit <= 0 returns all of them.
func (s *Store) List(status string, limit int) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM downloads`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear deletes every entry and returns how many were removed.
func (s *Store) Clear() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM downloads`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const entryColumns = `id, task_id, url, file_path, status, size, downloaded, error, mime_type, start_time, end_time`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                  Entry
		errMsg, mimeType   sql.NullString
		startTime, endTime sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.TaskID, &e.URL, &e.FilePath, &e.Status, &e.Size, &e.Downloaded,
		&errMsg, &mimeType, &startTime, &endTime); err != nil {
		return Entry{}, err
	}
	e.Error = errMsg.String
	e.MimeType = mimeType.String
	if startTime.Valid {
		e.StartTime = time.UnixMilli(startTime.Int64)
	}
	if endTime.Valid {
		e.EndTime = time.UnixMilli(endTime.Int64)
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unixMilli(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

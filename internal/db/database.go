package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/lattice-canvas/internal/document"
)

type Database struct {
	db  *sql.DB
	log *zap.Logger
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SnapshotInfo struct {
	RoomID      string    `json:"room_id"`
	Sequence    uint64    `json:"sequence"`
	ObjectCount int       `json:"object_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Version struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Sequence    uint64    `json:"sequence"`
	ObjectCount int       `json:"object_count"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"` // Auto-saved by checkpointing vs manual
}

// Records decodes the document captured by the version
func (v *Version) Records() ([]document.Record, error) {
	return document.UnmarshalSnapshot([]byte(v.Content))
}

func New(dbPath string, logger *zap.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// PRAGMAs below apply per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("Database initialized", zap.String("path", dbPath))
	return &Database{db: db, log: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_snapshots (
		room_id TEXT PRIMARY KEY,
		snapshot_data TEXT NOT NULL,
		sequence INTEGER NOT NULL DEFAULT 0,
		object_count INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS document_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		sequence INTEGER NOT NULL DEFAULT 0,
		object_count INTEGER NOT NULL DEFAULT 0,
		created_by TEXT DEFAULT '',
		is_auto BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_document_versions_room_id ON document_versions(room_id);
	CREATE INDEX IF NOT EXISTS idx_document_versions_created_at ON document_versions(room_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) CreateRoom(id, name string) error {
	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)",
		id, name,
	)
	return err
}

func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow(
		"SELECT id, name, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(
		"SELECT id, name, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (d *Database) UpdateRoomTimestamp(id string) error {
	_, err := d.db.Exec(
		"UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		id,
	)
	return err
}

// DeleteRoom removes the room with its snapshot and versions
func (d *Database) DeleteRoom(id string) error {
	_, err := d.db.Exec("DELETE FROM rooms WHERE id = ?", id)
	return err
}

// Snapshot operations

// SaveSnapshot replaces the durable replica of a room
func (d *Database) SaveSnapshot(roomID string, records []document.Record, seq uint64) error {
	data, err := document.MarshalSnapshot(records)
	if err != nil {
		return err
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("INSERT OR IGNORE INTO rooms (id, name) VALUES (?, '')", roomID); err != nil {
		return fmt.Errorf("failed to ensure room: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO room_snapshots (room_id, snapshot_data, sequence, object_count, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			sequence = excluded.sequence,
			object_count = excluded.object_count,
			updated_at = CURRENT_TIMESTAMP
	`, roomID, string(data), int64(seq), len(records)); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	if _, err := tx.Exec("UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", roomID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	d.log.Debug("Snapshot saved", zap.String("room", roomID), zap.Uint64("seq", seq), zap.Int("objects", len(records)))
	return nil
}

// LoadSnapshot returns the replica of a room, or an empty document at
// sequence 0 when none was saved.
func (d *Database) LoadSnapshot(roomID string) ([]document.Record, uint64, error) {
	var (
		data string
		seq  int64
	)
	err := d.db.QueryRow(
		"SELECT snapshot_data, sequence FROM room_snapshots WHERE room_id = ?",
		roomID,
	).Scan(&data, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load snapshot: %w", err)
	}

	records, err := document.UnmarshalSnapshot([]byte(data))
	if err != nil {
		return nil, 0, err
	}
	return records, uint64(seq), nil
}

func (d *Database) GetSnapshotInfo(roomID string) (*SnapshotInfo, error) {
	var (
		info SnapshotInfo
		seq  int64
	)
	err := d.db.QueryRow(
		"SELECT room_id, sequence, object_count, updated_at FROM room_snapshots WHERE room_id = ?",
		roomID,
	).Scan(&info.RoomID, &seq, &info.ObjectCount, &info.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info.Sequence = uint64(seq)
	return &info, nil
}

// Version operations

// ContentHash fingerprints a serialized document
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// CreateVersion saves a named copy of a room's document
func (d *Database) CreateVersion(roomID, name, description string, records []document.Record, seq uint64, createdBy string, isAuto bool) (*Version, error) {
	content, err := document.MarshalSnapshot(records)
	if err != nil {
		return nil, err
	}

	if err := d.CreateRoom(roomID, ""); err != nil {
		return nil, err
	}

	result, err := d.db.Exec(`
		INSERT INTO document_versions (room_id, name, description, content, content_hash, sequence, object_count, created_by, is_auto)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, roomID, name, description, string(content), ContentHash(content), int64(seq), len(records), createdBy, isAuto)
	if err != nil {
		return nil, fmt.Errorf("failed to create version: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetVersion(int(id))
}

const versionColumns = `id, room_id, name, description, content, content_hash, sequence, object_count, created_by, is_auto, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (*Version, error) {
	var (
		v   Version
		seq int64
	)
	err := row.Scan(&v.ID, &v.RoomID, &v.Name, &v.Description, &v.Content, &v.ContentHash, &seq, &v.ObjectCount, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.Sequence = uint64(seq)
	return &v, nil
}

// GetVersion retrieves a specific version by ID
func (d *Database) GetVersion(id int) (*Version, error) {
	v, err := scanVersion(d.db.QueryRow("SELECT "+versionColumns+" FROM document_versions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// ListVersions returns all versions for a room, newest first
func (d *Database) ListVersions(roomID string, limit, offset int) ([]Version, error) {
	rows, err := d.db.Query(`
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (d *Database) GetVersionCount(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM document_versions WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// GetLatestVersion returns the most recent version for a room
func (d *Database) GetLatestVersion(roomID string) (*Version, error) {
	v, err := scanVersion(d.db.QueryRow(`
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (d *Database) DeleteVersion(id int) error {
	_, err := d.db.Exec("DELETE FROM document_versions WHERE id = ?", id)
	return err
}

// DeleteOldAutoVersions removes old auto-saved versions, keeping the most recent N
func (d *Database) DeleteOldAutoVersions(roomID string, keepCount int) error {
	_, err := d.db.Exec(`
		DELETE FROM document_versions
		WHERE room_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM document_versions
			WHERE room_id = ? AND is_auto = TRUE
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	return err
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	counts := []struct {
		key   string
		query string
	}{
		{"room_count", "SELECT COUNT(*) FROM rooms"},
		{"snapshot_count", "SELECT COUNT(*) FROM room_snapshots"},
		{"version_count", "SELECT COUNT(*) FROM document_versions"},
	}
	for _, c := range counts {
		var n int
		if err := d.db.QueryRow(c.query).Scan(&n); err != nil {
			return nil, err
		}
		stats[c.key] = n
	}

	return stats, nil
}

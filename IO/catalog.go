package IO

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNoCheckpoints = errors.New("no checkpoints recorded")

// CheckpointRecord is one row of the checkpoint catalog.
type CheckpointRecord struct {
	Step    int
	Path    string
	ValLoss float64
	Created time.Time
}

// Catalog indexes the checkpoints of a log directory in a sqlite file so the
// latest or best one can be found without listing files.
type Catalog struct {
	db *sql.DB
}

func OpenCatalog(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.Exec("PRAGMA journal_mode=WAL")
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints(
			step INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			val_loss REAL NOT NULL,
			ts REAL NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init catalog %s: %w", path, err)
	}
	return &Catalog{db: db}, nil
}

// Record stores a checkpoint, replacing any earlier entry for the same step.
func (c *Catalog) Record(step int, path string, valLoss float64) error {
	now := float64(time.Now().UnixNano()) / 1e9
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO checkpoints(step, path, val_loss, ts) VALUES(?,?,?,?)",
		step, path, valLoss, now)
	return err
}

// Reset forgets every recorded checkpoint. Files on disk are left alone.
func (c *Catalog) Reset() error {
	_, err := c.db.Exec("DELETE FROM checkpoints")
	return err
}

// Latest returns the checkpoint with the highest step.
func (c *Catalog) Latest() (CheckpointRecord, error) {
	return c.one("SELECT step, path, val_loss, ts FROM checkpoints ORDER BY step DESC LIMIT 1")
}

// Best returns the checkpoint with the lowest validation loss.
func (c *Catalog) Best() (CheckpointRecord, error) {
	return c.one("SELECT step, path, val_loss, ts FROM checkpoints ORDER BY val_loss ASC, step DESC LIMIT 1")
}

func (c *Catalog) one(q string) (CheckpointRecord, error) {
	var (
		r  CheckpointRecord
		ts float64
	)
	err := c.db.QueryRow(q).Scan(&r.Step, &r.Path, &r.ValLoss, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return CheckpointRecord{}, ErrNoCheckpoints
	}
	if err != nil {
		return CheckpointRecord{}, err
	}
	sec := int64(ts)
	r.Created = time.Unix(sec, int64((ts-float64(sec))*1e9))
	return r, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

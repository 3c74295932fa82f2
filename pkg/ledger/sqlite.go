package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/detection"
)

// SchemaVersion is the latest migration the code expects
const SchemaVersion = 2

// Migration is one schema step
type Migration struct {
	Version     int
	Description string
	Up          func(*sql.Tx) error
}

func execAll(tx *sql.Tx, queries ...string) error {
	for _, q := range queries {
		if _, err := tx.Exec(q); err != nil {
			return fmt.Errorf("%s: %w", q, err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "deposits and donor balances",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS deposits (
					id TEXT PRIMARY KEY,
					donor_id TEXT NOT NULL,
					category TEXT NOT NULL,
					label TEXT,
					confidence REAL,
					points INTEGER NOT NULL,
					grams INTEGER NOT NULL,
					recorded_at DATETIME NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS donors (
					id TEXT PRIMARY KEY,
					points INTEGER NOT NULL DEFAULT 0,
					grams INTEGER NOT NULL DEFAULT 0,
					items INTEGER NOT NULL DEFAULT 0,
					level TEXT NOT NULL DEFAULT 'Bronce',
					last_activity DATETIME
				)`,
			)
		},
	},
	{
		Version:     2,
		Description: "per-category counters",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS donor_materials (
					donor_id TEXT NOT NULL,
					category TEXT NOT NULL,
					items INTEGER NOT NULL DEFAULT 0,
					grams INTEGER NOT NULL DEFAULT 0,
					PRIMARY KEY (donor_id, category)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_deposits_donor_time ON deposits(donor_id, recorded_at)`,
			)
		},
	},
}

// SQLite is the station-local ledger
type SQLite struct {
	db      *sql.DB
	path    string
	donorID string
	logger  *slog.Logger
}

// NewSQLite opens (creating if needed) the database at path. Call Migrate
// before use.
func NewSQLite(path, donorID string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("ledger: sqlite path is required")
	}
	if donorID == "" {
		return nil, errors.New("ledger: donor id is required")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("ledger: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}

	// One writer; sqlite gains nothing from more connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping database: %w", err)
	}

	return &SQLite{db: db, path: path, donorID: donorID, logger: log.Component("ledger")}, nil
}

// Migrate applies pending migrations
func (s *SQLite) Migrate(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("ledger: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("ledger: begin migration %d: %w", m.Version, err)
		}
		if err := m.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("ledger: migration %d failed: %w", m.Version, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("ledger: set schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("ledger: commit migration %d: %w", m.Version, err)
		}

		s.logger.Info("applied migration", "version", m.Version, "description", m.Description)
	}

	var final int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&final); err != nil {
		return fmt.Errorf("ledger: verify schema version: %w", err)
	}
	if final != SchemaVersion {
		return fmt.Errorf("ledger: schema version mismatch: expected %d, got %d", SchemaVersion, final)
	}
	return nil
}

// Record inserts the deposit and updates the donor balance atomically
func (s *SQLite) Record(ctx context.Context, d Deposit) (Delta, error) {
	if err := validate(d); err != nil {
		return Delta{}, err
	}

	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	points := PointsFor(d.Label, d.Category)
	cat := d.Category.String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Delta{}, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO deposits (id, donor_id, category, label, confidence, points, grams, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, s.donorID, cat, d.Label, d.Confidence, points, GramsPerItem, at)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return Delta{}, fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
		}
		return Delta{}, fmt.Errorf("ledger: insert deposit: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO donors (id, points, grams, items, last_activity) VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(id) DO UPDATE SET
			points = points + excluded.points,
			grams = grams + excluded.grams,
			items = items + 1,
			last_activity = excluded.last_activity`,
		s.donorID, points, GramsPerItem, at)
	if err != nil {
		return Delta{}, fmt.Errorf("ledger: update donor: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO donor_materials (donor_id, category, items, grams) VALUES (?, ?, 1, ?)
		 ON CONFLICT(donor_id, category) DO UPDATE SET
			items = items + 1,
			grams = grams + excluded.grams`,
		s.donorID, cat, GramsPerItem)
	if err != nil {
		return Delta{}, fmt.Errorf("ledger: update materials: %w", err)
	}

	var totalPoints, totalGrams int
	if err := tx.QueryRowContext(ctx, `SELECT points, grams FROM donors WHERE id = ?`, s.donorID).
		Scan(&totalPoints, &totalGrams); err != nil {
		return Delta{}, fmt.Errorf("ledger: read donor: %w", err)
	}

	level := LevelFor(totalPoints)
	if _, err := tx.ExecContext(ctx, `UPDATE donors SET level = ? WHERE id = ?`, level, s.donorID); err != nil {
		return Delta{}, fmt.Errorf("ledger: update level: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Delta{}, fmt.Errorf("ledger: commit: %w", err)
	}

	return Delta{
		DepositID:   d.ID,
		DonorID:     s.donorID,
		Category:    d.Category,
		Label:       d.Label,
		Points:      points,
		Grams:       GramsPerItem,
		TotalPoints: totalPoints,
		TotalGrams:  totalGrams,
		Level:       level,
		RecordedAt:  at,
	}, nil
}

// Totals reads the donor balance. A donor with no deposits has zero totals.
func (s *SQLite) Totals(ctx context.Context) (Totals, error) {
	t := Totals{
		DonorID:    s.donorID,
		Level:      LevelBronze,
		ByCategory: make(map[detection.Category]int),
	}

	var last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT points, grams, items, level, last_activity FROM donors WHERE id = ?`, s.donorID).
		Scan(&t.Points, &t.Grams, &t.Items, &t.Level, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return t, nil
	}
	if err != nil {
		return Totals{}, fmt.Errorf("ledger: read totals: %w", err)
	}
	if last.Valid {
		t.LastActivity = last.Time
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT category, items FROM donor_materials WHERE donor_id = ?`, s.donorID)
	if err != nil {
		return Totals{}, fmt.Errorf("ledger: read materials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var items int
		if err := rows.Scan(&name, &items); err != nil {
			return Totals{}, fmt.Errorf("ledger: scan materials: %w", err)
		}
		cat, err := detection.ParseCategory(name)
		if err != nil {
			s.logger.Warn("skipping unknown category in ledger", "category", name)
			continue
		}
		t.ByCategory[cat] = items
	}
	return t, rows.Err()
}

// Recent returns up to limit deposits, newest first, with running totals
// as of each deposit.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]Delta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, label, points, grams, recorded_at,
			SUM(points) OVER (ORDER BY recorded_at, rowid) AS total_points,
			SUM(grams) OVER (ORDER BY recorded_at, rowid) AS total_grams
		 FROM deposits WHERE donor_id = ?
		 ORDER BY recorded_at DESC, rowid DESC LIMIT ?`, s.donorID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: query deposits: %w", err)
	}
	defer rows.Close()

	var out []Delta
	for rows.Next() {
		var d Delta
		var cat string
		var label sql.NullString
		if err := rows.Scan(&d.DepositID, &cat, &label, &d.Points, &d.Grams, &d.RecordedAt,
			&d.TotalPoints, &d.TotalGrams); err != nil {
			return nil, fmt.Errorf("ledger: scan deposit: %w", err)
		}
		if d.Category, err = detection.ParseCategory(cat); err != nil {
			return nil, err
		}
		d.DonorID = s.donorID
		d.Label = label.String
		d.Level = LevelFor(d.TotalPoints)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Path returns the database file
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

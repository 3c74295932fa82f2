// Package ledger records completed deposits and awards points to the donor
// standing at the bin.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-sortbin/pkg/detection"
)

var (
	ErrUnknownDriver = errors.New("ledger: unknown driver")
	ErrDuplicate     = errors.New("ledger: deposit already recorded")
	ErrNoDonor       = errors.New("ledger: donor not found")
	ErrClosed        = errors.New("ledger: closed")
)

// GramsPerItem is the nominal weight credited per deposit
const GramsPerItem = 60

// Deposit is one physically completed deposit
type Deposit struct {
	ID         string
	Category   detection.Category
	Label      string
	Confidence float64
	At         time.Time
}

// Delta is what a Record call changed
type Delta struct {
	DepositID   string             `json:"deposit_id"`
	DonorID     string             `json:"donor_id"`
	Category    detection.Category `json:"category"`
	Label       string             `json:"label"`
	Points      int                `json:"points"`
	Grams       int                `json:"grams"`
	TotalPoints int                `json:"total_points"`
	TotalGrams  int                `json:"total_grams"`
	Level       string             `json:"level"`
	RecordedAt  time.Time          `json:"recorded_at"`
}

// Totals is the donor's running balance
type Totals struct {
	DonorID      string                     `json:"donor_id"`
	Points       int                        `json:"points"`
	Grams        int                        `json:"grams"`
	Items        int                        `json:"items"`
	Level        string                     `json:"level"`
	ByCategory   map[detection.Category]int `json:"by_category"`
	LastActivity time.Time                  `json:"last_activity,omitempty"`
}

// Ledger durably records deposits
type Ledger interface {
	Record(ctx context.Context, d Deposit) (Delta, error)
	Totals(ctx context.Context) (Totals, error)
	Close() error
}

// Lister is implemented by ledgers that keep individual deposits
type Lister interface {
	Recent(ctx context.Context, limit int) ([]Delta, error)
}

// Points awarded per detector label
var labelPoints = map[string]int{
	"plastic":        10,
	"plastic-pet":    12,
	"plastic-pe_hd":  10,
	"plastic-pp":     10,
	"plastic-ps":     8,
	"plastic-others": 6,
	"glass":          8,
	"metal":          12,
	"cardboard":      5,
	"paper":          3,
	"biological":     2,
	"trash":          1,
}

// Points awarded when only the category is known
var categoryPoints = map[detection.Category]int{
	detection.Plastic: 10,
	detection.Paper:   3,
	detection.Glass:   8,
	detection.Metal:   12,
	detection.Organic: 2,
	detection.General: 1,
}

// PointsFor returns the award for a deposit. The label wins over the
// category; anything unknown earns one point.
func PointsFor(label string, cat detection.Category) int {
	if p, ok := labelPoints[strings.ToLower(strings.TrimSpace(label))]; ok {
		return p
	}
	if p, ok := categoryPoints[cat]; ok {
		return p
	}
	return 1
}

// Donor levels
const (
	LevelBronze   = "Bronce"
	LevelSilver   = "Plata"
	LevelGold     = "Oro"
	LevelPlatinum = "Platino"
	LevelDiamond  = "Diamante"
)

// LevelFor maps a point balance to a level name
func LevelFor(points int) string {
	switch {
	case points >= 10000:
		return LevelDiamond
	case points >= 5000:
		return LevelPlatinum
	case points >= 2000:
		return LevelGold
	case points >= 500:
		return LevelSilver
	}
	return LevelBronze
}

func validate(d Deposit) error {
	if d.ID == "" {
		return errors.New("ledger: deposit id is required")
	}
	if !d.Category.Valid() {
		return fmt.Errorf("ledger: %w: %d", detection.ErrUnknownCategory, int(d.Category))
	}
	return nil
}

// Config selects and configures a ledger
type Config struct {
	Driver      string // sqlite, firestore, memory
	Path        string
	Project     string
	DonorID     string
	Credentials string
}

// Open creates the ledger named by cfg.Driver
func Open(ctx context.Context, cfg Config) (Ledger, error) {
	switch cfg.Driver {
	case "sqlite":
		l, err := NewSQLite(cfg.Path, cfg.DonorID)
		if err != nil {
			return nil, err
		}
		if err := l.Migrate(ctx); err != nil {
			l.Close()
			return nil, err
		}
		return l, nil
	case "firestore":
		return NewFirestore(ctx, FirestoreConfig{
			Project:         cfg.Project,
			DonorID:         cfg.DonorID,
			CredentialsFile: cfg.Credentials,
		})
	case "memory":
		return NewMemory(cfg.DonorID), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}

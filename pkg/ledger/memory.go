package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teslashibe/go-sortbin/pkg/detection"
)

// Memory is an in-process ledger. It also serves as a recording test double.
type Memory struct {
	donorID string

	mu       sync.Mutex
	deltas   []Delta
	ids      map[string]bool
	totals   Totals
	closed   bool
	failWith error
}

// NewMemory creates an empty ledger for donorID
func NewMemory(donorID string) *Memory {
	return &Memory{
		donorID: donorID,
		ids:     make(map[string]bool),
		totals: Totals{
			DonorID:    donorID,
			Level:      LevelBronze,
			ByCategory: make(map[detection.Category]int),
		},
	}
}

// FailWith makes every following Record return err; nil restores success
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

func (m *Memory) Record(ctx context.Context, d Deposit) (Delta, error) {
	if err := validate(d); err != nil {
		return Delta{}, err
	}
	if err := ctx.Err(); err != nil {
		return Delta{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Delta{}, ErrClosed
	}
	if m.failWith != nil {
		return Delta{}, m.failWith
	}
	if m.ids[d.ID] {
		return Delta{}, fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
	}

	at := d.At
	if at.IsZero() {
		at = time.Now()
	}

	points := PointsFor(d.Label, d.Category)
	m.totals.Points += points
	m.totals.Grams += GramsPerItem
	m.totals.Items++
	m.totals.ByCategory[d.Category]++
	m.totals.Level = LevelFor(m.totals.Points)
	m.totals.LastActivity = at
	m.ids[d.ID] = true

	delta := Delta{
		DepositID:   d.ID,
		DonorID:     m.donorID,
		Category:    d.Category,
		Label:       d.Label,
		Points:      points,
		Grams:       GramsPerItem,
		TotalPoints: m.totals.Points,
		TotalGrams:  m.totals.Grams,
		Level:       m.totals.Level,
		RecordedAt:  at,
	}
	m.deltas = append(m.deltas, delta)
	return delta, nil
}

func (m *Memory) Totals(ctx context.Context) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.totals
	t.ByCategory = make(map[detection.Category]int, len(m.totals.ByCategory))
	for k, v := range m.totals.ByCategory {
		t.ByCategory[k] = v
	}
	return t, nil
}

// Recent returns up to limit deltas, newest first
func (m *Memory) Recent(ctx context.Context, limit int) ([]Delta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delta, 0, limit)
	for i := len(m.deltas) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.deltas[i])
	}
	return out, nil
}

// Deltas returns every recorded delta, oldest first
func (m *Memory) Deltas() []Delta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delta(nil), m.deltas...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

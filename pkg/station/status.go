package station

import (
	"context"
	"time"

	"github.com/teslashibe/go-sortbin/pkg/controller"
	"github.com/teslashibe/go-sortbin/pkg/deposit"
	"github.com/teslashibe/go-sortbin/pkg/ledger"
	"github.com/teslashibe/go-sortbin/pkg/pipeline"
	"github.com/teslashibe/go-sortbin/pkg/roi"
	"github.com/teslashibe/go-sortbin/pkg/stability"
)

// totalsTimeout bounds the ledger read behind Status
const totalsTimeout = 2 * time.Second

// Status is a point-in-time view of the station for the dashboard
type Status struct {
	Running      bool                  `json:"running"`
	Source       string                `json:"source"`
	Connection   controller.Connection `json:"connection"`
	Deposit      deposit.State         `json:"deposit"`
	Session      *deposit.Session      `json:"session,omitempty"`
	Stability    stability.State       `json:"stability"`
	Pipeline     pipeline.Stats        `json:"pipeline"`
	Suppressed   uint64                `json:"suppressed"`
	Deposits     deposit.Stats         `json:"deposits"`
	Region       roi.ROI               `json:"region"`
	RegionLocked bool                  `json:"region_locked"`
	Totals       *ledger.Totals        `json:"totals,omitempty"`
	TotalsError  string                `json:"totals_error,omitempty"`
}

// Status collects the current state. Ledger totals are included when the
// ledger answers within a short timeout.
func (s *Station) Status(ctx context.Context) Status {
	s.mu.Lock()
	running := s.started && !s.closed
	s.mu.Unlock()

	st := Status{
		Running:      running,
		Source:       s.cfg.SourceName,
		Connection:   s.cfg.Link.Snapshot(),
		Deposit:      s.orchestrator.State(),
		Stability:    s.tracker.Snapshot(),
		Pipeline:     s.pipelineStats(),
		Suppressed:   s.suppressor.Filtered(),
		Deposits:     s.orchestrator.Stats(),
		Region:       s.editor.Get(),
		RegionLocked: s.editor.Locked(),
	}
	if sess, ok := s.orchestrator.Current(); ok {
		st.Session = &sess
	}

	if s.cfg.Ledger != nil && running {
		tctx, cancel := context.WithTimeout(ctx, totalsTimeout)
		defer cancel()
		totals, err := s.cfg.Ledger.Totals(tctx)
		if err != nil {
			st.TotalsError = err.Error()
		} else {
			st.Totals = &totals
		}
	}
	return st
}

// Package deposit drives one bin deposit at a time: it reacts to a stable
// category, commands the controller, records the outcome and re-arms the
// detection session after a short display delay.
package deposit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/controller"
	"github.com/teslashibe/go-sortbin/pkg/detection"
	"github.com/teslashibe/go-sortbin/pkg/ledger"
)

// State of the orchestrator
type State int32

const (
	Idle State = iota
	StableDetected
	Depositing
	Success
	Failure
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case StableDetected:
		return "stable_detected"
	case Depositing:
		return "depositing"
	case Success:
		return "success"
	case Failure:
		return "failure"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome of a deposit session
type Outcome int

const (
	Pending Outcome = iota
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Succeeded:
		return "success"
	case Failed:
		return "failure"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// MarshalText implements encoding.TextMarshaler
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Session is one deposit attempt
type Session struct {
	ID         string             `json:"id"`
	Category   detection.Category `json:"category"`
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
	Outcome    Outcome            `json:"outcome"`
	Reason     string             `json:"reason,omitempty"`
	AckTime    time.Duration      `json:"ack_time,omitempty"`
}

// Controller is the part of controller.Link the orchestrator drives
type Controller interface {
	Connected() bool
	SendMaterial(ctx context.Context, cat detection.Category) (controller.Ack, error)
}

// Recorder persists successful deposits
type Recorder interface {
	Record(ctx context.Context, d ledger.Deposit) (ledger.Delta, error)
}

// Resetter is re-armed when a session ends (tracker, suppressor)
type Resetter interface {
	Reset()
}

// TransitionFunc observes state changes. It runs on the orchestrator's
// goroutines and must not block.
type TransitionFunc func(from, to State, s Session)

// Stats counts deposit attempts
type Stats struct {
	Attempts  uint64 `json:"attempts"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	Recorded  uint64 `json:"recorded"`
}

const (
	DefaultDisplayDelay = 2 * time.Second
	DefaultHistorySize  = 50
	recordTimeout       = 15 * time.Second
)

// Orchestrator is the deposit state machine
type Orchestrator struct {
	link      Controller
	recorder  Recorder
	resetters []Resetter
	logger    *slog.Logger

	displayDelay time.Duration
	historySize  int

	state atomic.Int32

	mu         sync.Mutex
	current    *Session
	history    []Session
	observers  []TransitionFunc
	onRecorded []func(ledger.Delta)
	sendCancel context.CancelFunc
	closed     bool
	wg         sync.WaitGroup
	ledgerWG   sync.WaitGroup
	attempts   uint64
	succeeded  uint64
	failed     uint64
	rejected   uint64
	recorded   uint64
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithDisplayDelay sets how long a terminal state is shown before Idle
func WithDisplayDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.displayDelay = d
		}
	}
}

// WithHistorySize bounds History
func WithHistorySize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historySize = n
		}
	}
}

// WithResetters registers components reset at the end of every session
func WithResetters(rs ...Resetter) Option {
	return func(o *Orchestrator) { o.resetters = append(o.resetters, rs...) }
}

// New creates an idle orchestrator. rec may be nil when deposits are not
// recorded.
func New(link Controller, rec Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		link:         link,
		recorder:     rec,
		logger:       log.Component("deposit"),
		displayDelay: DefaultDisplayDelay,
		historySize:  DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnTransition adds an observer
func (o *Orchestrator) OnTransition(fn TransitionFunc) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

// State returns the current state
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Current returns the live session, if any
func (o *Orchestrator) Current() (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Session{}, false
	}
	return *o.current, true
}

// History returns finished sessions, newest last
func (o *Orchestrator) History() []Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Session(nil), o.history...)
}

// Stats returns attempt counters
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		Attempts:  o.attempts,
		Succeeded: o.succeeded,
		Failed:    o.failed,
		Rejected:  o.rejected,
		Recorded:  o.recorded,
	}
}

// HandleStable starts a deposit for cat. It returns false without side
// effects when the controller is not connected, a deposit is already in
// flight, or the orchestrator was cancelled. The deposit runs on its own
// goroutine bounded by ctx.
func (o *Orchestrator) HandleStable(ctx context.Context, cat detection.Category, label string, conf float64) bool {
	if !cat.Valid() {
		o.logger.Warn("ignoring invalid category", "category", int(cat))
		return false
	}
	if !o.link.Connected() {
		o.logger.Debug("stable category withheld, controller not connected", "category", cat)
		return false
	}
	if !o.state.CompareAndSwap(int32(Idle), int32(StableDetected)) {
		o.mu.Lock()
		o.rejected++
		o.mu.Unlock()
		o.logger.Debug("stable category ignored, deposit in flight", "category", cat)
		return false
	}

	sendCtx, cancel := context.WithCancel(ctx)
	sess := Session{
		ID:         uuid.NewString(),
		Category:   cat,
		Label:      label,
		Confidence: conf,
		StartedAt:  time.Now(),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		o.state.Store(int32(Idle))
		return false
	}
	o.current = &sess
	o.sendCancel = cancel
	o.attempts++
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info("stable category detected", "session", sess.ID, "category", cat, "label", label, "confidence", conf)
	o.notify(Idle, StableDetected, sess)

	go o.run(sendCtx, cancel, sess)
	return true
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, sess Session) {
	defer o.wg.Done()
	defer cancel()

	o.transition(StableDetected, Depositing, sess)

	ack, err := o.link.SendMaterial(ctx, sess.Category)
	sess.FinishedAt = time.Now()

	terminal := Success
	if err != nil {
		terminal = Failure
		sess.Outcome = Failed
		sess.Reason = err.Error()
		o.logger.Warn("deposit failed", "session", sess.ID, "category", sess.Category, "error", err)
	} else {
		sess.Outcome = Succeeded
		sess.AckTime = ack.Elapsed
		o.logger.Info("deposit complete", "session", sess.ID, "category", sess.Category, "ack_time", ack.Elapsed)
		o.record(sess)
	}

	o.mu.Lock()
	o.current = &sess
	if terminal == Success {
		o.succeeded++
	} else {
		o.failed++
	}
	o.history = append(o.history, sess)
	if len(o.history) > o.historySize {
		o.history = o.history[len(o.history)-o.historySize:]
	}
	o.mu.Unlock()

	o.transition(Depositing, terminal, sess)

	if o.displayDelay > 0 {
		timer := time.NewTimer(o.displayDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	for _, r := range o.resetters {
		r.Reset()
	}

	o.mu.Lock()
	o.current = nil
	o.sendCancel = nil
	o.mu.Unlock()

	o.transition(terminal, Idle, sess)
}

// record writes a successful deposit without blocking the state machine.
// A ledger failure never undoes the physical deposit.
func (o *Orchestrator) record(sess Session) {
	if o.recorder == nil {
		return
	}
	d := ledger.Deposit{
		ID:         sess.ID,
		Category:   sess.Category,
		Label:      sess.Label,
		Confidence: sess.Confidence,
		At:         sess.FinishedAt,
	}
	o.ledgerWG.Add(1)
	go func() {
		defer o.ledgerWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		delta, err := o.recorder.Record(ctx, d)
		if err != nil {
			o.logger.Error("ledger record failed", "session", d.ID, "category", d.Category, "error", err)
			return
		}
		o.mu.Lock()
		o.recorded++
		hooks := append(([]func(ledger.Delta))(nil), o.onRecorded...)
		o.mu.Unlock()
		for _, fn := range hooks {
			fn(delta)
		}
		o.logger.Info("deposit recorded", "session", d.ID, "points", delta.Points, "total_points", delta.TotalPoints, "level", delta.Level)
	}()
}

// OnRecorded registers a callback for every deposit the ledger accepted
func (o *Orchestrator) OnRecorded(fn func(ledger.Delta)) {
	o.mu.Lock()
	o.onRecorded = append(o.onRecorded, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) transition(from, to State, sess Session) {
	o.state.Store(int32(to))
	o.notify(from, to, sess)
}

func (o *Orchestrator) notify(from, to State, sess Session) {
	o.mu.Lock()
	observers := append([]TransitionFunc(nil), o.observers...)
	o.mu.Unlock()

	o.logger.Debug("transition", "from", from, "to", to, "session", sess.ID)
	for _, fn := range observers {
		fn(from, to, sess)
	}
}

// Cancel aborts the in-flight controller wait and display delay, and
// refuses further deposits. Ledger writes already started still complete.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.closed = true
	cancel := o.sendCancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the running session and pending ledger writes finish
func (o *Orchestrator) Wait() {
	o.wg.Wait()
	o.ledgerWG.Wait()
}

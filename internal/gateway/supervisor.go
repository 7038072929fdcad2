package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ensembl/ensembl-thoas/internal/composer"
	"github.com/Ensembl/ensembl-thoas/internal/metrics"
)

// Schemas is the registry side of recomposition.
type Schemas interface {
	CurrentSchemas() map[string]string
	Changes() <-chan struct{}
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Schemas Schemas
	// Debounce delays recomposition after a change so bursts of subgraph
	// updates compose once. Defaults to 500ms.
	Debounce time.Duration
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Supervisor owns the active composed schema. A failed composition leaves
// the previous schema in place.
type Supervisor struct {
	schemas  Schemas
	debounce time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	current atomic.Pointer[composer.ComposedSchema]

	mu          sync.Mutex
	lastErr     error
	lastAttempt time.Time
}

// NewSupervisor creates a supervisor with no active schema.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		schemas:  opts.Schemas,
		debounce: opts.Debounce,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Current returns the active schema, or nil before the first successful
// composition.
func (s *Supervisor) Current() *composer.ComposedSchema {
	return s.current.Load()
}

// LastError returns the error of the latest composition attempt, if it failed.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Status describes the active schema and the latest composition attempt.
type Status struct {
	Hash        string    `json:"hash,omitempty"`
	Subgraphs   []string  `json:"subgraphs,omitempty"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Status
	if cs := s.current.Load(); cs != nil {
		st.Hash = cs.Hash
		st.Subgraphs = cs.Subgraphs
	}
	st.LastAttempt = s.lastAttempt
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Recompose composes the current subgraph schemas and swaps the result in
// when its hash differs from the active schema.
func (s *Supervisor) Recompose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAttempt = time.Now()

	cs, err := composer.Compose(s.schemas.CurrentSchemas())
	if err != nil {
		s.lastErr = err
		s.metrics.RecordComposition("failure")
		s.logFailure(err)
		return err
	}
	s.lastErr = nil

	if old := s.current.Load(); old != nil && old.Hash == cs.Hash {
		s.metrics.RecordComposition("unchanged")
		return nil
	}

	s.current.Store(cs)
	s.metrics.RecordComposition("success")
	s.metrics.SetSchemaHash(cs.Hash)
	s.logger.Info("schema composed", "hash", cs.Hash, "subgraphs", cs.Subgraphs)
	return nil
}

func (s *Supervisor) logFailure(err error) {
	attrs := []any{"error", err}
	if s.current.Load() != nil {
		attrs = append(attrs, "serving", s.current.Load().Hash)
	}

	var cerr *composer.CompositionError
	if errors.As(err, &cerr) {
		for _, e := range cerr.Errors() {
			s.logger.Warn("composition conflict", "error", e)
		}
	}
	s.logger.Error("composition failed, keeping previous schema", attrs...)
}

// Run recomposes after registry changes until ctx is done. Changes arriving
// within the debounce window of each other trigger one composition.
func (s *Supervisor) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	changes := s.schemas.Changes()
	for {
		select {
		case <-ctx.Done():
			return

		case <-changes:
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			_ = s.Recompose()
		}
	}
}

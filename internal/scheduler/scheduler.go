// Package scheduler owns the set of queries: it accepts submissions, runs the
// pipeline for them on demand or on schedule, and serves their leads.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/FranksOps/prospect/internal/metrics"
	"github.com/FranksOps/prospect/internal/pipeline"
	"github.com/FranksOps/prospect/internal/planner"
	"github.com/FranksOps/prospect/internal/storage"
)

var (
	// ErrAlreadyRunning is returned by RunNow when the query has a run in flight.
	ErrAlreadyRunning = errors.New("refresh already running")
	// ErrArchived is returned when an operation targets an archived query.
	ErrArchived = errors.New("query is archived")
	// ErrInvalidFrequency is returned when a check frequency is not positive.
	ErrInvalidFrequency = errors.New("check frequency must be positive")
)

// State is where a query is in its lifecycle.
type State string

const (
	StateSubmitted  State = "submitted"
	StatePlanning   State = State(pipeline.StagePlanning)
	StateFetching   State = State(pipeline.StageFetching)
	StateExtracting State = State(pipeline.StageExtracting)
	StateResolving  State = State(pipeline.StageResolving)
	StateEnriching  State = State(pipeline.StageEnriching)
	StateIdle       State = "idle"
	StateArchived   State = "archived"
)

// Runner performs one pipeline pass. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, q *storage.Query, progress func(pipeline.Stage)) (*pipeline.RunSummary, error)
}

// Config wires a Scheduler. Runner, Store and Planner are required.
type Config struct {
	Runner  Runner
	Store   storage.Backend
	Planner *planner.Planner

	// CheckFrequency is given to new queries. Default: 24h.
	CheckFrequency time.Duration
	// PollInterval is how often Start looks for due queries. Default: 1m.
	PollInterval time.Duration
	// MaxConcurrentRuns caps runs executing at once across queries. Default: 2.
	MaxConcurrentRuns int

	Logger *slog.Logger
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	QueryID string `json:"query_id"`
	Status  string `json:"status"`
}

// TriggerResult lists which queries started a run and which already had one.
type TriggerResult struct {
	Triggered      []string `json:"triggered"`
	AlreadyRunning []string `json:"already_running"`
}

// Scheduler coordinates runs. At most one run per query is in flight.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	slots  *semaphore.Weighted
	now    func() time.Time

	// base parents background runs so they outlive the triggering request.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	states  map[string]State
	running map[string]context.CancelFunc
	last    map[string]*pipeline.RunSummary

	// updates serializes read-modify-write of query records.
	updates sync.Mutex
}

// New validates cfg and creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.Runner == nil:
		return nil, errors.New("scheduler: runner is required")
	case cfg.Store == nil:
		return nil, errors.New("scheduler: store is required")
	case cfg.Planner == nil:
		return nil, errors.New("scheduler: planner is required")
	}
	if cfg.CheckFrequency <= 0 {
		cfg.CheckFrequency = 24 * time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		logger:  cfg.Logger,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		now:     time.Now,
		base:    base,
		cancel:  cancel,
		states:  make(map[string]State),
		running: make(map[string]context.CancelFunc),
		last:    make(map[string]*pipeline.RunSummary),
	}, nil
}

// Submit plans text and, when it yields a usable plan, records a new active
// query and starts its first run in the background. A *planner.PlanningError
// leaves no record behind.
func (s *Scheduler) Submit(ctx context.Context, text string) (SubmitResult, error) {
	_, intent, err := s.cfg.Planner.Plan("", text, nil)
	if err != nil {
		return SubmitResult{}, err
	}

	q := &storage.Query{
		ID:             storage.NewID(),
		Text:           text,
		ParsedIntent:   intent,
		Status:         storage.QueryActive,
		CreatedAt:      s.now().UTC(),
		CheckFrequency: s.cfg.CheckFrequency,
	}
	if err := s.cfg.Store.CreateQuery(ctx, q); err != nil {
		return SubmitResult{}, fmt.Errorf("create query: %w", err)
	}
	s.setState(q.ID, StateSubmitted)
	s.logger.Info("query submitted", "query_id", q.ID, "keywords", intent.Keywords)

	s.start(q.ID, false)
	return SubmitResult{QueryID: q.ID, Status: string(StateSubmitted)}, nil
}

// Leads returns every lead of the query with its company and contact, oldest
// first. Unknown ids yield storage.ErrNotFound.
func (s *Scheduler) Leads(ctx context.Context, queryID string) ([]storage.LeadView, error) {
	q, err := s.cfg.Store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, fmt.Errorf("get query %s: %w", queryID, err)
	}
	return storage.ExpandLeads(ctx, s.cfg.Store, q)
}

// Query returns the stored query record.
func (s *Scheduler) Query(ctx context.Context, queryID string) (*storage.Query, error) {
	q, err := s.cfg.Store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, fmt.Errorf("get query %s: %w", queryID, err)
	}
	return q, nil
}

// ListQueries returns stored queries matching filter, oldest first.
func (s *Scheduler) ListQueries(ctx context.Context, filter storage.QueryFilter) ([]*storage.Query, error) {
	qs, err := s.cfg.Store.ListQueries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	return qs, nil
}

// SetCheckFrequency changes how often the query is refreshed by the periodic
// sweep and returns the updated record.
func (s *Scheduler) SetCheckFrequency(ctx context.Context, queryID string, freq time.Duration) (*storage.Query, error) {
	if freq <= 0 {
		return nil, ErrInvalidFrequency
	}
	s.updates.Lock()
	defer s.updates.Unlock()

	q, err := s.cfg.Store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, fmt.Errorf("get query %s: %w", queryID, err)
	}
	if q.Status == storage.QueryArchived {
		return nil, ErrArchived
	}
	q.CheckFrequency = freq
	if err := s.cfg.Store.UpdateQuery(ctx, q); err != nil {
		return nil, fmt.Errorf("update query %s: %w", queryID, err)
	}
	s.logger.Info("check frequency updated", "query_id", queryID, "check_frequency", freq)
	return q, nil
}

// Trigger starts a background refresh of queryID, or of every active query
// when queryID is empty, and returns without waiting. Queries with a run in
// flight are reported in AlreadyRunning.
func (s *Scheduler) Trigger(ctx context.Context, queryID string) (TriggerResult, error) {
	var ids []string
	if queryID == "" {
		active, err := s.cfg.Store.ListQueries(ctx, storage.QueryFilter{Status: storage.QueryActive})
		if err != nil {
			return TriggerResult{}, fmt.Errorf("list active queries: %w", err)
		}
		for _, q := range active {
			ids = append(ids, q.ID)
		}
	} else {
		q, err := s.cfg.Store.GetQuery(ctx, queryID)
		if err != nil {
			return TriggerResult{}, fmt.Errorf("get query %s: %w", queryID, err)
		}
		if q.Status == storage.QueryArchived {
			return TriggerResult{}, ErrArchived
		}
		ids = append(ids, q.ID)
	}

	res := TriggerResult{Triggered: []string{}, AlreadyRunning: []string{}}
	for _, id := range ids {
		if s.start(id, false) {
			res.Triggered = append(res.Triggered, id)
		} else {
			res.AlreadyRunning = append(res.AlreadyRunning, id)
		}
	}
	return res, nil
}

// RunNow runs queryID synchronously under ctx. It returns ErrAlreadyRunning
// when another run of the query is in flight.
func (s *Scheduler) RunNow(ctx context.Context, queryID string) (*pipeline.RunSummary, error) {
	q, err := s.cfg.Store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, fmt.Errorf("get query %s: %w", queryID, err)
	}
	if q.Status == storage.QueryArchived {
		return nil, ErrArchived
	}

	runCtx, ok := s.claim(ctx, queryID)
	if !ok {
		metrics.RefreshTriggers.WithLabelValues("already_running").Inc()
		return nil, ErrAlreadyRunning
	}
	metrics.RefreshTriggers.WithLabelValues("started").Inc()
	defer s.release(queryID)
	return s.execute(runCtx, queryID, false)
}

// start claims queryID and runs it in the background. It reports false when
// a run is already in flight. A scheduled start is dropped if the query is no
// longer due once claimed.
func (s *Scheduler) start(queryID string, scheduled bool) bool {
	runCtx, ok := s.claim(s.base, queryID)
	if !ok {
		metrics.RefreshTriggers.WithLabelValues("already_running").Inc()
		s.logger.Debug("refresh already running", "query_id", queryID)
		return false
	}
	metrics.RefreshTriggers.WithLabelValues("started").Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(queryID)
		if _, err := s.execute(runCtx, queryID, scheduled); err != nil {
			s.logger.Warn("background run failed", "query_id", queryID, "err", err)
		}
	}()
	return true
}

func (s *Scheduler) claim(parent context.Context, queryID string) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[queryID]; busy {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	s.running[queryID] = cancel
	return ctx, true
}

func (s *Scheduler) release(queryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[queryID]; ok {
		cancel()
		delete(s.running, queryID)
	}
	if s.states[queryID] != StateArchived {
		s.states[queryID] = StateIdle
	}
}

// execute runs the pipeline once for a claimed query and records the outcome.
func (s *Scheduler) execute(ctx context.Context, queryID string, scheduled bool) (*pipeline.RunSummary, error) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.slots.Release(1)
	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	q, err := s.cfg.Store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, fmt.Errorf("get query %s: %w", queryID, err)
	}
	if q.Status == storage.QueryArchived {
		return nil, ErrArchived
	}
	if scheduled && (q.Status != storage.QueryActive || !s.due(q, s.now())) {
		return nil, nil
	}

	summary, runErr := s.cfg.Runner.Run(ctx, q, func(stage pipeline.Stage) {
		s.setState(queryID, State(stage))
	})

	s.mu.Lock()
	s.last[queryID] = summary
	s.mu.Unlock()

	if err := s.record(ctx, queryID, summary, runErr); err != nil {
		return summary, err
	}
	return summary, runErr
}

// record folds a finished run into the stored query. The record is re-read
// so that status changes made during the run survive. Only a successful run
// advances the cycle; every attempt moves LastRefreshedAt so a failing query
// waits for its next slot.
func (s *Scheduler) record(ctx context.Context, queryID string, summary *pipeline.RunSummary, runErr error) error {
	if summary == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	s.updates.Lock()
	defer s.updates.Unlock()

	q, err := s.cfg.Store.GetQuery(ctx, queryID)
	if err != nil {
		return fmt.Errorf("reload query %s: %w", queryID, err)
	}
	finished := summary.FinishedAt
	if finished.IsZero() {
		finished = s.now().UTC()
	}
	q.LastRefreshedAt = &finished
	if runErr == nil {
		q.Cycle = summary.Cycle
		if len(summary.Intent.Keywords) > 0 {
			q.ParsedIntent = summary.Intent
		}
		if len(summary.SuccessfulOperators) > 0 {
			q.SuccessfulOperators = summary.SuccessfulOperators
		}
	}
	if err := s.cfg.Store.UpdateQuery(ctx, q); err != nil {
		return fmt.Errorf("update query %s: %w", queryID, err)
	}
	return nil
}

// Archive stops all activity for the query. A run in flight is cancelled;
// what it already committed stays. Archiving is terminal.
func (s *Scheduler) Archive(ctx context.Context, queryID string) error {
	if err := s.setStatus(ctx, queryID, storage.QueryArchived); err != nil {
		return err
	}
	s.mu.Lock()
	s.states[queryID] = StateArchived
	cancel := s.running[queryID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("query archived", "query_id", queryID)
	return nil
}

// Pause excludes the query from scheduled refreshes. Explicit triggers still run it.
func (s *Scheduler) Pause(ctx context.Context, queryID string) error {
	return s.setStatus(ctx, queryID, storage.QueryPaused)
}

// Resume puts a paused query back on the schedule.
func (s *Scheduler) Resume(ctx context.Context, queryID string) error {
	return s.setStatus(ctx, queryID, storage.QueryActive)
}

func (s *Scheduler) setStatus(ctx context.Context, queryID string, status storage.QueryStatus) error {
	s.updates.Lock()
	defer s.updates.Unlock()

	q, err := s.cfg.Store.GetQuery(ctx, queryID)
	if err != nil {
		return fmt.Errorf("get query %s: %w", queryID, err)
	}
	if q.Status == storage.QueryArchived {
		if status == storage.QueryArchived {
			return nil
		}
		return ErrArchived
	}
	q.Status = status
	if err := s.cfg.Store.UpdateQuery(ctx, q); err != nil {
		return fmt.Errorf("update query %s: %w", queryID, err)
	}
	return nil
}

// State returns the in-memory lifecycle state of the query. Queries this
// process has not touched report StateIdle, or StateArchived when archived.
func (s *Scheduler) State(ctx context.Context, queryID string) (State, error) {
	s.mu.Lock()
	st, ok := s.states[queryID]
	s.mu.Unlock()
	if ok {
		return st, nil
	}
	q, err := s.cfg.Store.GetQuery(ctx, queryID)
	if err != nil {
		return "", fmt.Errorf("get query %s: %w", queryID, err)
	}
	if q.Status == storage.QueryArchived {
		return StateArchived, nil
	}
	return StateIdle, nil
}

// LastSummary returns the summary of the latest run of the query started by
// this process, or nil.
func (s *Scheduler) LastSummary(queryID string) *pipeline.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[queryID]
}

func (s *Scheduler) setState(queryID string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[queryID] == StateArchived {
		return
	}
	s.states[queryID] = st
}

// Start refreshes due queries immediately and then every PollInterval until
// ctx is done. A query is due when it has never completed a run or when
// LastRefreshedAt plus its CheckFrequency has passed.
func (s *Scheduler) Start(ctx context.Context) {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()

	s.refreshDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.refreshDue(ctx)
		}
	}
}

func (s *Scheduler) refreshDue(ctx context.Context) {
	active, err := s.cfg.Store.ListQueries(ctx, storage.QueryFilter{Status: storage.QueryActive})
	if err != nil {
		s.logger.Error("list active queries", "err", err)
		return
	}
	now := s.now()
	for _, q := range active {
		if !s.due(q, now) {
			continue
		}
		if s.start(q.ID, true) {
			s.logger.Debug("scheduled refresh started", "query_id", q.ID)
		}
	}
}

func (s *Scheduler) due(q *storage.Query, now time.Time) bool {
	if q.LastRefreshedAt == nil {
		return true
	}
	freq := q.CheckFrequency
	if freq <= 0 {
		freq = s.cfg.CheckFrequency
	}
	return !now.Before(q.LastRefreshedAt.Add(freq))
}

// Wait blocks until every background run has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels background runs and waits for them.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmpumuro/judex/internal/bridge"
	"github.com/jmpumuro/judex/internal/loop"
	"github.com/jmpumuro/judex/internal/metrics"
	"github.com/jmpumuro/judex/internal/progress"
	"github.com/jmpumuro/judex/internal/stage"
	"github.com/jmpumuro/judex/internal/stream"
)

var (
	// ErrJobIDRequired is returned by Connect for an empty job id.
	ErrJobIDRequired = errors.New("session: job id is required")
	// ErrEntityIDRequired is returned by Connect for an empty entity id.
	ErrEntityIDRequired = errors.New("session: entity id is required")
)

// Merger receives per-entity patches. *progress.Coalescer implements it.
type Merger interface {
	Merge(entityID string, patch progress.Patch)
}

// IDGenerator names connection attempts.
type IDGenerator interface {
	NewID() (string, error)
}

// Config wires a Manager.
//   - Transport, Scheduler and Sink are required.
//   - Catalog is used when Connect is given no stages (stage.DefaultCatalog when nil).
//   - Retry defaults to DefaultRetryPolicy.
//   - MonotonicProgress drops progress values lower than the last one sent
//     for the same entity.
type Config struct {
	Transport         stream.Transport
	Scheduler         loop.Scheduler
	Sink              Merger
	Bridge            *bridge.Bridge
	Catalog           *stage.Catalog
	Retry             RetryPolicy
	MonotonicProgress bool
	Notifier          Notifier
	Metrics           *metrics.Metrics
	IDs               IDGenerator
	Logger            *zap.Logger
	BaseContext       context.Context
}

// Manager is the registry of live sessions.
type Manager struct {
	cfg       Config
	transport stream.Transport
	sched     loop.Scheduler
	sink      Merger
	bridge    *bridge.Bridge
	logger    *zap.Logger
	metrics   *metrics.Metrics

	sessions     map[string]*session
	lastProgress map[string]float64
	seq          uint64
}

type session struct {
	key        string
	jobID      string
	entityID   string
	catalog    *stage.Catalog
	retryCount int
	state      State
	openedAt   time.Time
	current    *attempt
	reconnect  loop.Task
	targets    map[string]struct{}
}

type attempt struct {
	id   string
	sess *session
	conn stream.Conn
}

// NewManager validates cfg and returns an empty Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session: transport is required")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("session: scheduler is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("session: sink is required")
	}
	if cfg.Bridge == nil {
		cfg.Bridge = bridge.New()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = stage.DefaultCatalog()
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Retry.BackoffBase <= 0 {
		cfg.Retry.BackoffBase = DefaultBackoffBase
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:          cfg,
		transport:    cfg.Transport,
		sched:        cfg.Scheduler,
		sink:         cfg.Sink,
		bridge:       cfg.Bridge,
		logger:       logger.Named("session"),
		metrics:      cfg.Metrics,
		sessions:     make(map[string]*session),
		lastProgress: make(map[string]float64),
	}, nil
}

// Connect starts tracking jobID on behalf of entityID. An existing session
// for the job is replaced. With no stages the configured catalog is used.
// retryCount seeds the retry budget already spent. Validation errors are
// returned immediately; the connection itself is opened on the loop.
func (m *Manager) Connect(jobID, entityID string, stages []stage.Descriptor, retryCount int) error {
	if strings.TrimSpace(jobID) == "" {
		return ErrJobIDRequired
	}
	if strings.TrimSpace(entityID) == "" {
		return ErrEntityIDRequired
	}
	catalog := m.cfg.Catalog
	if len(stages) > 0 {
		c, err := stage.NewCatalog(stages...)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		catalog = c
	}
	if retryCount < 0 {
		retryCount = 0
	}
	m.sched.Post(func() {
		m.connect(jobID, entityID, catalog, retryCount)
	})
	return nil
}

// Disconnect closes the session stored under key without retrying.
func (m *Manager) Disconnect(key string) {
	m.sched.Post(func() {
		if s, ok := m.sessions[key]; ok {
			m.finish(s, StateClosed, ReasonDisconnected, nil)
		}
	})
}

// DisconnectAll closes every session and clears all identifier mappings.
func (m *Manager) DisconnectAll() {
	m.sched.Post(m.disconnectAll)
}

// RegisterItem maps a server sub-item id onto a local entity. It may be
// called before any event for the item arrives.
func (m *Manager) RegisterItem(itemID, entityID string) {
	if itemID == "" || entityID == "" {
		return
	}
	m.sched.Post(func() {
		m.bridge.RegisterItem(itemID, entityID)
	})
}

// UnregisterItem drops a sub-item mapping.
func (m *Manager) UnregisterItem(itemID string) {
	m.sched.Post(func() {
		m.bridge.UnregisterItem(itemID)
	})
}

// Lookup returns the session stored under key. Loop goroutine only.
func (m *Manager) Lookup(key string) (Snapshot, bool) {
	s, ok := m.sessions[key]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Sessions returns every registered session ordered by key. Loop goroutine only.
func (m *Manager) Sessions() []Snapshot {
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Len reports how many sessions are registered. Loop goroutine only.
func (m *Manager) Len() int {
	return len(m.sessions)
}

func (m *Manager) connect(jobID, entityID string, catalog *stage.Catalog, retryCount int) {
	key := KeyFor(jobID)
	if old, ok := m.sessions[key]; ok {
		m.logger.Info("replacing session", zap.String("key", key), zap.String("entity_id", old.entityID))
		m.teardown(old)
		delete(m.sessions, key)
		m.metrics.ObserveSessionClosed("replaced")
	}
	s := &session{
		key:        key,
		jobID:      jobID,
		entityID:   entityID,
		catalog:    catalog,
		retryCount: retryCount,
		state:      StateConnecting,
		targets:    make(map[string]struct{}),
	}
	m.sessions[key] = s
	m.metrics.SetSessionsActive(len(m.sessions))
	m.bridge.BindJob(jobID, entityID)
	m.open(s, metrics.ConnectInitial)
}

func (m *Manager) open(s *session, kind string) {
	a := &attempt{id: m.newID(), sess: s}
	s.current = a
	s.state = StateConnecting
	s.openedAt = m.sched.Now()
	m.metrics.ObserveConnect(kind)
	m.logger.Info("opening stream",
		zap.String("job_id", s.jobID),
		zap.String("conn_id", a.id),
		zap.Int("retry_count", s.retryCount),
	)

	h := stream.HandlerFuncs{
		Message: func(data []byte) {
			m.sched.Post(func() { m.onMessage(a, data) })
		},
		Error: func(err error) {
			m.sched.Post(func() { m.onError(a, err) })
		},
	}
	conn, err := m.transport.Open(m.cfg.BaseContext, s.jobID, h)
	if err != nil {
		m.onError(a, fmt.Errorf("open stream: %w", err))
		return
	}
	a.conn = conn
}

func (m *Manager) newID() string {
	if m.cfg.IDs != nil {
		if id, err := m.cfg.IDs.NewID(); err == nil {
			return id
		}
	}
	m.seq++
	return fmt.Sprintf("conn-%d", m.seq)
}

// live reports whether a is the active attempt of a registered session.
func (m *Manager) live(a *attempt) bool {
	s, ok := m.sessions[a.sess.key]
	return ok && s == a.sess && s.current == a
}

func (m *Manager) onMessage(a *attempt, data []byte) {
	if !m.live(a) {
		m.metrics.ObserveEventDropped("stale")
		m.logger.Debug("ignoring frame from stale connection", zap.String("conn_id", a.id))
		return
	}
	s := a.sess
	m.metrics.ObserveEventReceived()

	evt, err := stream.Parse(data)
	if err != nil {
		reason := "malformed"
		switch {
		case errors.Is(err, stream.ErrEmptyEvent):
			reason = "empty"
		case errors.Is(err, stream.ErrNoFields):
			reason = "unrecognized"
		}
		m.metrics.ObserveEventDropped(reason)
		m.logger.Warn("dropping event",
			zap.String("job_id", s.jobID),
			zap.String("conn_id", a.id),
			zap.Error(err),
		)
		return
	}
	if s.state == StateConnecting {
		s.state = StateOpen
		s.retryCount = 0
	}

	target, ok := m.bridge.Resolve(s.jobID, evt.Item())
	if !ok {
		target = s.entityID
		m.logger.Debug("no mapping for event, using session entity",
			zap.String("job_id", s.jobID),
			zap.String("item_id", evt.Item()),
		)
	}
	s.targets[target] = struct{}{}

	if patch := m.patchFor(s, target, evt); !patch.IsEmpty() {
		m.sink.Merge(target, patch)
	}

	if evt.Terminal() {
		reason := ReasonCompleted
		if evt.Status != nil && strings.EqualFold(*evt.Status, stream.StatusFailed) {
			reason = ReasonFailed
		}
		m.finish(s, StateClosedTerminal, reason, nil)
	}
}

func (m *Manager) patchFor(s *session, target string, evt stream.Event) progress.Patch {
	var p progress.Patch
	switch {
	case evt.CurrentStage != nil:
		raw := 0.0
		if evt.Progress != nil {
			raw = *evt.Progress
		}
		p.Progress = progress.Float(float64(s.catalog.Estimate(*evt.CurrentStage, raw)))
		p.CurrentStage = progress.String(*evt.CurrentStage)
	case evt.Progress != nil:
		p.Progress = progress.Float(stage.ClampPercent(*evt.Progress))
	}
	if p.Progress != nil && m.cfg.MonotonicProgress {
		if last, seen := m.lastProgress[target]; seen && *p.Progress < last {
			p.Progress = nil
		} else {
			m.lastProgress[target] = *p.Progress
		}
	}
	if evt.Status != nil {
		p.Status = progress.String(*evt.Status)
	}
	if evt.StatusMessage != nil {
		p.StatusMessage = progress.String(*evt.StatusMessage)
	}
	if evt.Result != nil {
		p.Result = append([]byte(nil), evt.Result...)
		if verdict, ok := evt.Verdict(); ok {
			p.Verdict = progress.String(verdict)
		}
	}
	return p
}

func (m *Manager) onError(a *attempt, err error) {
	if !m.live(a) {
		m.logger.Debug("ignoring error from stale connection", zap.String("conn_id", a.id), zap.Error(err))
		return
	}
	s := a.sess
	m.closeAttempt(a)
	s.current = nil
	s.state = StateClosedRetrying

	if !m.cfg.Retry.ShouldRetry(s.retryCount) {
		m.logger.Warn("stream failed, retries exhausted",
			zap.String("job_id", s.jobID),
			zap.Int("retry_count", s.retryCount),
			zap.Error(err),
		)
		m.finish(s, StateFailed, ReasonRetriesExhausted, err)
		return
	}

	delay := m.cfg.Retry.Backoff(s.retryCount)
	next := s.retryCount + 1
	m.metrics.ObserveReconnectScheduled(delay)
	m.logger.Warn("stream failed, reconnecting",
		zap.String("job_id", s.jobID),
		zap.Duration("backoff", delay),
		zap.Int("retry_count", next),
		zap.Error(err),
	)
	s.reconnect = m.sched.AfterFunc(delay, func() {
		if cur, ok := m.sessions[s.key]; !ok || cur != s {
			return
		}
		s.reconnect = nil
		s.retryCount = next
		m.open(s, metrics.ConnectReconnect)
	})
}

func (m *Manager) closeAttempt(a *attempt) {
	if a == nil || a.conn == nil {
		return
	}
	if err := a.conn.Close(); err != nil {
		m.logger.Debug("close stream", zap.String("conn_id", a.id), zap.Error(err))
	}
	a.conn = nil
}

func (m *Manager) teardown(s *session) {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	m.closeAttempt(s.current)
	s.current = nil
	m.bridge.ForgetJob(s.jobID)
	for target := range s.targets {
		delete(m.lastProgress, target)
	}
}

func (m *Manager) finish(s *session, state State, reason Reason, cause error) {
	m.teardown(s)
	s.state = state
	delete(m.sessions, s.key)
	m.metrics.ObserveSessionClosed(string(reason))
	m.metrics.SetSessionsActive(len(m.sessions))
	m.logger.Info("session closed",
		zap.String("key", s.key),
		zap.String("state", state.String()),
		zap.String("reason", string(reason)),
	)
	m.notify(s, reason, cause)
}

func (m *Manager) notify(s *session, reason Reason, cause error) {
	if m.cfg.Notifier == nil {
		return
	}
	out := Outcome{
		Key:        s.key,
		JobID:      s.jobID,
		EntityID:   s.entityID,
		Reason:     reason,
		RetryCount: s.retryCount,
		At:         m.sched.Now(),
	}
	if cause != nil {
		out.Error = cause.Error()
	}
	if err := m.cfg.Notifier.Notify(m.cfg.BaseContext, out); err != nil {
		m.logger.Warn("session notifier failed", zap.String("key", s.key), zap.Error(err))
	}
}

func (m *Manager) disconnectAll() {
	for _, s := range m.Sessions() {
		if live, ok := m.sessions[s.Key]; ok {
			m.finish(live, StateClosed, ReasonDisconnected, nil)
		}
	}
	m.bridge.Reset()
	clear(m.lastProgress)
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		Key:        s.key,
		JobID:      s.jobID,
		EntityID:   s.entityID,
		State:      s.state,
		RetryCount: s.retryCount,
		OpenedAt:   s.openedAt,
		Stages:     s.catalog.Stages(),
	}
	if s.current != nil {
		snap.ConnectionID = s.current.id
	}
	return snap
}

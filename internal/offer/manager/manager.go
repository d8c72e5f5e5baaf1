package manager

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/hotride/internal/offer/domain"
)

// Config defines tunables for the offer manager.
type Config struct {
	RefreshInterval time.Duration
	TickInterval    time.Duration
	FetchTimeout    time.Duration
	AcceptTimeout   time.Duration
	EffectsBuffer   int
}

// Collaborators are the external parties the manager reports to. Any of them
// may be nil.
type Collaborators struct {
	Auth      domain.Authenticator
	Navigator domain.Navigator
	Notifier  domain.Notifier
	Events    domain.EventPublisher
	Ledger    domain.ResolutionLedger
}

// Item is one offer as presented at a given instant.
type Item struct {
	Offer     domain.Offer
	Remaining int
}

// Snapshot is an immutable view of the offer set. Every projection renders
// from the same snapshot so remaining times never diverge between them.
type Snapshot struct {
	Online    bool
	At        time.Time
	Offers    []Item
	Accepting []string
}

// Outcome describes what a driver decision did. Applied is false when the
// offer was unknown or already resolved. Result receives the terminal
// resolution when Applied is true.
type Outcome struct {
	Applied bool
	Status  domain.Status
	Result  <-chan domain.Resolution
}

// Manager owns the offer set. All state below the channels is touched only by
// the goroutine running Run.
type Manager struct {
	backend domain.Backend
	collab  Collaborators
	clock   domain.Clock
	logger  *zap.Logger
	tracer  trace.Tracer
	cfg     Config

	cmds     chan func()
	fetched  chan fetchResult
	accepted chan acceptResult
	updates  chan Snapshot
	effects  chan effect
	stopped  chan struct{}
	running  atomic.Bool

	runCtx      context.Context
	offers      []domain.Offer
	inflight    map[string]domain.Offer
	resolved    map[domain.InstanceKey]domain.Status
	waiters     map[domain.InstanceKey]chan domain.Resolution
	online      bool
	epoch       uint64
	seq         uint64
	applied     uint64
	refresh     domain.Ticker
	fetchCtx    context.Context
	cancelFetch context.CancelFunc
}

// New constructs an offer manager. Run must be called before any other method.
func New(backend domain.Backend, collab Collaborators, clock domain.Clock, logger *zap.Logger, cfg Config) *Manager {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = cfg.RefreshInterval
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 10 * time.Second
	}
	if cfg.EffectsBuffer <= 0 {
		cfg.EffectsBuffer = 256
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend:  backend,
		collab:   collab,
		clock:    clock,
		logger:   logger,
		tracer:   otel.Tracer("offer.manager"),
		cfg:      cfg,
		cmds:     make(chan func()),
		fetched:  make(chan fetchResult),
		accepted: make(chan acceptResult),
		updates:  make(chan Snapshot, 1),
		effects:  make(chan effect, cfg.EffectsBuffer),
		stopped:  make(chan struct{}),
		inflight: make(map[string]domain.Offer),
		resolved: make(map[domain.InstanceKey]domain.Status),
		waiters:  make(map[domain.InstanceKey]chan domain.Resolution),
	}
}

// Run processes ticks, fetch results and driver decisions until ctx is done.
// The countdown ticker, the refresh ticker and in-flight fetches are released
// on every exit path.
func (m *Manager) Run(ctx context.Context) error {
	if m.backend == nil {
		return errors.New("offer manager requires a backend")
	}
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("offer manager already running")
	}
	m.runCtx = ctx

	effectsDone := make(chan struct{})
	go func() {
		defer close(effectsDone)
		m.runEffects(context.WithoutCancel(ctx))
	}()
	defer func() {
		close(m.stopped)
		close(m.effects)
		<-effectsDone
	}()
	defer m.stopRefresh()

	countdown := m.clock.NewTicker(m.cfg.TickInterval)
	defer countdown.Stop()

	m.publish(m.clock.Now())
	for {
		var refreshC <-chan time.Time
		if m.refresh != nil {
			refreshC = m.refresh.C()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-countdown.C():
			m.tick(now)
		case <-refreshC:
			m.startFetch()
		case res := <-m.fetched:
			m.applyFetch(res)
		case res := <-m.accepted:
			m.finishAccept(res)
		case fn := <-m.cmds:
			fn()
		}
	}
}

// Updates delivers the latest snapshot after every change. Intermediate
// snapshots are dropped when the reader falls behind.
func (m *Manager) Updates() <-chan Snapshot {
	return m.updates
}

// GoOnline starts polling and triggers an immediate refresh.
func (m *Manager) GoOnline(ctx context.Context) error {
	return m.do(ctx, m.goOnline)
}

// GoOffline stops polling and clears every pending offer locally.
func (m *Manager) GoOffline(ctx context.Context) error {
	return m.do(ctx, m.goOffline)
}

// Accept resolves the offer by asking the backend to assign it to the driver.
func (m *Manager) Accept(ctx context.Context, id string) (Outcome, error) {
	var out Outcome
	err := m.do(ctx, func() { out = m.accept(id) })
	return out, err
}

// Dismiss drops the offer locally. The backend is not told.
func (m *Manager) Dismiss(ctx context.Context, id string) (Outcome, error) {
	var out Outcome
	err := m.do(ctx, func() { out = m.dismiss(id) })
	return out, err
}

// Snapshot returns the current view of the offer set.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := m.do(ctx, func() { snap = m.snapshot(m.clock.Now()) })
	return snap, err
}

func (m *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(done) }:
	case <-m.stopped:
		return domain.ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (m *Manager) goOnline() {
	if m.online {
		return
	}
	m.online = true
	m.epoch++
	m.fetchCtx, m.cancelFetch = context.WithCancel(m.runCtx)
	m.refresh = m.clock.NewTicker(m.cfg.RefreshInterval)
	m.logger.Info("driver online, polling offers", zap.Duration("interval", m.cfg.RefreshInterval))
	m.startFetch()
	m.publish(m.clock.Now())
}

func (m *Manager) goOffline() {
	if !m.online {
		return
	}
	m.online = false
	m.epoch++
	m.stopRefresh()
	now := m.clock.Now()
	for _, o := range m.offers {
		m.resolve(o, domain.StatusPending, domain.StatusCleared, nil, now)
	}
	m.logger.Info("driver offline, offers cleared", zap.Int("cleared", len(m.offers)))
	m.offers = nil
	m.publish(now)
}

func (m *Manager) stopRefresh() {
	if m.refresh != nil {
		m.refresh.Stop()
		m.refresh = nil
	}
	if m.cancelFetch != nil {
		m.cancelFetch()
		m.cancelFetch = nil
		m.fetchCtx = nil
	}
}

func (m *Manager) tick(now time.Time) {
	kept := make([]domain.Offer, 0, len(m.offers))
	for _, o := range m.offers {
		if domain.RemainingSeconds(o, now) == 0 {
			m.resolve(o, domain.StatusPending, domain.StatusExpired, nil, now)
			continue
		}
		kept = append(kept, o)
	}
	m.offers = kept
	for key := range m.resolved {
		if key.ExpiresAt < now.UnixMilli() {
			delete(m.resolved, key)
		}
	}
	m.publish(now)
}

func (m *Manager) find(id string) int {
	for i, o := range m.offers {
		if o.ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) remove(i int) domain.Offer {
	o := m.offers[i]
	m.offers = append(m.offers[:i:i], m.offers[i+1:]...)
	return o
}

// lastStatus reports what happened to id, for decisions that arrive late.
func (m *Manager) lastStatus(id string) domain.Status {
	if _, ok := m.inflight[id]; ok {
		return domain.StatusAccepting
	}
	var (
		status domain.Status
		latest int64
	)
	for key, s := range m.resolved {
		if key.ID == id && key.ExpiresAt >= latest {
			status, latest = s, key.ExpiresAt
		}
	}
	return status
}

func (m *Manager) snapshot(now time.Time) Snapshot {
	snap := Snapshot{Online: m.online, At: now, Offers: make([]Item, 0, len(m.offers))}
	for _, o := range m.offers {
		snap.Offers = append(snap.Offers, Item{Offer: o, Remaining: domain.RemainingSeconds(o, now)})
	}
	for id := range m.inflight {
		snap.Accepting = append(snap.Accepting, id)
	}
	sort.Strings(snap.Accepting)
	return snap
}

func (m *Manager) publish(now time.Time) {
	snap := m.snapshot(now)
	offersPending.Set(float64(len(snap.Offers)))
	select {
	case <-m.updates:
	default:
	}
	m.updates <- snap
}

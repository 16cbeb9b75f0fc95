package pool

import (
	"context"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/driver"
	"github.com/joao-brasil/txpool/internal/metrics"
	"github.com/joao-brasil/txpool/internal/transaction"
)

// resetTimeout bounds the session reset done when an item goes idle.
const resetTimeout = 5 * time.Second

// Pool manages the connections of one data source. It hands out handles
// with allocate/close semantics under configurable limits, keeps a LIFO
// list of idle connections, enlists connections in the caller's
// transaction and shares one connection between handles of the same
// transaction.
type Pool struct {
	name    string
	cfg     Config
	factory driver.Factory
	tm      *transaction.Manager
	creds   driver.Credentials
	info    driver.Info
	log     *zap.Logger

	mu sync.Mutex

	// all holds every live item, idle or not.
	all map[uint64]*ManagedItem

	// idle holds items available for reuse, most recently used last.
	idle []*ManagedItem

	// creating counts factory calls in flight.
	creating int

	// idleHorizon is when the idle list, if it never drains, gives up an
	// item on the next release.
	idleHorizon time.Time

	waiters int

	// wake is closed and replaced whenever capacity may have freed up.
	wake chan struct{}

	closed bool

	created, createFailed, allocated, destroyed uint64
	lastCreateFailure                           time.Time

	// nextID is an atomic counter for assigning unique item IDs.
	nextID atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options are the collaborators of a pool.
type Options struct {
	Name    string
	Config  Config
	Factory driver.Factory
	// Manager supplies the transaction bound to an allocation's context.
	// Without one the pool never enlists.
	Manager *transaction.Manager
	// Credentials and Info are used when Allocate is given zero values.
	Credentials driver.Credentials
	Info        driver.Info
}

// New creates a pool. Call Start to run recovery and background sweeps.
func New(opts Options) (*Pool, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		name:    opts.Name,
		cfg:     opts.Config,
		factory: opts.Factory,
		tm:      opts.Manager,
		creds:   opts.Credentials,
		info:    opts.Info,
		log:     zap.L().Named("pool").With(zap.String("pool", opts.Name)),
		all:     make(map[uint64]*ManagedItem),
		wake:    make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	metrics.ConnectionsMax.WithLabelValues(p.name).Set(float64(p.cfg.MaxConnections))
	p.updateMetricsLocked()
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Config returns the pool configuration.
func (p *Pool) Config() Config { return p.cfg }

// Start resolves branches a previous run left prepared on the data source
// and starts the background sweep.
func (p *Pool) Start(ctx context.Context) error {
	var err error
	if p.cfg.EnableXA && p.tm != nil {
		err = p.recover(ctx)
	}
	p.wg.Add(1)
	go p.sweepLoop()
	p.log.Info("pool started",
		zap.Int("max-connections", p.cfg.MaxConnections),
		zap.Int("max-overflow-connections", p.cfg.MaxOverflowConnections),
		zap.Duration("sweep-interval", p.cfg.sweepInterval()))
	return err
}

// recover runs transaction recovery through a throwaway connection.
func (p *Pool) recover(ctx context.Context) error {
	conn, err := p.factory.Create(ctx, p.creds, p.info)
	if err != nil {
		p.log.Warn("skipping recovery, cannot connect", zap.Error(err))
		return &Error{Pool: p.name, Kind: KindCreateFailed, Err: err}
	}
	defer p.factory.Destroy(conn)

	xa := conn.XAResource()
	if xa == nil {
		return nil
	}
	res, err := p.tm.Recover(ctx, xa)
	if n := len(res.Committed) + len(res.Forgotten); n > 0 {
		p.log.Info("recovered in-doubt branches",
			zap.Int("committed", len(res.Committed)), zap.Int("forgotten", len(res.Forgotten)))
	}
	if err != nil {
		p.log.Error("recovery incomplete", zap.Error(err))
	}
	return err
}

// Allocate returns a handle for creds and info; zero values select the
// pool's defaults. When ctx carries an active transaction the connection
// is enlisted in it, and a connection the transaction already holds is
// shared when the pool is shareable.
func (p *Pool) Allocate(ctx context.Context, creds driver.Credentials, info driver.Info) (*Handle, error) {
	if creds == (driver.Credentials{}) {
		creds = p.creds
	}
	if info == (driver.Info{}) {
		info = p.info
	}
	h := &Handle{pool: p, creds: creds, info: info}
	if p.cfg.SaveAllocationStackTrace {
		h.stack = string(debug.Stack())
	}
	if err := p.bind(ctx, h); err != nil {
		return nil, err
	}
	if p.cfg.CloseDanglingConnections && p.tm != nil {
		h.untrack = p.tm.Track(ctx, h)
	}
	return h, nil
}

// bind gives h an item: one shared from the active transaction, or a
// newly allocated one of its own.
func (p *Pool) bind(ctx context.Context, h *Handle) error {
	var tx *transaction.Transaction
	if p.tm != nil {
		tx = p.tm.Active(ctx)
	}
	if tx != nil && p.cfg.Shareable {
		if it := p.sharedItem(tx, h.creds, h.info); it != nil {
			if err := h.associate(ctx, it, tx); err != nil {
				return err
			}
			metrics.ConnectionsTotal.WithLabelValues(p.name, "shared").Inc()
			return nil
		}
	}

	it, err := p.allocateItem(ctx, h.creds, h.info, true)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.own = it
	h.mu.Unlock()
	return h.associate(ctx, it, tx)
}

// sharedItem finds an item of this pool already enlisted in tx.
func (p *Pool) sharedItem(tx *transaction.Transaction, creds driver.Credentials, info driver.Info) *ManagedItem {
	for _, r := range tx.Participants() {
		it, ok := r.(*ManagedItem)
		if ok && it.pool == p && it.shares(creds, info) {
			return it
		}
	}
	return nil
}

// allocateItem obtains an item: an idle one that matches, a new one under
// max-connections, or after waiting for capacity, an overflow one. With
// wait false it gives up instead of waiting.
func (p *Pool) allocateItem(ctx context.Context, creds driver.Credentials, info driver.Info, wait bool) (*ManagedItem, error) {
	start := time.Now()
	deadline := start.Add(p.cfg.ConnectionWaitTime)

	stack := ""
	if p.cfg.SaveAllocationStackTrace {
		stack = string(debug.Stack())
	}

	for {
		it, err := p.takeIdle(ctx, creds, info)
		if err != nil {
			return nil, err
		}
		if it != nil {
			it.toActive(stack)
			p.countAllocation("idle")
			return it, nil
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, &Error{Pool: p.name, Kind: KindClosed}
		}
		if len(p.all)+p.creating < p.cfg.MaxConnections {
			if p.creating < p.cfg.MaxCreateConnections {
				p.creating++
				p.mu.Unlock()
				return p.create(ctx, creds, info, "created", stack)
			}
		} else if len(p.idle) > 0 {
			if p.factory.Match(p.idleConnsLocked(), creds, info) != nil {
				// A matching connection went idle since takeIdle looked.
				p.mu.Unlock()
				continue
			}
			// Full, but of idle connections for someone else: make room.
			victim := p.idle[0]
			p.idle = slices.Delete(p.idle, 0, 1)
			p.mu.Unlock()
			p.destroy(victim, "evicted")
			continue
		}

		remaining := time.Until(deadline)
		if !wait || remaining <= 0 {
			break // p.mu still held
		}
		wake := p.wake
		p.waiters++
		metrics.Waiters.WithLabelValues(p.name).Set(float64(p.waiters))
		p.mu.Unlock()

		timer := time.NewTimer(remaining)
		var ctxErr error
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}
		timer.Stop()

		p.mu.Lock()
		p.waiters--
		metrics.Waiters.WithLabelValues(p.name).Set(float64(p.waiters))
		p.mu.Unlock()
		if ctxErr != nil {
			metrics.WaitDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
			return nil, ctxErr
		}
	}

	// Waited long enough: the overflow allowance lets a burst through.
	waited := time.Since(start)
	if wait {
		metrics.WaitDuration.WithLabelValues(p.name).Observe(waited.Seconds())
	}
	total := len(p.all) + p.creating
	limit := p.cfg.MaxConnections + p.cfg.MaxOverflowConnections
	if wait && total < limit {
		p.creating++
		p.mu.Unlock()
		p.log.Debug("creating overflow connection", zap.Int("total", total), zap.Int("limit", limit))
		return p.create(ctx, creds, info, "overflow", stack)
	}
	p.mu.Unlock()

	metrics.ConnectionsTotal.WithLabelValues(p.name, "exhausted").Inc()
	return nil, &Error{Pool: p.name, Kind: KindResourceExhausted, Total: total, Limit: limit, WaitTime: waited}
}

// takeIdle removes and returns an idle item matching creds and info.
// Matching runs on a snapshot outside the lock; the chosen item is then
// claimed under the lock, retrying if another caller got it first.
func (p *Pool) takeIdle(ctx context.Context, creds driver.Credentials, info driver.Info) (*ManagedItem, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, &Error{Pool: p.name, Kind: KindClosed}
		}
		if len(p.idle) == 0 {
			p.mu.Unlock()
			return nil, nil
		}
		conns := p.idleConnsLocked()
		p.mu.Unlock()

		conn := p.factory.Match(conns, creds, info)
		if conn == nil {
			return nil, nil
		}

		p.mu.Lock()
		i := slices.IndexFunc(p.idle, func(it *ManagedItem) bool { return it.conn == conn })
		if i < 0 {
			p.mu.Unlock()
			continue
		}
		it := p.idle[i]
		p.idle = slices.Delete(p.idle, i, i+1)
		p.updateMetricsLocked()
		p.mu.Unlock()

		if ok, reason := it.checkValid(time.Now()); !ok {
			p.destroy(it, reason)
			continue
		}
		if !p.factory.Validate(ctx, conn) {
			metrics.ConnectionErrors.WithLabelValues(p.name, "validate_failed").Inc()
			p.destroy(it, "invalid")
			continue
		}
		return it, nil
	}
}

// idleConnsLocked lists the idle connections, most recently used first.
// Caller must hold p.mu.
func (p *Pool) idleConnsLocked() []driver.Conn {
	conns := make([]driver.Conn, 0, len(p.idle))
	for i := len(p.idle) - 1; i >= 0; i-- {
		conns = append(conns, p.idle[i].conn)
	}
	return conns
}

// create runs the factory for a slot already counted in p.creating.
func (p *Pool) create(ctx context.Context, creds driver.Credentials, info driver.Info, status, stack string) (*ManagedItem, error) {
	conn, err := p.factory.Create(ctx, creds, info)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.createFailed++
		p.lastCreateFailure = time.Now()
		p.notifyLocked()
		p.mu.Unlock()
		metrics.ConnectionErrors.WithLabelValues(p.name, "create_failed").Inc()
		p.log.Warn("creating connection failed", zap.Error(err))
		return nil, &Error{Pool: p.name, Kind: KindCreateFailed, Err: err}
	}
	if p.closed {
		p.mu.Unlock()
		p.factory.Destroy(conn)
		return nil, &Error{Pool: p.name, Kind: KindClosed}
	}
	it := newManagedItem(p, p.nextID.Add(1), conn)
	it.toActive(stack)
	p.all[it.id] = it
	p.created++
	p.notifyLocked()
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.countAllocation(status)
	p.log.Debug("connection created", zap.Uint64("item", it.id), zap.String("status", status))
	return it, nil
}

func (p *Pool) countAllocation(status string) {
	p.mu.Lock()
	p.allocated++
	p.mu.Unlock()
	metrics.ConnectionsTotal.WithLabelValues(p.name, status).Inc()
}

// release takes back an item no handle and no transaction uses. It goes
// idle unless it is broken, above max-connections, or the idle list has
// stayed non-empty for longer than max-idle-time.
func (p *Pool) release(it *ManagedItem) {
	defer func() {
		p.mu.Lock()
		p.notifyLocked()
		p.mu.Unlock()
	}()

	if !it.reusable() {
		p.destroy(it, "retired")
		return
	}
	p.mu.Lock()
	over := len(p.all) > p.cfg.MaxConnections
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.destroy(it, "closed")
		return
	}
	if over {
		p.destroy(it, "overflow")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	err := it.conn.Reset(ctx)
	cancel()
	if err != nil {
		p.log.Warn("connection reset failed, destroying", zap.Uint64("item", it.id), zap.Error(err))
		metrics.ConnectionErrors.WithLabelValues(p.name, "reset_failed").Inc()
		p.destroy(it, "reset-failed")
		return
	}

	it.toIdle()
	now := time.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(it, "closed")
		return
	}
	if len(p.idle) == 0 {
		p.idleHorizon = now.Add(p.cfg.MaxIdleTime)
	}
	if p.cfg.MaxIdleTime > 0 && p.idleHorizon.Before(now) {
		p.idleHorizon = now.Add(p.cfg.MaxIdleTime)
		p.mu.Unlock()
		p.destroy(it, "shrink")
		return
	}
	if len(p.idle) >= p.cfg.MaxIdleCount {
		p.mu.Unlock()
		p.destroy(it, "idle-full")
		return
	}
	p.idle = append(p.idle, it)
	p.updateMetricsLocked()
	p.mu.Unlock()
}

// destroy removes the item from the pool and closes its connection. An
// item still enlisted is delisted with failure, which dooms its
// transaction. Destroying twice is harmless.
func (p *Pool) destroy(it *ManagedItem, reason string) {
	if !it.markDestroyed() {
		return
	}
	p.mu.Lock()
	delete(p.all, it.id)
	if i := slices.Index(p.idle, it); i >= 0 {
		p.idle = slices.Delete(p.idle, i, i+1)
	}
	p.destroyed++
	p.notifyLocked()
	p.updateMetricsLocked()
	p.mu.Unlock()

	if tx := it.enlisted(); tx != nil {
		if err := tx.Delist(context.Background(), it, transaction.FlagFail); err != nil {
			p.log.Debug("delisting destroyed connection", zap.Error(err))
		}
	}
	if err := p.factory.Destroy(it.conn); err != nil {
		p.log.Debug("closing connection", zap.Uint64("item", it.id), zap.Error(err))
	}
	metrics.ConnectionsDestroyed.WithLabelValues(p.name, reason).Inc()
	p.log.Debug("connection destroyed", zap.Uint64("item", it.id), zap.String("reason", reason))
}

// notifyLocked wakes every waiter. Caller must hold p.mu.
func (p *Pool) notifyLocked() {
	if p.waiters == 0 {
		return
	}
	close(p.wake)
	p.wake = make(chan struct{})
}

// MarkForRemoval flags the item owning conn as broken; it is destroyed
// when released instead of going idle.
func (p *Pool) MarkForRemoval(conn driver.Conn) {
	p.mu.Lock()
	var found *ManagedItem
	for _, it := range p.all {
		if it.conn == conn {
			found = it
			break
		}
	}
	p.mu.Unlock()
	if found != nil {
		found.ReportError()
	}
}

// Clear destroys every idle connection and retires the ones in use, so
// the pool refills with fresh connections.
func (p *Pool) Clear() {
	p.mu.Lock()
	idle := slices.Clone(p.idle)
	var active []*ManagedItem
	for _, it := range p.all {
		if !slices.Contains(idle, it) {
			active = append(active, it)
		}
	}
	p.mu.Unlock()

	for _, it := range active {
		it.markRetire()
	}
	for _, it := range idle {
		p.destroy(it, "cleared")
	}
	p.log.Info("pool cleared", zap.Int("destroyed", len(idle)), zap.Int("retired", len(active)))
}

// Close shuts down the pool: waiters fail, background work stops and
// every connection is closed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	if p.waiters > 0 {
		close(p.wake)
		p.wake = make(chan struct{})
	}
	items := make([]*ManagedItem, 0, len(p.all))
	for _, it := range p.all {
		items = append(items, it)
	}
	p.mu.Unlock()

	p.wg.Wait()

	for _, it := range items {
		p.destroy(it, "closed")
	}
	p.log.Info("pool closed", zap.Int("connections", len(items)))
	return nil
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:              p.name,
		Total:             len(p.all),
		Idle:              len(p.idle),
		Active:            len(p.all) - len(p.idle),
		Creating:          p.creating,
		Waiters:           p.waiters,
		MaxConnections:    p.cfg.MaxConnections,
		MaxOverflow:       p.cfg.MaxOverflowConnections,
		Created:           p.created,
		CreateFailed:      p.createFailed,
		Allocated:         p.allocated,
		Destroyed:         p.destroyed,
		LastCreateFailure: p.lastCreateFailure,
	}
}

// Stats holds pool statistics for monitoring.
type Stats struct {
	Name              string    `json:"name"`
	Total             int       `json:"total"`
	Idle              int       `json:"idle"`
	Active            int       `json:"active"`
	Creating          int       `json:"creating"`
	Waiters           int       `json:"waiters"`
	MaxConnections    int       `json:"max_connections"`
	MaxOverflow       int       `json:"max_overflow"`
	Created           uint64    `json:"created"`
	CreateFailed      uint64    `json:"create_failed"`
	Allocated         uint64    `json:"allocated"`
	Destroyed         uint64    `json:"destroyed"`
	LastCreateFailure time.Time `json:"last_create_failure,omitzero"`
}

// updateMetricsLocked pushes current counts to Prometheus. Caller must
// hold p.mu.
func (p *Pool) updateMetricsLocked() {
	metrics.ConnectionsActive.WithLabelValues(p.name).Set(float64(len(p.all) - len(p.idle)))
	metrics.ConnectionsIdle.WithLabelValues(p.name).Set(float64(len(p.idle)))
}

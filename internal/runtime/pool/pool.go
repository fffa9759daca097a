package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helioslabs/inferd/internal/metrics"
)

// ErrPoolExhausted is returned when no connection becomes available within
// the bounded wait and the pool is already at maxSize. Transient: callers
// may retry.
var ErrPoolExhausted = errors.New("pool: exhausted")

// ErrPoolClosed is returned for operations on a closed pool.
var ErrPoolClosed = errors.New("pool: closed")

// Options sizes the pool and its maintenance pass.
type Options struct {
	Dialer              Dialer
	MinSize             int
	MaxSize             int
	IdleTimeout         time.Duration
	ConnectTimeout      time.Duration
	MaintenanceInterval time.Duration
	Logger              *slog.Logger
	Metrics             *metrics.Recorder
}

// Stats is the pool bookkeeping snapshot surfaced by the stats endpoint.
type Stats struct {
	Open      int   `json:"open"`
	Available int   `json:"available"`
	InUse     int   `json:"inUse"`
	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
	Exhausted int64 `json:"exhausted"`
}

// Pool manages a bounded set of reusable store connections. Connections are
// created lazily up to MaxSize and reaped by a periodic maintenance pass
// once idle beyond IdleTimeout, as long as at least MinSize remain.
type Pool struct {
	dialer              Dialer
	minSize             int
	maxSize             int
	idleTimeout         time.Duration
	connectTimeout      time.Duration
	maintenanceInterval time.Duration
	logger              *slog.Logger
	metrics             *metrics.Recorder

	mu        sync.Mutex
	all       map[string]*Conn
	reserved  int // dial slots claimed but not yet registered
	started   bool
	closed    bool
	created   int64
	destroyed int64
	exhausted int64

	available chan *Conn
	stop      chan struct{}
	done      chan struct{}
}

// New validates the options and builds an idle pool. Start warms MinSize
// connections and launches the maintenance ticker.
func New(opts Options) (*Pool, error) {
	if opts.Dialer == nil {
		return nil, errors.New("pool: dialer required")
	}
	if opts.MaxSize <= 0 {
		return nil, errors.New("pool: maxSize must be positive")
	}
	if opts.MinSize < 0 || opts.MinSize > opts.MaxSize {
		return nil, fmt.Errorf("pool: invalid minSize %d for maxSize %d", opts.MinSize, opts.MaxSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	maintenance := opts.MaintenanceInterval
	if maintenance <= 0 {
		maintenance = time.Minute
	}
	return &Pool{
		dialer:              opts.Dialer,
		minSize:             opts.MinSize,
		maxSize:             opts.MaxSize,
		idleTimeout:         opts.IdleTimeout,
		connectTimeout:      connectTimeout,
		maintenanceInterval: maintenance,
		logger:              logger.With(slog.String("agent", "connection_pool")),
		metrics:             opts.Metrics,
		all:                 make(map[string]*Conn),
		available:           make(chan *Conn, opts.MaxSize),
		stop:                make(chan struct{}),
		done:                make(chan struct{}),
	}, nil
}

// Start warms the minimum connection set and launches maintenance.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.minSize; i++ {
		conn, err := p.dial(ctx)
		if err != nil {
			return fmt.Errorf("pool: warm connection %d: %w", i, err)
		}
		p.available <- conn
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	go p.maintain()
	p.publishGauges()
	return nil
}

// WithConn runs fn with an exclusively-owned connection, guaranteeing the
// connection is released on every exit path.
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// WithTx runs fn inside an explicit transaction: commit on nil error,
// rollback otherwise. The rollback happens before the connection is
// released, so a mid-transaction connection never reaches the available set.
func (p *Pool) WithTx(ctx context.Context, fn func(*Conn) error) error {
	return p.WithConn(ctx, func(conn *Conn) error {
		if err := conn.Begin(ctx); err != nil {
			return err
		}
		if err := fn(conn); err != nil {
			if rbErr := conn.Rollback(); rbErr != nil {
				return errors.Join(err, rbErr)
			}
			return err
		}
		return conn.Commit()
	})
}

// Acquire pops an available connection, waiting up to the connect timeout.
// When the wait exhausts and the pool has headroom a new connection is
// dialed; otherwise ErrPoolExhausted is returned.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case conn := <-p.available:
		p.publishGauges()
		return conn, nil
	default:
	}

	// Nothing idle: prefer dialing while under capacity over waiting out
	// the full timeout.
	if conn, err := p.tryDial(ctx); err == nil && conn != nil {
		return conn, nil
	} else if err != nil {
		return nil, err
	}

	timer := time.NewTimer(p.connectTimeout)
	defer timer.Stop()
	select {
	case conn := <-p.available:
		p.publishGauges()
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		p.mu.Lock()
		p.exhausted++
		p.mu.Unlock()
		p.metrics.ObservePoolEvent(metrics.PoolExhausted)
		return nil, ErrPoolExhausted
	}
}

// Release returns a connection to the pool. Healthy transaction-free
// connections are recycled; everything else is destroyed.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	if !conn.recyclable() {
		if conn.TxActive() {
			// A mid-transaction connection is rolled back, not recycled.
			if err := conn.Rollback(); err != nil {
				p.logger.Warn("rollback on release failed", slog.String("conn", conn.ID()), slog.Any("error", err))
			}
		}
		p.destroy(conn)
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.destroy(conn)
		return
	}
	select {
	case p.available <- conn:
		p.publishGauges()
	default:
		// Available set already holds maxSize entries.
		p.destroy(conn)
	}
}

// Stats returns the current bookkeeping snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := len(p.all)
	available := len(p.available)
	return Stats{
		Open:      open,
		Available: available,
		InUse:     open - available,
		Created:   p.created,
		Destroyed: p.destroyed,
		Exhausted: p.exhausted,
	}
}

// Close stops maintenance and destroys every idle connection. Checked-out
// connections are destroyed as they are released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	close(p.stop)
	if started {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case conn := <-p.available:
			p.destroy(conn)
		default:
			return nil
		}
	}
}

// tryDial claims a capacity slot and dials if the pool is under maxSize.
// Returns (nil, nil) when the pool is full.
func (p *Pool) tryDial(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if len(p.all)+p.reserved >= p.maxSize {
		p.mu.Unlock()
		return nil, nil
	}
	p.reserved++
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	p.mu.Lock()
	p.reserved--
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	handle, err := p.dialer.Dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("pool: dial: %w", err)
	}
	conn := newConn(handle)
	p.mu.Lock()
	p.all[conn.id] = conn
	p.created++
	p.mu.Unlock()
	p.metrics.ObservePoolEvent(metrics.PoolConnCreated)
	p.publishGauges()
	return conn, nil
}

func (p *Pool) destroy(conn *Conn) {
	p.mu.Lock()
	delete(p.all, conn.id)
	p.destroyed++
	p.mu.Unlock()
	if err := conn.handle.Close(); err != nil {
		p.logger.Warn("connection close failed", slog.String("conn", conn.ID()), slog.Any("error", err))
	}
	p.metrics.ObservePoolEvent(metrics.PoolConnDestroyed)
	p.publishGauges()
}

// maintain reaps idle connections on a fixed interval until Close signals.
func (p *Pool) maintain() {
	defer close(p.done)
	ticker := time.NewTicker(p.maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle destroys available connections idle beyond the timeout while the
// pool stays at or above minSize.
func (p *Pool) reapIdle() {
	if p.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.idleTimeout)
	var keep []*Conn
	for {
		select {
		case conn := <-p.available:
			p.mu.Lock()
			aboveMin := len(p.all) > p.minSize
			p.mu.Unlock()
			if aboveMin && conn.idleSince().Before(cutoff) {
				p.destroy(conn)
				continue
			}
			keep = append(keep, conn)
		default:
			for _, conn := range keep {
				p.available <- conn
			}
			p.publishGauges()
			return
		}
	}
}

func (p *Pool) publishGauges() {
	p.mu.Lock()
	open := len(p.all)
	available := len(p.available)
	p.mu.Unlock()
	p.metrics.SetPoolGauges(open, available)
}

package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is the raw transactional store connection a Dialer produces.
type Handle interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens new store connections for the pool.
type Dialer interface {
	Dial(ctx context.Context) (Handle, error)
}

// Conn is a pooled connection. It is exclusively owned by one caller between
// acquire and release; the pool never hands the same Conn to two callers.
type Conn struct {
	id        string
	handle    Handle
	createdAt time.Time

	mu         sync.Mutex
	lastUsedAt time.Time
	queryCount int64
	txActive   bool
	broken     bool
}

func newConn(handle Handle) *Conn {
	now := time.Now()
	return &Conn{
		id:         uuid.NewString(),
		handle:     handle,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// ID returns the pool-unique connection identifier.
func (c *Conn) ID() string { return c.id }

// Exec runs a statement and returns the affected row count. Query execution
// happens outside the bookkeeping lock.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	c.touch()
	n, err := c.handle.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("pool: exec: %w", err)
	}
	return n, nil
}

// Query runs a read statement and returns the rows as column/value maps.
func (c *Conn) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	c.touch()
	rows, err := c.handle.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pool: query: %w", err)
	}
	return rows, nil
}

// Begin opens an explicit transaction on the connection.
func (c *Conn) Begin(ctx context.Context) error {
	c.mu.Lock()
	if c.txActive {
		c.mu.Unlock()
		return fmt.Errorf("pool: transaction already active on connection %s", c.id)
	}
	c.mu.Unlock()

	if err := c.handle.Begin(ctx); err != nil {
		return fmt.Errorf("pool: begin: %w", err)
	}
	c.mu.Lock()
	c.txActive = true
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Commit finishes the active transaction.
func (c *Conn) Commit() error {
	if err := c.handle.Commit(); err != nil {
		c.markBroken()
		return fmt.Errorf("pool: commit: %w", err)
	}
	c.mu.Lock()
	c.txActive = false
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Rollback aborts the active transaction.
func (c *Conn) Rollback() error {
	if err := c.handle.Rollback(); err != nil {
		c.markBroken()
		return fmt.Errorf("pool: rollback: %w", err)
	}
	c.mu.Lock()
	c.txActive = false
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// TxActive reports whether an explicit transaction is open.
func (c *Conn) TxActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txActive
}

// QueryCount returns the number of statements executed on this connection.
func (c *Conn) QueryCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryCount
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.queryCount++
	c.mu.Unlock()
}

func (c *Conn) markBroken() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

// recyclable reports whether the connection may return to the available set.
// A connection with an open transaction or a broken handle never recycles.
func (c *Conn) recyclable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.txActive && !c.broken
}

func (c *Conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsedAt
}

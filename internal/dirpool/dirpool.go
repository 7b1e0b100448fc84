// Package dirpool implements the Connection Pool (spec component F): a
// fixed-size set of directory connections guarded by a semaphore plus a
// per-connection mutex, each running its own reconnect state machine with
// a stepped backoff (2s, 5s, 20s, then reconnect_interval, each step capped
// by reconnect_interval).
package dirpool

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/ldapdns/zonesync/internal/metrics"
)

// waitTimeoutMultiple is how many per-query timeouts Get waits for a free
// slot before giving up: long enough that a merely busy pool drains, short
// enough that a genuinely wedged pool (every connection down, every caller
// blocked) surfaces as a log message instead of hanging forever.
const waitTimeoutMultiple = 3

// State is a connection's position in the Never -> Binding -> Bound /
// Failed reconnect state machine.
type State int

const (
	StateNever State = iota
	StateBinding
	StateBound
	StateFailed
)

// Binder opens and authenticates one directory connection. Implementations
// stand in for the out-of-scope directory protocol library's bind calls
// (none, simple, or SASL).
type Binder interface {
	Bind(ctx context.Context) (Conn, error)
}

// Conn is a single bound directory connection. Search/Modify/Delete are
// the only operations the rest of this module needs from it.
type Conn interface {
	Search(ctx context.Context, baseDN, filter string) ([]SearchResult, error)
	Modify(ctx context.Context, dn string, mods []Modification) error
	Delete(ctx context.Context, dn string) error
	Close() error
}

// SearchResult is one entry returned by a directory search.
type SearchResult struct {
	DN         string
	ObjectCls  []string
	Attributes map[string][]string
}

// ModOp is a single-attribute modify operation.
type ModOp int

const (
	ModAdd ModOp = iota
	ModDelete
	ModReplace
)

// Modification is one attribute change within a directory Modify call.
type Modification struct {
	Op     ModOp
	Attr   string
	Values []string
}

// connection wraps one pool slot: its live Conn (if bound), its reconnect
// state, and the backoff schedule governing when the next bind attempt is
// allowed.
type connection struct {
	mu sync.Mutex

	binder  Binder
	conn    Conn
	state   State
	tries   int
	nextAt  time.Time
	backoff backoff.BackOff
	claimed bool

	metrics *metrics.Metrics
}

func newConnection(binder Binder, reconnectInterval time.Duration, m *metrics.Metrics) *connection {
	return &connection{binder: binder, state: StateNever, backoff: newStepBackOff(reconnectInterval), metrics: m}
}

// ensureBound binds the connection if not already bound, honoring the
// backoff schedule: a call arriving before nextAt fails immediately with
// ErrNotConnected rather than attempting another bind.
func (c *connection) ensureBound(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateBound && c.conn != nil {
		return c.conn, nil
	}

	if c.tries > 0 && time.Now().Before(c.nextAt) {
		return nil, direrr.ErrNotConnected
	}

	c.state = StateBinding
	c.nextAt = time.Now().Add(c.backoff.NextBackOff())
	c.tries++

	conn, err := c.binder.Bind(ctx)
	if err != nil {
		c.state = StateFailed
		if c.metrics != nil {
			c.metrics.ReconnectFailures.Inc()
		}
		return nil, wrapNotConnected(err)
	}

	c.state = StateBound
	c.tries = 0
	c.backoff.Reset()
	c.conn = conn
	if c.metrics != nil {
		c.metrics.Reconnects.Inc()
	}
	return conn, nil
}

func (c *connection) markFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.state = StateFailed
}

func wrapNotConnected(err error) error {
	if err == nil {
		return direrr.ErrNotConnected
	}
	return &notConnectedError{cause: err}
}

type notConnectedError struct{ cause error }

func (e *notConnectedError) Error() string     { return "dirpool: " + e.cause.Error() }
func (e *notConnectedError) Is(target error) bool { return target == direrr.ErrNotConnected }

// Pool is a fixed-size set of connections. Get blocks (respecting ctx)
// until a connection slot is free, then binds it if necessary.
type Pool struct {
	sem         chan struct{}
	connections []*connection
	waitTimeout time.Duration
}

// New creates a pool of size connections, each binding through binderFor
// (called once per slot so distinct slots can round-robin across
// multiple directory servers if the caller wants that). timeout is the
// per-query timeout configured for the whole instance; Get derives its
// own wait bound from it rather than blocking forever on a starved pool.
// A zero timeout disables the derived bound (Get then only respects the
// context it's given). m receives Reconnects/ReconnectFailures for every
// bind attempt across every slot; m may be nil.
func New(size int, reconnectInterval, timeout time.Duration, m *metrics.Metrics, binderFor func(slot int) Binder) *Pool {
	p := &Pool{sem: make(chan struct{}, size), connections: make([]*connection, size), waitTimeout: timeout * waitTimeoutMultiple}
	for i := 0; i < size; i++ {
		p.connections[i] = newConnection(binderFor(i), reconnectInterval, m)
		p.sem <- struct{}{}
	}
	return p
}

// Lease is a checked-out connection; callers must call Release when done.
type Lease struct {
	pool *Pool
	slot *connection
	Conn Conn
}

// Release returns the slot to the pool. ok indicates whether the
// operation using the connection succeeded; on failure the slot is
// marked failed so the next Get re-binds rather than reusing a
// possibly-broken handle.
func (l *Lease) Release(ok bool) {
	if !ok {
		l.slot.markFailed()
	}
	l.slot.release()
	l.pool.sem <- struct{}{}
}

// Get acquires a bound connection, blocking for a free slot until ctx is
// done or, if a per-query timeout was configured, until waitTimeout
// elapses first (spec 4.F: "the timeout is derived as a multiple of the
// per-query timeout so a genuine deadlock is visible as a log message").
func (p *Pool) Get(ctx context.Context) (*Lease, error) {
	waitCtx := ctx
	if p.waitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.waitTimeout)
		defer cancel()
	}

	select {
	case <-p.sem:
	case <-waitCtx.Done():
		if ctx.Err() == nil {
			log.Printf("dirpool: timed out after %s waiting for a free connection out of %d; "+
				"consider raising the connections setting", p.waitTimeout, len(p.connections))
			return nil, direrr.ErrTimeout
		}
		return nil, ctx.Err()
	}

	for _, c := range p.connections {
		if c.tryClaim() {
			conn, err := c.ensureBound(ctx)
			if err != nil {
				c.release()
				p.sem <- struct{}{}
				return nil, err
			}
			return &Lease{pool: p, slot: c, Conn: conn}, nil
		}
	}
	// Unreachable in practice: sem guarantees a free slot exists.
	p.sem <- struct{}{}
	return nil, direrr.ErrNotConnected
}

func (c *connection) tryClaim() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed {
		return false
	}
	c.claimed = true
	return true
}

func (c *connection) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimed = false
}

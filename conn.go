package dune

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// ConnOpt is an option function passed to Connect.
type ConnOpt func(*connOptions)

type connOptions struct {
	log         log.Logger
	dialTimeout time.Duration
	database    string
	registerer  prometheus.Registerer
}

func defaultConnOptions() connOptions {
	return connOptions{
		log:         log.NewNopLogger(),
		dialTimeout: 10 * time.Second,
		database:    "test",
	}
}

// WithLogger sets the Connection to log through l.
func WithLogger(l log.Logger) ConnOpt {
	return func(o *connOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithDialTimeout bounds how long Connect waits to establish the TCP
// connection. It does not affect any operation after Connect returns: there
// is no cancellation or timeout support at this layer beyond the initial
// dial.
func WithDialTimeout(d time.Duration) ConnOpt {
	return func(o *connOptions) { o.dialTimeout = d }
}

// WithDatabase sets the default database tag new Connections carry. Use
// creates an alias with a different tag over the same connection.
func WithDatabase(db string) ConnOpt {
	return func(o *connOptions) { o.database = db }
}

// WithMetricsRegisterer registers the connection's Prometheus collectors
// with reg. Left unset, collectors are created but never exported.
func WithMetricsRegisterer(reg prometheus.Registerer) ConnOpt {
	return func(o *connOptions) { o.registerer = reg }
}

// poisonCell is the single-writer terminal-error cell guarding the write
// latch: the first Poison call wins, every later caller (and every Load)
// observes the same stored error.
type poisonCell struct {
	set atomic.Bool
	err atomic.Error
}

// Poison stores err if this is the first call, and reports whether it won.
func (p *poisonCell) Poison(err error) bool {
	if p.set.CAS(false, true) {
		p.err.Store(err)
		return true
	}
	return false
}

// Load returns the stored error, or nil if never poisoned.
func (p *poisonCell) Load() error {
	if !p.set.Load() {
		return nil
	}
	return p.err.Load()
}

// waiter is the per-token registry entry. Its channel is unbuffered: the
// reader task's send blocks until the consumer reads, giving the reader
// implicit backpressure from a slow consumer. stopped is closed exactly
// once, either by the cursor abandoning the token (sending STOP) or by the
// reader tearing the connection down, so a reader blocked mid-send never
// leaks.
type waiter struct {
	token uint64
	ch    chan Response
	term  *Term

	stopped     chan struct{}
	stoppedOnce sync.Once
}

func newWaiter(token uint64, term *Term) *waiter {
	return &waiter{token: token, ch: make(chan Response), term: term, stopped: make(chan struct{})}
}

func (w *waiter) signalStopped() {
	w.stoppedOnce.Do(func() { close(w.stopped) })
}

// connCore is the shared state behind every alias of a Connection produced
// by Use. It owns the socket, the write latch, the token counter, and the
// waiter registry.
type connCore struct {
	nc    net.Conn
	codec *codec

	log     log.Logger
	metrics *Metrics

	writeMu sync.Mutex
	poison  poisonCell

	nextToken atomic.Uint64
	waiters   sync.Map // uint64 -> *waiter

	closeOnce sync.Once
	done      chan struct{}
}

// Connection is a handle onto a shared connCore plus a default database
// tag. Use creates another Connection over the same core with a different
// tag; closing either one closes the shared core.
type Connection struct {
	core      *connCore
	defaultDB string
}

// Connect resolves host (IPv4 or IPv6), dials TCP with TCP_NODELAY, performs
// the handshake, and starts the reader task. auth may be nil.
func Connect(host string, port uint16, auth []byte, opts ...ConnOpt) (*Connection, error) {
	o := defaultConnOptions()
	for _, f := range opts {
		f(&o)
	}

	d := net.Dialer{Timeout: o.dialTimeout}
	nc, err := d.Dial("tcp", net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10)))
	if err != nil {
		return nil, &ConnectionError{Message: "dial failed", Cause: err}
	}

	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	if err := handshake(nc, auth); err != nil {
		_ = nc.Close()
		return nil, err
	}

	core := &connCore{
		nc:      nc,
		codec:   newCodec(nc),
		log:     o.log,
		metrics: newMetrics(o.registerer),
		done:    make(chan struct{}),
	}
	go core.readLoop()

	return &Connection{core: core, defaultDB: o.database}, nil
}

// Use returns an alias of conn carrying a different default database tag.
// The alias shares the same underlying socket, reader task, and waiter
// registry; closing either alias closes both.
func (c *Connection) Use(database string) *Connection {
	return &Connection{core: c.core, defaultDB: database}
}

// Database returns the default database tag this handle carries.
func (c *Connection) Database() string { return c.defaultDB }

// Metrics returns a snapshot of this connection's counters.
func (c *Connection) Metrics() ConnectionStats {
	m := c.core.metrics
	return ConnectionStats{
		TokensAllocated:  m.mTokens.Load(),
		FramesSent:       m.mFramesSent.Load(),
		FramesReceived:   m.mFramesReceived.Load(),
		ContinuesSent:    m.mContinues.Load(),
		StopsSent:        m.mStops.Load(),
		DroppedResponses: m.mDropped.Load(),
		ActiveWaiters:    m.mActiveWaiters.Load(),
	}
}

// Done returns a channel closed once the reader task has exited, i.e. once
// the connection is fully dead (whether by Close or by a transport
// failure).
func (c *Connection) Done() <-chan struct{} { return c.core.done }

// Close drains outstanding NOREPLY queries with a NOREPLY_WAIT barrier,
// then tears down the reader task and socket. Close is idempotent: a
// second call observes the core already poisoned/closed and returns nil.
func (c *Connection) Close() error {
	_ = NoReplyWait(c)

	c.core.closeOnce.Do(func() {
		c.core.poison.Poison(&ConnectionError{Message: "connection closed"})
		_ = c.core.nc.Close()
	})
	return nil
}

// writeFrame sends a single frame under the write latch. Acquiring the
// latch when poisoned returns the stored error without touching the
// socket; the latch is held across exactly one frame write.
func (core *connCore) writeFrame(token uint64, payload Datum) error {
	if err := core.poison.Load(); err != nil {
		return err
	}

	core.writeMu.Lock()
	defer core.writeMu.Unlock()

	if err := core.poison.Load(); err != nil {
		return err
	}

	if err := core.codec.writeFrame(frame{Token: token, Payload: payload}); err != nil {
		core.poison.Poison(err)
		return err
	}
	core.metrics.incFramesSent()
	return nil
}

// readLoop is the connection's single reader task. It must never be
// invoked from a submission path: the read half of the socket has exactly
// one owner.
func (core *connCore) readLoop() {
	defer close(core.done)

	for {
		f, err := core.codec.readFrame()
		if err != nil {
			core.fail(err)
			return
		}
		core.metrics.incFramesReceived()

		raw, err := decodeResponse(f.Payload)
		if err != nil {
			core.fail(err)
			return
		}

		v, ok := core.waiters.Load(f.Token)
		if !ok {
			// Race with cursor abandonment (STOP in flight) or a
			// genuinely unknown token; drop silently rather than block the
			// reader on a consumer that's gone.
			level.Warn(core.log).Log("msg", "dropping response for unknown token", "token", f.Token)
			core.metrics.incDropped()
			continue
		}
		w := v.(*waiter)
		resp := classify(raw, w.term)
		if resp.IsError() {
			core.metrics.incDbError(resp.Err().Code)
		}

		select {
		case w.ch <- resp:
		case <-w.stopped:
			// Consumer abandoned the token; the value is discarded and no
			// further bookkeeping is needed since Close already removed
			// the waiter entry.
			continue
		}

		if resp.Terminal() {
			if core.waiters.CompareAndDelete(f.Token, w) {
				core.metrics.waiterRemoved()
			}
		}
	}
}

// fail terminates the reader task: it poisons the write latch, closes the
// socket, and drops every outstanding waiter so blocked consumers observe
// the failure instead of hanging forever.
func (core *connCore) fail(err error) {
	wrapped := err
	var ce *codecError
	if errors.As(err, &ce) {
		wrapped = &ConnectionError{Message: "connection lost", Cause: ce.Unwrap()}
	}

	core.poison.Poison(wrapped)
	_ = core.nc.Close()
	level.Info(core.log).Log("msg", "closing connection", "err", wrapped)

	core.waiters.Range(func(key, value interface{}) bool {
		core.waiters.Delete(key)
		w := value.(*waiter)
		w.signalStopped()
		close(w.ch)
		core.metrics.waiterRemoved()
		return true
	})
}

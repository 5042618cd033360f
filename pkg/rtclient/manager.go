// Package rtclient keeps a single live connection to the realtime endpoint.
//
// A Manager reconnects after unexpected drops and transport errors, with at
// most one reconnect pending at a time. Listeners are registered on the
// Manager, not on a connection, so reconnects never duplicate deliveries.
package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	logx "taskbell/pkg/logx"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const DefaultReconnectInterval = 5 * time.Second

var (
	ErrUnauthenticated = errors.New("rtclient: no valid token")
	ErrNotConnected    = errors.New("rtclient: not connected")
	ErrClosed          = errors.New("rtclient: manager closed")
)

type Listener func(data json.RawMessage)

type StateListener func(from, to State)

type Option func(*Manager)

func WithReconnectInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	transport Transport
	tokens    TokenSource
	interval  time.Duration
	log       logx.Logger
	now       func() time.Time

	mu      sync.Mutex
	state   State
	gen     uint64
	conn    Conn
	cancel  context.CancelFunc // in-flight dial
	timer   *time.Timer
	timerID uint64
	closed  bool

	seq       uint64
	listeners map[string]map[uint64]Listener
	stateFns  map[uint64]StateListener
}

func New(t Transport, tokens TokenSource, opts ...Option) *Manager {
	m := &Manager{
		transport: t,
		tokens:    tokens,
		interval:  DefaultReconnectInterval,
		log:       logx.Nop(),
		now:       time.Now,
		listeners: map[string]map[uint64]Listener{},
		stateFns:  map[uint64]StateListener{},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(logx.String("comp", "rtclient"))
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) token() (string, bool) {
	if m.tokens == nil {
		return "", false
	}
	tok, err := m.tokens.Token()
	if err != nil || !ValidToken(tok, m.now()) {
		return "", false
	}
	return tok, true
}

// Connect starts a connection attempt. It does nothing while connecting or
// connected, and returns ErrUnauthenticated without changing state when
// there is no valid token.
func (m *Manager) Connect() error {
	tok, ok := m.token()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !ok {
		m.mu.Unlock()
		return ErrUnauthenticated
	}
	if m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	// An explicit connect supersedes a pending reconnect.
	m.stopTimerLocked()
	from := m.beginLocked(tok)
	m.mu.Unlock()

	m.notify(from, Connecting)
	return nil
}

// beginLocked moves to Connecting and dials in the background.
func (m *Manager) beginLocked(tok string) State {
	from := m.state
	m.state = Connecting
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	go m.dial(ctx, gen, tok)
	return from
}

func (m *Manager) dial(ctx context.Context, gen uint64, tok string) {
	conn, err := m.transport.Dial(ctx, tok)

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.cancel = nil
	if err != nil {
		m.log.Warn("connect failed", logx.Err(err))
		from := m.state
		m.scheduleLocked()
		to := m.state
		m.mu.Unlock()
		m.notify(from, to)
		return
	}
	m.conn = conn
	from := m.state
	m.state = Connected
	m.mu.Unlock()

	m.log.Debug("connected")
	m.notify(from, Connected)
	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		f, err := conn.Receive()
		if err != nil {
			m.dropped(gen, conn, err)
			return
		}
		m.deliver(f)
	}
}

// dropped handles the end of a connection this manager did not close.
func (m *Manager) dropped(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	_ = conn.Close()
	m.conn = nil
	from := m.state
	m.state = Disconnected
	deliberate := errors.Is(err, ErrServerClosed)
	if !deliberate {
		m.scheduleLocked()
	}
	to := m.state
	m.mu.Unlock()

	m.log.Info("connection lost", logx.Err(err), logx.Bool("reconnect", !deliberate))
	m.notify(from, Disconnected)
	m.notify(Disconnected, to)
}

// scheduleLocked arms the single reconnect timer. Further errors while it
// is pending do not add another.
func (m *Manager) scheduleLocked() {
	m.state = Reconnecting
	if m.timer != nil {
		return
	}
	m.timerID++
	id := m.timerID
	m.timer = time.AfterFunc(m.interval, func() { m.fire(id) })
}

func (m *Manager) fire(id uint64) {
	m.mu.Lock()
	if m.timer == nil || m.timerID != id || m.closed || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	tok, ok := m.token()

	m.mu.Lock()
	if m.closed || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	if !ok {
		m.state = Disconnected
		m.mu.Unlock()
		m.log.Info("reconnect skipped: token no longer valid")
		m.notify(Reconnecting, Disconnected)
		return
	}
	from := m.beginLocked(tok)
	m.mu.Unlock()
	m.notify(from, Connecting)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Disconnect cancels any pending reconnect and closes the connection, which
// stops frame delivery. Registered listeners stay for the next Connect; Close
// releases them. It is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	from := m.disconnectLocked()
	m.mu.Unlock()
	if from != Disconnected {
		m.notify(from, Disconnected)
	}
}

func (m *Manager) disconnectLocked() State {
	m.stopTimerLocked()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	from := m.state
	m.state = Disconnected
	return from
}

// SendEvent forwards to the server only while connected; otherwise the event
// is dropped and ErrNotConnected returned.
func (m *Manager) SendEvent(event string, data any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == Connected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.Send(Frame{Event: event, Data: raw, At: m.now()})
}

// On registers fn for server frames named event and returns its remover.
func (m *Manager) On(event string, fn Listener) (off func()) {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return func() {}
	}
	m.seq++
	id := m.seq
	if m.listeners[event] == nil {
		m.listeners[event] = map[uint64]Listener{}
	}
	m.listeners[event][id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners[event], id)
		if len(m.listeners[event]) == 0 {
			delete(m.listeners, event)
		}
		m.mu.Unlock()
	}
}

// OnState registers fn for state transitions.
func (m *Manager) OnState(fn StateListener) (off func()) {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return func() {}
	}
	m.seq++
	id := m.seq
	m.stateFns[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.stateFns, id)
		m.mu.Unlock()
	}
}

// Listeners returns the number of registered frame listeners.
func (m *Manager) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.listeners {
		n += len(l)
	}
	return n
}

// Close tears the manager down: it disconnects, drops every listener and
// refuses further use.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.disconnectLocked()
	m.closed = true
	m.listeners = map[string]map[uint64]Listener{}
	m.stateFns = map[uint64]StateListener{}
	m.mu.Unlock()
}

func (m *Manager) deliver(f Frame) {
	m.mu.Lock()
	fns := make([]Listener, 0, len(m.listeners[f.Event]))
	for _, fn := range m.listeners[f.Event] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(f.Data)
	}
}

func (m *Manager) notify(from, to State) {
	if from == to {
		return
	}
	m.mu.Lock()
	fns := make([]StateListener, 0, len(m.stateFns))
	for _, fn := range m.stateFns {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(from, to)
	}
}

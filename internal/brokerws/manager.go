// Package brokerws is the Shared WebSocket Connection Manager (C7,
// spec.md §4.5). It owns one SharedConnection per unique token_key,
// multiplexing many listeners over it, and generalizes the teacher's
// exchange.WSReconnectManager (one connection per exchange) to one
// connection per broker auth token shared by N accounts.
package brokerws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"futuresbridge/internal/clockid"
	"futuresbridge/pkg/utils"
)

const (
	heartbeatInterval   = 2500 * time.Millisecond
	serverSilenceLimit  = 10 * time.Second
	maxMessageSize      = 10 << 20 // 10 MiB, spec.md §4.5
	rotationLifetime    = 85 * time.Minute
	deadSubWindow       = 30 * time.Second
	deadSubWindowCount  = 10 // 10 * 30s = 300s total
	deadSubMinSleep     = 30 * time.Second
	deadSubJitterSpread = 15 * time.Second
	normalBackoffBase   = 1 * time.Second
	normalBackoffMax    = 60 * time.Second
	initialStaggerSpread = 30 * time.Second
)

// Message is a parsed event delivered from a SharedConnection to its
// listeners.
type Message struct {
	Type    string // "position", "fill", "order", "balance", other
	Symbol  string
	Payload []byte
}

// Listener is registered against a token_key. OnMessage MUST be
// non-blocking — no network I/O, no long computation (spec.md §4.5); any
// reaction needing I/O posts a task to a worker pool instead.
type Listener struct {
	ID            string
	TokenKey      string
	Live          bool
	SubaccountIDs []string
	OnMessage     func(Message)
}

// Dialer abstracts the broker WS endpoint resolution + handshake so tests
// can substitute a fake transport; production uses gorilla/websocket.
type Dialer interface {
	Dial(ctx context.Context, tokenKey string, live bool) (*websocket.Conn, error)
	// BuildSyncRequest returns the subscribe/sync payload for the union
	// of subaccounts, with splitResponses=true per spec.md §4.5.
	BuildSyncRequest(subaccountIDs []string) ([]byte, error)
	// RefreshToken is called before rotation/reconnect so the new
	// connection authenticates with a live token.
	RefreshToken(ctx context.Context, tokenKey string) error
	// IsMarketHours gates dead-subscription detection (spec.md §4.5:
	// outside market hours, 0-data is normal and suppressed).
	IsMarketHours(now time.Time) bool
}

// Manager owns the set of SharedConnections, keyed by token_key. A single
// actor (Manager) owns mutation; registration requests are funneled
// through a channel, matching spec.md §9's actor-ownership design note.
type Manager struct {
	dialer Dialer
	gate   *ConnectGate
	clock  clockid.Clock
	log    *utils.Logger

	mu    sync.Mutex
	conns map[string]*SharedConnection

	registrations chan registration
	unregistrations chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type registration struct {
	listener Listener
	done     chan struct{}
}

func NewManager(dialer Dialer, clock clockid.Clock, log *utils.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dialer:          dialer,
		gate:            NewConnectGate(2, 3*time.Second, clock),
		clock:           clock,
		log:             log.WithComponent("brokerws"),
		conns:           make(map[string]*SharedConnection),
		registrations:   make(chan registration, 64),
		unregistrations: make(chan string, 64),
		ctx:             ctx,
		cancel:          cancel,
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Register adds a listener, creating its SharedConnection if needed, and
// blocks until the registration has been applied.
func (m *Manager) Register(l Listener) {
	done := make(chan struct{})
	select {
	case m.registrations <- registration{listener: l, done: done}:
		<-done
	case <-m.ctx.Done():
	}
}

// Unregister removes a listener by ID.
func (m *Manager) Unregister(listenerID string) {
	select {
	case m.unregistrations <- listenerID:
	case <-m.ctx.Done():
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case reg := <-m.registrations:
			m.applyRegistration(reg.listener)
			close(reg.done)
		case id := <-m.unregistrations:
			m.applyUnregistration(id)
		}
	}
}

func (m *Manager) applyRegistration(l Listener) {
	m.mu.Lock()
	sc, ok := m.conns[l.TokenKey]
	if !ok {
		sc = newSharedConnection(m.ctx, l.TokenKey, l.Live, m.dialer, m.gate, m.clock, m.log)
		m.conns[l.TokenKey] = sc
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			sc.run()
		}()
	}
	m.mu.Unlock()
	sc.addListener(l)
}

func (m *Manager) applyUnregistration(listenerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sc := range m.conns {
		sc.removeListener(listenerID)
	}
}

// Connected reports whether a live SharedConnection is
// currently delivering for the given token_key — used by reconciliation
// (spec.md §4.9) to skip TP repair when the listener is authoritative.
func (m *Manager) Connected(tokenKey string) bool {
	m.mu.Lock()
	sc, ok := m.conns[tokenKey]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return sc.isConnected()
}

// Shutdown cancels all connections and waits (bounded) for drain.
func (m *Manager) Shutdown(drain time.Duration) {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drain):
	}
}

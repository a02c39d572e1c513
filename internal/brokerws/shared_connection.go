package brokerws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"futuresbridge/internal/clockid"
	"futuresbridge/pkg/utils"
)

// connState mirrors the teacher's WSConnectionState enum.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SharedConnection is one WebSocket connected to the broker under a
// single token_key, multiplexed to N listeners (spec.md §4.5).
type SharedConnection struct {
	tokenKey string
	live     bool

	dialer Dialer
	gate   *ConnectGate
	clock  clockid.Clock
	log    *utils.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state      atomic.Int32 // connState
	connMu     sync.Mutex
	conn       *websocket.Conn
	connectedAt time.Time

	listenersMu sync.RWMutex
	listeners   map[string]Listener

	lastMessageAt atomic.Int64 // unix nano
	lastDataAt    atomic.Int64 // unix nano, data messages only (excludes heartbeats)

	retryCount atomic.Int32
	deadSubReconnect atomic.Bool
}

func newSharedConnection(parent context.Context, tokenKey string, live bool, dialer Dialer, gate *ConnectGate, clock clockid.Clock, log *utils.Logger) *SharedConnection {
	ctx, cancel := context.WithCancel(parent)
	return &SharedConnection{
		tokenKey:  tokenKey,
		live:      live,
		dialer:    dialer,
		gate:      gate,
		clock:     clock,
		log:       log.With(zap.String("token_key", tokenKey)),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[string]Listener),
	}
}

func (sc *SharedConnection) isConnected() bool {
	return connState(sc.state.Load()) == stateConnected
}

func (sc *SharedConnection) setState(s connState) {
	sc.state.Store(int32(s))
}

func (sc *SharedConnection) addListener(l Listener) {
	sc.listenersMu.Lock()
	sc.listeners[l.ID] = l
	union := sc.subaccountUnionLocked()
	sc.listenersMu.Unlock()
	sc.resync(union)
}

func (sc *SharedConnection) removeListener(id string) {
	sc.listenersMu.Lock()
	if _, ok := sc.listeners[id]; !ok {
		sc.listenersMu.Unlock()
		return
	}
	delete(sc.listeners, id)
	union := sc.subaccountUnionLocked()
	sc.listenersMu.Unlock()
	sc.resync(union)
}

func (sc *SharedConnection) subaccountUnionLocked() []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range sc.listeners {
		for _, sub := range l.SubaccountIDs {
			if !seen[sub] {
				seen[sub] = true
				out = append(out, sub)
			}
		}
	}
	return out
}

// resync re-issues the sync request with the current subaccount union if
// the connection is live. It is a no-op while (re)connecting — the
// connect path always syncs with the latest union at that time.
func (sc *SharedConnection) resync(union []string) {
	if !sc.isConnected() {
		return
	}
	payload, err := sc.dialer.BuildSyncRequest(union)
	if err != nil {
		sc.log.Error("build sync request failed", utils.Err(err))
		return
	}
	sc.connMu.Lock()
	conn := sc.conn
	sc.connMu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		sc.log.Warn("resync write failed", utils.Err(err))
	}
}

// run is the SharedConnection's lifetime loop: initial stagger, connect,
// serve until disconnect/rotation, backoff, reconnect, repeat until ctx
// is canceled.
func (sc *SharedConnection) run() {
	stagger := clockid.JitterRange(0, initialStaggerSpread)
	select {
	case <-sc.clock.After(stagger):
	case <-sc.ctx.Done():
		return
	}

	for {
		if sc.ctx.Err() != nil {
			sc.setState(stateClosed)
			return
		}
		if err := sc.connectAndServe(); err != nil {
			sc.log.Warn("connection cycle ended", utils.Err(err))
		}
		if sc.ctx.Err() != nil {
			sc.setState(stateClosed)
			return
		}
		sc.setState(stateReconnecting)
		var backoff time.Duration
		if sc.deadSubReconnect.Swap(false) {
			backoff = clockid.JitterRange(deadSubMinSleep, deadSubJitterSpread)
		} else {
			backoff = sc.nextBackoff()
		}
		select {
		case <-sc.clock.After(backoff):
		case <-sc.ctx.Done():
			sc.setState(stateClosed)
			return
		}
	}
}

func (sc *SharedConnection) nextBackoff() time.Duration {
	n := sc.retryCount.Add(1)
	d := normalBackoffBase
	for i := int32(1); i < n; i++ {
		d *= 2
		if d >= normalBackoffMax {
			d = normalBackoffMax
			break
		}
	}
	return clockid.Jitter(d, 0.10)
}

// connectAndServe acquires the connect gate, dials, syncs, and then runs
// the receive + heartbeat + rotation loops until disconnect.
func (sc *SharedConnection) connectAndServe() error {
	sc.setState(stateConnecting)

	if err := sc.gate.Acquire(sc.ctx); err != nil {
		return err
	}
	conn, err := sc.dialer.Dial(sc.ctx, sc.tokenKey, sc.live)
	sc.gate.Release()
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessageSize)

	sc.connMu.Lock()
	sc.conn = conn
	sc.connMu.Unlock()
	sc.connectedAt = sc.clock.Now()
	now := sc.clock.Now().UnixNano()
	sc.lastMessageAt.Store(now)
	sc.lastDataAt.Store(now)
	sc.setState(stateConnected)
	sc.retryCount.Store(0)

	sc.listenersMu.RLock()
	union := sc.subaccountUnionLocked()
	sc.listenersMu.RUnlock()
	if payload, err := sc.dialer.BuildSyncRequest(union); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sc.readPump(conn, done) }()
	go func() { defer wg.Done(); sc.watchdog(conn, done) }()
	wg.Wait()

	sc.connMu.Lock()
	sc.conn = nil
	sc.connMu.Unlock()
	sc.setState(stateDisconnected)
	return nil
}

func (sc *SharedConnection) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		now := sc.clock.Now().UnixNano()
		sc.lastMessageAt.Store(now)
		msg := parseMessage(data)
		if msg.Type != "" && msg.Type != "heartbeat" {
			sc.lastDataAt.Store(now)
		}
		sc.dispatch(msg)
	}
}

// dispatch fans a parsed message out to every listener, isolating faults
// per spec.md §4.5: a panicking listener must not affect others.
func (sc *SharedConnection) dispatch(msg Message) {
	sc.listenersMu.RLock()
	ls := make([]Listener, 0, len(sc.listeners))
	for _, l := range sc.listeners {
		ls = append(ls, l)
	}
	sc.listenersMu.RUnlock()

	for _, l := range ls {
		sc.callListener(l, msg)
	}
}

func (sc *SharedConnection) callListener(l Listener, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			sc.log.Error("listener panicked", zap.String("listener_id", l.ID), zap.Any("recover", r))
		}
	}()
	l.OnMessage(msg)
}

// watchdog owns heartbeats, the server-silence liveness check, the
// 85-minute rotation, and dead-subscription detection. It closes conn
// (which unblocks readPump) when any of those trip.
func (sc *SharedConnection) watchdog(conn *websocket.Conn, done chan struct{}) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	tick := time.NewTicker(deadSubWindow)
	defer tick.Stop()

	rotateAt := sc.connectedAt.Add(rotationLifetime)
	consecutiveEmptyWindows := 0

	for {
		select {
		case <-done:
			return
		case <-sc.ctx.Done():
			conn.Close()
			return
		case <-heartbeat.C:
			if sc.clock.Now().Sub(time.Unix(0, sc.lastMessageAt.Load())) > serverSilenceLimit {
				sc.log.Warn("server silent beyond liveness window, reconnecting")
				conn.Close()
				return
			}
			_ = conn.WriteMessage(websocket.PingMessage, nil)
			if sc.clock.Now().After(rotateAt) {
				sc.log.Info("rotating connection before auth expiry")
				_ = sc.dialer.RefreshToken(sc.ctx, sc.tokenKey)
				conn.Close()
				return
			}
		case <-tick.C:
			if !sc.dialer.IsMarketHours(sc.clock.Now()) {
				consecutiveEmptyWindows = 0
				continue
			}
			lastData := time.Unix(0, sc.lastDataAt.Load())
			if sc.clock.Now().Sub(lastData) >= deadSubWindow {
				consecutiveEmptyWindows++
			} else {
				consecutiveEmptyWindows = 0
			}
			if consecutiveEmptyWindows >= deadSubWindowCount {
				sc.log.Warn("dead subscription detected during market hours, reconnecting")
				sc.deadSubReconnect.Store(true)
				conn.Close()
				return
			}
		}
	}
}

// parseMessage is a minimal envelope decoder: it reads the frame's
// top-level "type" and "symbol" JSON fields and keeps the whole frame as
// Payload. The manager only needs Type/Symbol to route to listeners and
// to distinguish data from heartbeat frames for dead-subscription
// detection.
func parseMessage(data []byte) Message {
	var env struct {
		Type   string `json:"type"`
		Symbol string `json:"symbol"`
	}
	if json.Unmarshal(data, &env) != nil || env.Type == "" {
		env.Type = sniffType(data)
	}
	return Message{Type: env.Type, Symbol: env.Symbol, Payload: data}
}

func sniffType(data []byte) string {
	// A frame without a readable type field is treated as a data frame
	// when it is non-empty.
	if len(data) == 0 {
		return ""
	}
	return "data"
}

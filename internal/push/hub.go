package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tutordash/internal/dashboard"
	"tutordash/internal/eventbus"
	"tutordash/internal/metrics"
	logx "tutordash/pkg/logx"
)

// Lifecycle is told about connections opening and closing on the hub.
type Lifecycle interface {
	OnConnect(ctx context.Context, connectionID, userEmail string) error
	OnDisconnect(ctx context.Context, connectionID string)
}

type HubConfig struct {
	WriteTimeout   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	// AllowedOrigins empty accepts any origin.
	AllowedOrigins []string
}

// ConnectionEvent is published on the bus for opens and closes.
type ConnectionEvent struct {
	ConnectionID string
	UserEmail    string
}

// Hub owns the WebSocket connections attached to this process and pushes
// to them by connection id.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader
	bus      eventbus.Bus
	log      logx.Logger

	mu    sync.RWMutex
	peers map[string]*peer
	lc    Lifecycle

	closeOnce sync.Once
	closed    chan struct{}
}

type peer struct {
	id    string
	email string
	conn  *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (p *peer) write(messageType int, data []byte, deadline time.Time) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(deadline)
	return p.conn.WriteMessage(messageType, data)
}

// shutdown sends a close frame best-effort and tears the socket down.
func (p *peer) shutdown(code int, reason string) {
	p.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = p.conn.Close()
		close(p.done)
	})
}

func NewHub(cfg HubConfig, bus eventbus.Bus, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4 << 10
	}
	h := &Hub{
		cfg:    cfg,
		bus:    bus,
		log:    log,
		peers:  map[string]*peer{},
		closed: make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024 * 4,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetLifecycle installs the connect/disconnect callbacks. Must be called
// before the hub serves requests.
func (h *Hub) SetLifecycle(lc Lifecycle) {
	h.mu.Lock()
	h.lc = lc
	h.mu.Unlock()
}

func (h *Hub) lifecycle() Lifecycle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lc
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades GET /ws?email=<user> and holds the connection until
// the client leaves or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("email")))
	if email == "" {
		http.Error(w, "email query parameter is required", http.StatusBadRequest)
		return
	}
	select {
	case <-h.closed:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logx.Err(err))
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageSize)

	p := &peer{id: uuid.NewString(), email: email, conn: conn, done: make(chan struct{})}
	h.attach(p)
	defer h.detach(p)

	hello, _ := json.Marshal(dashboard.ConnectedEvent{Type: dashboard.TypeConnected, ConnectionID: p.id})
	if err := p.write(websocket.TextMessage, hello, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		h.log.Debug("connected frame failed", logx.String("connection_id", p.id), logx.Err(err))
		return
	}

	if lc := h.lifecycle(); lc != nil {
		if err := lc.OnConnect(r.Context(), p.id, email); err != nil {
			h.log.Warn("connection rejected", logx.String("connection_id", p.id), logx.String("user", email), logx.Err(err))
			p.shutdown(websocket.CloseInternalServerErr, "registration failed")
			return
		}
	}
	h.supersede(p)
	h.publish(eventbus.TypeConnected, p)

	go h.pingLoop(p)
	h.readLoop(p)
}

func (h *Hub) attach(p *peer) {
	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()
	metrics.ConnectionsCurrent.Inc()
}

func (h *Hub) detach(p *peer) {
	p.shutdown(websocket.CloseNormalClosure, "")
	h.mu.Lock()
	_, ok := h.peers[p.id]
	delete(h.peers, p.id)
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.ConnectionsCurrent.Dec()
	if lc := h.lifecycle(); lc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lc.OnDisconnect(ctx, p.id)
		cancel()
	}
	h.publish(eventbus.TypeDisconnected, p)
}

// supersede closes other sockets of the same user still attached here.
func (h *Hub) supersede(p *peer) {
	h.mu.RLock()
	var old []*peer
	for _, q := range h.peers {
		if q.email == p.email && q.id != p.id {
			old = append(old, q)
		}
	}
	h.mu.RUnlock()
	for _, q := range old {
		h.log.Debug("closing superseded connection", logx.String("connection_id", q.id), logx.String("user", q.email))
		q.shutdown(websocket.ClosePolicyViolation, "superseded")
	}
}

func (h *Hub) readLoop(p *peer) {
	_ = p.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	for {
		// Client frames carry nothing we act on; reading keeps control
		// frames flowing and notices the close.
		if _, _, err := p.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", logx.String("connection_id", p.id), logx.Err(err))
			}
			return
		}
	}
}

func (h *Hub) pingLoop(p *peer) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic in ping loop", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	t := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-h.closed:
			p.shutdown(websocket.CloseGoingAway, "server shutdown")
			return
		case <-t.C:
			if err := p.write(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				p.shutdown(websocket.CloseGoingAway, "")
				return
			}
		}
	}
}

// Post writes payload to the connection. Unknown ids are gone. A write
// timeout is transient, but gorilla/websocket leaves the connection
// unusable after one, so the socket is closed and the error is marked
// ErrNoRetry. Other write failures mean the peer went away.
func (h *Hub) Post(ctx context.Context, connectionID string, payload []byte) error {
	h.mu.RLock()
	p := h.peers[connectionID]
	h.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("hub post %s: %w", connectionID, ErrGone)
	}
	select {
	case <-p.done:
		return fmt.Errorf("hub post %s: %w", connectionID, ErrGone)
	default:
	}

	deadline := time.Now().Add(h.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	err := p.write(websocket.TextMessage, payload, deadline)
	if err == nil {
		return nil
	}
	p.shutdown(websocket.CloseGoingAway, "write failed")
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("hub post %s: %w: %w", connectionID, err, ErrNoRetry)
	}
	return fmt.Errorf("hub post %s: %v: %w", connectionID, err, ErrGone)
}

// Count reports attached connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Kick closes the local socket for connectionID. It reports false when the
// connection is not attached to this process.
func (h *Hub) Kick(connectionID string) bool {
	h.mu.RLock()
	p := h.peers[connectionID]
	h.mu.RUnlock()
	if p == nil {
		return false
	}
	p.shutdown(websocket.ClosePolicyViolation, "disconnected")
	return true
}

// Close disconnects every peer and refuses new upgrades.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.mu.RLock()
		peers := make([]*peer, 0, len(h.peers))
		for _, p := range h.peers {
			peers = append(peers, p)
		}
		h.mu.RUnlock()
		for _, p := range peers {
			p.shutdown(websocket.CloseGoingAway, "server shutdown")
		}
	})
}

func (h *Hub) publish(typ string, p *peer) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(eventbus.Event{Type: typ, Data: ConnectionEvent{ConnectionID: p.id, UserEmail: p.email}})
}

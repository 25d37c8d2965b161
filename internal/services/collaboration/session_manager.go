package collaboration

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"livesync/internal/telemetry"
)

/*
LEARNING: CONNECTION MANAGER

The manager owns every transport connection the server holds:

1. **WebSockets** register and unregister through channels handled by one
   event loop goroutine, so a socket is closed exactly once.
2. **Keep-alive HTTP connections** are tracked from http.Server hooks.
3. **Cleanup**: sockets that stopped answering pings are dropped.

When a connection goes away every session it served is detached from the
engine, which keeps the session alive for its retention period.
*/

const idleTimeout = 5 * time.Minute

// SessionManager tracks transport connections and detaches their sessions
// from the engine when they close
type SessionManager struct {
	engine Engine

	sockets    map[*Socket]bool
	register   chan *Socket
	unregister chan *Socket
	mu         sync.RWMutex

	httpConns map[net.Conn]*HTTPConn
	httpMu    sync.Mutex

	// Control
	done     chan struct{}
	stopOnce sync.Once
}

// NewSessionManager creates a new session manager
func NewSessionManager(engine Engine) *SessionManager {
	return &SessionManager{
		engine:     engine,
		sockets:    make(map[*Socket]bool),
		register:   make(chan *Socket),
		unregister: make(chan *Socket, 64),
		httpConns:  make(map[net.Conn]*HTTPConn),
		done:       make(chan struct{}),
	}
}

// Start begins the session manager event loop
// Learning: This goroutine handles all socket events one at a time
func (sm *SessionManager) Start() {
	log.Println("🔄 Starting connection manager...")

	go func() {
		for {
			select {
			case <-sm.done:
				return
			case s := <-sm.register:
				sm.handleRegister(s)
			case s := <-sm.unregister:
				sm.handleUnregister(s)
			}
		}
	}()

	go sm.cleanupLoop()

	log.Println("✓ Connection manager started")
}

func (sm *SessionManager) handleRegister(s *Socket) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.sockets[s] = true
	telemetry.OpenConnections.WithLabelValues("websocket").Set(float64(len(sm.sockets)))
	log.Printf("  Socket %s connected from %s (total: %d)", s.ID, s.RemoteAddr, len(sm.sockets))
}

func (sm *SessionManager) handleUnregister(s *Socket) {
	sm.mu.Lock()
	_, ok := sm.sockets[s]
	delete(sm.sockets, s)
	remaining := len(sm.sockets)
	sm.mu.Unlock()

	if !ok {
		return
	}
	s.close()
	telemetry.OpenConnections.WithLabelValues("websocket").Set(float64(remaining))
	log.Printf("  Socket %s disconnected (remaining: %d)", s.ID, remaining)
}

// Unregister drops s. It never blocks the caller.
func (sm *SessionManager) Unregister(s *Socket) {
	select {
	case sm.unregister <- s:
	case <-sm.done:
	default:
		go func() {
			select {
			case sm.unregister <- s:
			case <-sm.done:
			}
		}()
	}
}

// SocketCount returns the number of registered sockets
func (sm *SessionManager) SocketCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sockets)
}

// ConnContext is installed as http.Server.ConnContext
func (sm *SessionManager) ConnContext(ctx context.Context, c net.Conn) context.Context {
	conn := NewHTTPConn(c.RemoteAddr().String())

	sm.httpMu.Lock()
	sm.httpConns[c] = conn
	n := len(sm.httpConns)
	sm.httpMu.Unlock()

	telemetry.OpenConnections.WithLabelValues("http").Set(float64(n))
	return WithHTTPConn(ctx, conn)
}

// ConnState is installed as http.Server.ConnState. A closed or hijacked
// connection detaches the sessions it served.
func (sm *SessionManager) ConnState(c net.Conn, state http.ConnState) {
	if state != http.StateClosed && state != http.StateHijacked {
		return
	}

	sm.httpMu.Lock()
	conn, ok := sm.httpConns[c]
	delete(sm.httpConns, c)
	n := len(sm.httpConns)
	sm.httpMu.Unlock()

	if !ok {
		return
	}
	telemetry.OpenConnections.WithLabelValues("http").Set(float64(n))
	for _, token := range conn.Tokens() {
		sm.engine.Disconnect(token, conn)
	}
}

// cleanupLoop periodically removes sockets that stopped answering
func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			for _, s := range sm.idleSockets(time.Now()) {
				log.Printf("  Cleaning up inactive socket %s", s.ID)
				sm.Unregister(s)
			}
		}
	}
}

func (sm *SessionManager) idleSockets(now time.Time) []*Socket {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var idle []*Socket
	for s := range sm.sockets {
		if now.Sub(s.LastActive()) > idleTimeout {
			idle = append(idle, s)
		}
	}
	return idle
}

// Shutdown closes every socket
func (sm *SessionManager) Shutdown() {
	sm.stopOnce.Do(func() {
		log.Println("🛑 Shutting down connection manager...")
		close(sm.done)

		sm.mu.Lock()
		sockets := sm.sockets
		sm.sockets = make(map[*Socket]bool)
		sm.mu.Unlock()

		for s := range sockets {
			s.close()
		}
		log.Println("✓ Connection manager shutdown complete")
	})
}

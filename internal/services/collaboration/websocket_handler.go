package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"livesync/internal/engine"
	"livesync/internal/middleware"
	"livesync/internal/models"
	"livesync/internal/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.
A socket serves a single session, bound by its first init frame. Requests
are served one at a time in arrival order by a worker goroutine, so two
syncs from the same socket reach the engine in the order they were sent.
Responses and pushes share the Send channel, so the client sees them in the
order the engine produced them.
*/

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
	// frames read but not yet served
	requestBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var errSocketClosed = errors.New("socket is closed")

// WebSocketHandler upgrades requests into sync sockets
type WebSocketHandler struct {
	sessionManager *SessionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessionManager *SessionManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
	}
}

// HandleConnection upgrades the request and starts the socket pumps
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("remote.addr", r.RemoteAddr),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	s := newSocket(h.sessionManager, conn, r.RemoteAddr)
	h.sessionManager.register <- s

	// Learning: Separate goroutines prevent deadlock between reading and writing.
	// The request context dies with the handler, so the pumps get their own.
	sockCtx := context.WithoutCancel(ctx)
	go s.WritePump()
	go s.ReadPump(sockCtx)

	log.Printf("✓ WebSocket connection established (socket: %s)", s.ID)
}

// Socket is one WebSocket connection. It implements engine.Connection.
type Socket struct {
	*models.ConnectionInfo
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *SessionManager

	mu     sync.Mutex
	token  string
	closed bool

	lastActive atomic.Int64
	requests   chan *models.Frame
	drained    chan struct{}
}

var _ engine.Connection = (*Socket)(nil)

func newSocket(sm *SessionManager, conn *websocket.Conn, remoteAddr string) *Socket {
	s := &Socket{
		ConnectionInfo: models.NewConnectionInfo("websocket", remoteAddr),
		Conn:           conn,
		Send:           make(chan []byte, sendBuffer),
		Manager:        sm,
		requests:       make(chan *models.Frame, requestBuffer),
		drained:        make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Socket) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive is the time of the last frame or pong
func (s *Socket) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Token returns the session bound to the socket
func (s *Socket) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Socket) CanPush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Push queues a push frame. A client too slow to drain its buffer is
// disconnected; the engine keeps the batch for the session.
func (s *Socket) Push(batch *models.PushBatch) error {
	frame, err := models.NewFrame(models.MessageTypePush, "", batch)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

func (s *Socket) enqueue(frame *models.Frame) error {
	msg, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSocketClosed
	}
	select {
	case s.Send <- msg:
		return nil
	default:
		log.Printf("⚠️  Socket %s buffer full, closing connection", s.ID)
		telemetry.DroppedSockets.Inc()
		s.Manager.Unregister(s)
		return fmt.Errorf("socket %s send buffer is full", s.ID)
	}
}

// close stops accepting frames; WritePump then closes the connection.
func (s *Socket) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.Send)
}

// bind attaches the socket to token on init
func (s *Socket) bind(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.token != token {
		return &engine.UserError{Reason: fmt.Sprintf("connection already serves session %s", s.token)}
	}
	s.token = token
	return nil
}

func (s *Socket) requireSession(token string) error {
	if bound := s.Token(); bound == "" || bound != token {
		return &engine.UserError{Reason: "session hasn't been initialized on this connection"}
	}
	return nil
}

// ReadPump reads request frames and queues them for the socket's worker
// Learning: Each socket has its own goroutine reading from the WebSocket
func (s *Socket) ReadPump(ctx context.Context) {
	go s.serve(ctx)
	defer func() {
		s.Manager.Unregister(s)
		s.Conn.Close()
		close(s.requests)
		go s.detach()
	}()

	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		s.touch()

		var frame models.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.replyError("", &engine.UserError{Reason: "malformed frame", Err: err})
			continue
		}

		s.requests <- &frame
	}
}

// serve handles queued frames in arrival order until ReadPump stops
func (s *Socket) serve(ctx context.Context) {
	defer close(s.drained)
	for frame := range s.requests {
		s.handle(ctx, frame)
	}
}

// detach hands the session back to the engine once queued requests end
func (s *Socket) detach() {
	<-s.drained
	if token := s.Token(); token != "" {
		s.Manager.engine.Disconnect(token, s)
	}
}

func (s *Socket) handle(ctx context.Context, frame *models.Frame) {
	ctx, span := middleware.StartSpan(ctx, "WebSocket."+string(frame.Type),
		attribute.String("socket.id", s.ID),
		attribute.String("frame.id", frame.ID),
		attribute.Int("frame.size", len(frame.Data)),
	)
	defer span.End()

	if err := s.dispatch(ctx, frame); err != nil {
		middleware.AddSpanError(ctx, err)
		s.replyError(frame.ID, err)
	}
}

func (s *Socket) dispatch(ctx context.Context, frame *models.Frame) error {
	e := s.Manager.engine
	switch frame.Type {
	case models.MessageTypeInit:
		var req models.InitRequest
		if err := decode(frame, &req); err != nil {
			return err
		}
		if err := s.bind(req.Session); err != nil {
			return err
		}
		resp, err := e.Init(ctx, req.Session, s)
		if err != nil {
			return err
		}
		return s.reply(frame.ID, resp)

	case models.MessageTypeWatch:
		var req models.WatchRequest
		if err := decode(frame, &req); err != nil {
			return err
		}
		if err := s.requireSession(req.Session); err != nil {
			return err
		}
		// the response must be queued before the engine lets any push for
		// the new query through
		return e.Watch(ctx, req.Session, req.Subclass, func(resp *models.WatchResponse) {
			if err := s.reply(frame.ID, resp); err != nil {
				log.Printf("⚠️  Failed to answer watch on socket %s: %v", s.ID, err)
			}
		})

	case models.MessageTypeUnwatch:
		var req models.UnwatchRequest
		if err := decode(frame, &req); err != nil {
			return err
		}
		if err := s.requireSession(req.Session); err != nil {
			return err
		}
		resp, err := e.Unwatch(ctx, req.Session, req.ID)
		if err != nil {
			return err
		}
		return s.reply(frame.ID, resp)

	case models.MessageTypeForget:
		var req models.ForgetRequest
		if err := decode(frame, &req); err != nil {
			return err
		}
		if err := s.requireSession(req.Session); err != nil {
			return err
		}
		resp, err := e.Forget(ctx, req.Session, req.Forget)
		if err != nil {
			return err
		}
		return s.reply(frame.ID, resp)

	case models.MessageTypeSync:
		var req models.SyncRequest
		if err := decode(frame, &req); err != nil {
			return err
		}
		if err := s.requireSession(req.Session); err != nil {
			return err
		}
		resp, err := e.Sync(ctx, req.Session, &req)
		if err != nil {
			return err
		}
		return s.reply(frame.ID, resp)
	}
	return &engine.UserError{Reason: fmt.Sprintf("malformed request: unknown frame type %q", frame.Type)}
}

func decode(frame *models.Frame, v any) error {
	if len(frame.Data) == 0 {
		return &engine.UserError{Reason: "malformed request: missing data"}
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return &engine.UserError{Reason: fmt.Sprintf("malformed request: %v", err), Err: err}
	}
	return nil
}

func (s *Socket) reply(id string, data any) error {
	frame, err := models.NewFrame(models.MessageTypeResponse, id, data)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

func (s *Socket) replyError(id string, err error) {
	reason, userFault := engine.Describe(err)
	if !userFault {
		log.Printf("❌ Socket %s request %s failed: %v", s.ID, id, err)
	}
	frame, ferr := models.NewFrame(models.MessageTypeError, id, models.ErrorResponse{Error: reason})
	if ferr != nil {
		return
	}
	_ = s.enqueue(frame)
}

// WritePump writes queued frames to the WebSocket connection
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (s *Socket) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.Manager.Unregister(s)
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Manager.Unregister(s)
				return
			}
		}
	}
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"livesync/internal/models"

	"github.com/gorilla/websocket"
)

// Socket is a WebSocket connection to the server. Unlike Client it receives
// pushes as they happen.
type Socket struct {
	conn   *websocket.Conn
	nextID int
}

// DialSocket connects to the /ws endpoint of the server at baseURL.
func DialSocket(ctx context.Context, baseURL string) (*Socket, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open websocket: %w", err)
	}
	return &Socket{conn: conn}, nil
}

// Send writes a request frame and returns its id.
func (s *Socket) Send(t models.MessageType, data any) (string, error) {
	s.nextID++
	id := strconv.Itoa(s.nextID)
	frame, err := models.NewFrame(t, id, data)
	if err != nil {
		return "", err
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		return "", fmt.Errorf("failed to send %s: %w", t, err)
	}
	return id, nil
}

// Read returns the next frame from the server. Error frames come back as
// errors.
func (s *Socket) Read() (*models.Frame, error) {
	var frame models.Frame
	if err := s.conn.ReadJSON(&frame); err != nil {
		return nil, err
	}
	if frame.Type == models.MessageTypeError {
		var e models.ErrorResponse
		_ = json.Unmarshal(frame.Data, &e)
		return nil, fmt.Errorf("request %s failed: %s", frame.ID, e.Error)
	}
	return &frame, nil
}

// Close ends the connection.
func (s *Socket) Close() error {
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

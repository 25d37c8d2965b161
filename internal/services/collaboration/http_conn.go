package collaboration

import (
	"context"
	"errors"
	"sort"
	"sync"

	"livesync/internal/engine"
	"livesync/internal/models"
)

/*
LEARNING: KEEP-ALIVE CONNECTIONS AS SESSIONS

A client talking plain HTTP reuses one TCP connection for many requests.
The server hooks http.Server.ConnContext to attach an HTTPConn to every
request arriving on that TCP connection, and http.Server.ConnState to learn
when it closes. Sessions bound to the connection then start their retention
timer, exactly like a dropped WebSocket.

HTTP cannot push, so the engine keeps pushes for these sessions and merges
them into the next response.
*/

var errCannotPush = errors.New("plain HTTP connections cannot push")

type httpConnKey struct{}

// HTTPConn is a keep-alive HTTP connection
type HTTPConn struct {
	*models.ConnectionInfo

	mu     sync.Mutex
	tokens map[string]struct{}
}

var _ engine.Connection = (*HTTPConn)(nil)

// NewHTTPConn creates a connection record for remoteAddr
func NewHTTPConn(remoteAddr string) *HTTPConn {
	return &HTTPConn{
		ConnectionInfo: models.NewConnectionInfo("http", remoteAddr),
		tokens:         make(map[string]struct{}),
	}
}

func (c *HTTPConn) CanPush() bool { return false }

func (c *HTTPConn) Push(*models.PushBatch) error { return errCannotPush }

// Bind records that token is served on this connection
func (c *HTTPConn) Bind(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token] = struct{}{}
}

// Tokens lists the sessions served on this connection
func (c *HTTPConn) Tokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tokens := make([]string, 0, len(c.tokens))
	for token := range c.tokens {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// WithHTTPConn attaches conn to ctx
func WithHTTPConn(ctx context.Context, conn *HTTPConn) context.Context {
	return context.WithValue(ctx, httpConnKey{}, conn)
}

// HTTPConnFromContext returns the connection a request arrived on, if the
// server tracks connections
func HTTPConnFromContext(ctx context.Context) *HTTPConn {
	conn, _ := ctx.Value(httpConnKey{}).(*HTTPConn)
	return conn
}

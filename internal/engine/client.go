package engine

import (
	"log"
	"time"

	"livesync/internal/models"
	"livesync/internal/telemetry"
)

// Connection delivers pushes to one client. Push is called with the group
// locked and must not block on the network.
type Connection interface {
	CanPush() bool
	Push(batch *models.PushBatch) error
}

// Client is a session identified by an opaque token. The connection holds one
// retain; when it goes away a retention timer keeps the session alive for a
// grace period so a reconnecting client finds its subscriptions intact.
type Client struct {
	lifecycle
	group *Group
	token string

	conn   Connection
	timer  *time.Timer
	pushed *models.PushBatch

	queries    map[*Query]struct{}
	workingSet map[*SyncedObject]struct{}

	lastPushCompleted *Condition
}

func newClient(g *Group, token string) *Client {
	c := &Client{
		group:             g,
		token:             token,
		pushed:            &models.PushBatch{},
		queries:           make(map[*Query]struct{}),
		workingSet:        make(map[*SyncedObject]struct{}),
		lastPushCompleted: signaledCondition(),
	}
	c.owner = c
	return c
}

func (c *Client) retain() *Client {
	c.lifecycle.retain()
	return c
}

// Token returns the session token.
func (c *Client) Token() string { return c.token }

func (c *Client) register() {
	c.group.clients[c.token] = c
	telemetry.ActiveClients.Set(float64(len(c.group.clients)))
	log.Printf("✓ Session %s opened", c.token)
}

func (c *Client) unregister() {
	g := c.group
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	for o := range c.workingSet {
		o.release()
	}
	clear(c.workingSet)
	for q := range c.queries {
		delete(q.clients, c)
		delete(c.queries, q)
		q.release()
	}
	if g.clients[c.token] == c {
		delete(g.clients, c.token)
	}
	telemetry.ActiveClients.Set(float64(len(g.clients)))
	log.Printf("🛑 Session %s closed", c.token)
}

// setConnection attaches conn. A client without a connection is either new
// or waiting on its retention timer; either way it gains the retain the
// connection holds. A stale connection is replaced.
func (c *Client) setConnection(conn Connection) {
	if conn == nil || c.conn == conn {
		return
	}
	switch {
	case c.conn != nil:
		log.Printf("🔄 Session %s moved to a new connection", c.token)
	case c.timer != nil:
		c.timer.Stop()
		c.timer = nil
	default:
		c.retain()
	}
	c.conn = conn
	if conn.CanPush() && !c.pushed.IsEmpty() {
		c.deliver(c.takePushed())
	}
}

// deleteConnection detaches conn and starts the retention timer.
func (c *Client) deleteConnection(conn Connection) {
	if c.conn == nil || c.conn != conn {
		return
	}
	c.conn = nil
	g := c.group
	var timer *time.Timer
	timer = time.AfterFunc(g.cfg.ClientRetention, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if c.timer != timer {
			return
		}
		c.timer = nil
		if err := protect(func() error { c.release(); return nil }); err != nil {
			log.Printf("❌ Failed to expire session %s: %v", c.token, err)
		}
	})
	c.timer = timer
}

// push delivers batch or keeps it for the next response.
func (c *Client) push(batch *models.PushBatch) {
	if batch.IsEmpty() {
		return
	}
	telemetry.ObservePush(batch)
	if c.conn != nil && c.conn.CanPush() {
		c.deliver(batch)
		return
	}
	c.pushed.Merge(batch)
}

func (c *Client) deliver(batch *models.PushBatch) {
	if err := c.conn.Push(batch); err != nil {
		log.Printf("⚠️  Push to session %s failed, keeping it for later: %v", c.token, err)
		c.pushed.Merge(batch)
	}
}

// takePushed returns and clears the accumulated pushes.
func (c *Client) takePushed() *models.PushBatch {
	pushed := c.pushed
	c.pushed = &models.PushBatch{}
	return pushed
}

func (c *Client) hasObject(o *SyncedObject) bool {
	_, ok := c.workingSet[o]
	return ok
}

// addObject adds o to the working set and reports whether it was missing.
func (c *Client) addObject(o *SyncedObject) bool {
	if c.hasObject(o) {
		return false
	}
	c.workingSet[o.retain()] = struct{}{}
	return true
}

func (c *Client) removeObject(o *SyncedObject) {
	if !c.hasObject(o) {
		panic(serverErrorf("session %s never received %s", c.token, o.reference))
	}
	delete(c.workingSet, o)
	o.release()
}

// holdsQualified reports whether one of the client's queries qualifies o.
func (c *Client) holdsQualified(o *SyncedObject) bool {
	for q := range c.queries {
		if q.has(o) {
			return true
		}
	}
	return false
}

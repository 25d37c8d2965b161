package engine

import (
	"context"
	"log"

	"livesync/internal/models"
)

// lookupClient returns the registered session for token.
func (g *Group) lookupClient(token string) (*Client, error) {
	if token == "" {
		return nil, userErrorf("malformed request: missing session")
	}
	c, ok := g.clients[token]
	if !ok {
		return nil, userErrorf("session hasn't been initialized yet")
	}
	return c, nil
}

// Init opens the session token on conn, or moves an existing session to it.
func (g *Group) Init(ctx context.Context, token string, conn Connection) (*models.EmptyResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var resp *models.EmptyResponse
	err := protect(func() error {
		if token == "" {
			return userErrorf("malformed request: missing session")
		}
		if conn == nil {
			return serverErrorf("session %s opened without a connection", token)
		}
		c, ok := g.clients[token]
		if !ok {
			c = newClient(g, token)
		}
		c.setConnection(conn)
		resp = &models.EmptyResponse{}
		if !conn.CanPush() {
			resp.Attach(c.takePushed())
		}
		return nil
	})
	return resp, err
}

// Connect binds an initialized session to the connection a request arrived
// on. Requests on a fresh keep-alive connection reattach a session whose
// previous connection dropped.
func (g *Group) Connect(token string, conn Connection) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return protect(func() error {
		c, err := g.lookupClient(token)
		if err != nil {
			return err
		}
		c.setConnection(conn)
		return nil
	})
}

// Disconnect detaches conn from the session. The session survives for the
// retention period.
func (g *Group) Disconnect(token string, conn Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[token]; ok {
		c.deleteConnection(conn)
	}
}

// TakePushed returns the pushes accumulated for a session that cannot receive
// them out of band.
func (g *Group) TakePushed(token string) *models.PushBatch {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[token]; ok {
		return c.takePushed()
	}
	return &models.PushBatch{}
}

// Watch subscribes the session to every object of subclass. respond is called
// with the query's current result in the session's push order, so no push
// about the query can overtake it.
func (g *Group) Watch(ctx context.Context, token, subclass string, respond func(*models.WatchResponse)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return protect(func() error {
		c, err := g.lookupClient(token)
		if err != nil {
			return err
		}
		if subclass == "" {
			return userErrorf("malformed request: missing subclass")
		}
		c.retain()
		defer c.release()

		q := g.queryForSubclass(subclass).retain()
		defer q.release()
		s := newSnapshot(g).retain()
		defer s.release()

		// subscribe in the same critical section as taking the turns: a sync
		// captured while this watch waits must push to the session
		queryPrev, queryNext := enqueue(&q.readyToUpdate)
		pushPrev, pushNext := enqueue(&c.lastPushCompleted)
		added := q.addClient(c)
		defer queryNext.Signal()
		defer pushNext.Signal()

		g.wait(queryPrev)
		if err := q.find(ctx, c.token, s); err != nil {
			if added {
				q.removeClient(c)
			}
			return err
		}
		qualified := q.sortedQualified()
		defer releaseObjects(qualified)
		for _, o := range qualified {
			c.addObject(o)
		}

		// later requests may recompute the set from here on
		queryNext.Signal()

		f := g.newFetcher(ctx, c, s)
		for _, o := range qualified {
			f.skip(o)
		}
		for _, o := range qualified {
			if err := f.walk(o); err != nil {
				f.abandon()
				return err
			}
		}
		fetched := f.finish()
		defer releaseObjects(fetched)
		for _, o := range fetched {
			c.addObject(o)
		}

		resp := &models.WatchResponse{
			Query:     models.QueryRef{ID: q.id},
			Qualified: composeObjects(qualified, s.sequence),
			Fetch:     composeObjects(fetched, s.sequence),
		}
		g.wait(pushPrev)
		if c.conn == nil || !c.conn.CanPush() {
			resp.Attach(c.takePushed())
		}
		respond(resp)
		log.Printf("✓ Session %s watches %s as query %s (%d objects)", c.token, subclass, q.id, len(qualified))
		return nil
	})
}

// Unwatch ends a subscription. It returns once every recomputation of the
// query and every push to the session that started before the call is done,
// so nothing about the query reaches the session after the response.
func (g *Group) Unwatch(ctx context.Context, token, id string) (*models.EmptyResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var resp *models.EmptyResponse
	err := protect(func() error {
		c, err := g.lookupClient(token)
		if err != nil {
			return err
		}
		q, ok := g.queriesByID[id]
		if !ok {
			return userErrorf("no such query %s", id)
		}
		if _, ok := c.queries[q]; !ok {
			return userErrorf("query %s is not watched by this session", id)
		}
		c.retain()
		defer c.release()

		queryPrev, queryNext := enqueue(&q.readyToUpdate)
		pushPrev, pushNext := enqueue(&c.lastPushCompleted)
		defer queryNext.Signal()
		defer pushNext.Signal()

		q.removeClient(c)
		g.wait(queryPrev)
		queryNext.Signal()
		g.wait(pushPrev)

		resp = &models.EmptyResponse{}
		if c.conn == nil || !c.conn.CanPush() {
			resp.Attach(c.takePushed())
		}
		return nil
	})
	return resp, err
}

// Forget drops objects from the session's working set. The request is
// aborted as a whole when one of the objects is still qualified by a query
// the session watches.
func (g *Group) Forget(ctx context.Context, token string, specs []models.RefSpec) (*models.ForgetResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var resp *models.ForgetResponse
	err := protect(func() error {
		c, err := g.lookupClient(token)
		if err != nil {
			return err
		}
		refs := make([]*Reference, len(specs))
		for i, spec := range specs {
			if refs[i], err = g.parseGlobalReference(spec.Subclass, spec.ID); err != nil {
				return err
			}
		}
		c.retain()
		defer c.release()

		pushPrev, pushNext := enqueue(&c.lastPushCompleted)
		defer pushNext.Signal()
		g.wait(pushPrev)

		resp = &models.ForgetResponse{Result: models.ForgetOK}
		var forgotten []*SyncedObject
		for _, ref := range refs {
			o := ref.object()
			if o == nil || !c.hasObject(o) {
				continue
			}
			if c.holdsQualified(o) {
				resp.Result = models.ForgetAbort
				break
			}
			forgotten = append(forgotten, o)
		}
		if resp.Result == models.ForgetOK {
			for _, o := range forgotten {
				if c.hasObject(o) {
					c.removeObject(o)
				}
			}
		}
		if c.conn == nil || !c.conn.CanPush() {
			resp.Attach(c.takePushed())
		}
		return nil
	})
	return resp, err
}

package engine

import (
	"context"
	"errors"
	"testing"

	"livesync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initSession(t *testing.T, g *Group, token string, canPush bool) *recordingConn {
	t.Helper()
	conn := newRecordingConn(canPush)
	_, err := g.Init(context.Background(), token, conn)
	require.NoError(t, err)
	return conn
}

func syncBatch(t *testing.T, g *Group, token string, req *models.SyncRequest) *models.SyncResponse {
	t.Helper()
	req.Session = token
	resp, err := g.Sync(context.Background(), token, req)
	require.NoError(t, err)
	return resp
}

func watch(t *testing.T, g *Group, token, subclass string) *models.WatchResponse {
	t.Helper()
	var resp *models.WatchResponse
	err := g.Watch(context.Background(), token, subclass, func(r *models.WatchResponse) {
		resp = r
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func TestInit_RequiresSession(t *testing.T) {
	g, _ := newTestGroup(t)

	_, err := g.Init(context.Background(), "", newRecordingConn(true))
	require.Error(t, err)
	assert.True(t, IsUserError(err))

	_, err = g.Sync(context.Background(), "ghost", &models.SyncRequest{Session: "ghost"})
	require.Error(t, err)
	assert.EqualError(t, err, "session hasn't been initialized yet")

	initSession(t, g, "alice", true)
	assert.Equal(t, 1, g.Stats().Clients)
}

func TestSync_CreationsWithLocalCycleGetGlobalIDs(t *testing.T) {
	g, store := newTestGroup(t)
	initSession(t, g, "alice", true)

	resp := syncBatch(t, g, "alice", &models.SyncRequest{
		Creations: []models.ObjectSpec{
			{Subclass: "Note", ID: "n1", Values: []models.ValuePair{str("title", "first"), localRef("next", "Note", "n2")}},
			{Subclass: "Note", ID: "n2", Values: []models.ValuePair{num("rank", 2), localRef("next", "Note", "n1")}},
		},
	})
	g.Wait()

	require.Len(t, resp.IDs, 2)
	first, second := resp.IDs[0], resp.IDs[1]
	assert.Equal(t, models.AssignedID{Subclass: "Note", ID: "o001", Local: "n1"}, first)
	assert.Equal(t, models.AssignedID{Subclass: "Note", ID: "o002", Local: "n2"}, second)

	rec := store.get("Note", first.ID)
	require.NotNil(t, rec)
	assert.Equal(t, "first", rec.Values["title"])
	assert.Equal(t, Pointer{Subclass: "Note", ID: second.ID}, rec.Values["next"])
	assert.Equal(t, int64(1), rec.Versions["next"])

	rec = store.get("Note", second.ID)
	require.NotNil(t, rec)
	assert.Equal(t, float64(2), rec.Values["rank"])
	assert.Equal(t, Pointer{Subclass: "Note", ID: first.ID}, rec.Values["next"])

	stats := g.Stats()
	assert.Equal(t, 0, stats.PendingCreations)
	assert.Equal(t, 0, stats.Snapshots)
	assert.Equal(t, 0, stats.Backlog)
	assert.Equal(t, 2, stats.Objects, "new objects stay in the creator's working set")
}

func TestSync_CreationFailureIsReported(t *testing.T) {
	g, store := newTestGroup(t)
	initSession(t, g, "alice", true)
	store.failOn(OpCreate, errors.New("disk full"))

	_, err := g.Sync(context.Background(), "alice", &models.SyncRequest{
		Session:   "alice",
		Creations: []models.ObjectSpec{{Subclass: "Note", ID: "n1", Values: []models.ValuePair{str("title", "x")}}},
	})
	g.Wait()

	require.Error(t, err)
	assert.False(t, IsUserError(err))
	reason, userFault := Describe(err)
	assert.False(t, userFault)
	assert.Equal(t, "internal server error", reason)

	stats := g.Stats()
	assert.Equal(t, 0, stats.Objects)
	assert.Equal(t, 0, stats.PendingCreations)
}

func TestSync_MalformedRequestsAreRejected(t *testing.T) {
	g, store := newTestGroup(t)
	initSession(t, g, "alice", true)
	id := store.seed("Note", map[string]any{"title": "a"})

	cases := []struct {
		name   string
		req    *models.SyncRequest
		reason string
	}{
		{
			name: "duplicate key",
			req: &models.SyncRequest{Creations: []models.ObjectSpec{
				{Subclass: "Note", ID: "n1", Values: []models.ValuePair{str("title", "a"), str("title", "b")}},
			}},
			reason: "malformed request: duplicate key title",
		},
		{
			name: "reserved key",
			req: &models.SyncRequest{Creations: []models.ObjectSpec{
				{Subclass: "Note", ID: "n1", Values: []models.ValuePair{str("objectId", "x")}},
			}},
			reason: "malformed request: objectId is a reserved key",
		},
		{
			name: "local id reused",
			req: &models.SyncRequest{Creations: []models.ObjectSpec{
				{Subclass: "Note", ID: "n1"},
				{Subclass: "Note", ID: "n1"},
			}},
			reason: "object id Note/alice:n1 already in use",
		},
		{
			name: "update without version",
			req: &models.SyncRequest{Updates: []models.UpdateSpec{
				{Subclass: "Note", ID: id, Values: []models.ValuePair{str("title", "b")}},
			}},
			reason: "malformed request: update without version",
		},
		{
			name: "object updated twice",
			req: &models.SyncRequest{Updates: []models.UpdateSpec{
				{Subclass: "Note", ID: id, Version: ver(1), Values: []models.ValuePair{str("title", "b")}},
				{Subclass: "Note", ID: id, Version: ver(1), Values: []models.ValuePair{str("body", "c")}},
			}},
			reason: "malformed request: object updated twice",
		},
		{
			name: "object deleted twice",
			req: &models.SyncRequest{Deletions: []models.RefSpec{
				{Subclass: "Note", ID: id},
				{Subclass: "Note", ID: id},
			}},
			reason: "malformed request: object deleted twice",
		},
		{
			name: "missing deletion target",
			req: &models.SyncRequest{
				Creations: []models.ObjectSpec{{Subclass: "Note", ID: "n2", Values: []models.ValuePair{str("title", "kept?")}}},
				Deletions: []models.RefSpec{{Subclass: "Note", ID: "nope"}},
			},
			reason: "object not found: Note/nope",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.Session = "alice"
			_, err := g.Sync(context.Background(), "alice", tc.req)
			require.Error(t, err)
			assert.True(t, IsUserError(err))
			assert.EqualError(t, err, tc.reason)

			g.Wait()
			stats := g.Stats()
			assert.Equal(t, 0, stats.Objects, "a rejected batch leaves nothing registered")
			assert.Equal(t, 0, stats.Backlog)
		})
	}
	assert.Equal(t, 0, store.count(OpCreate))
	assert.Equal(t, 0, store.count(OpUpdate))
	assert.Equal(t, 0, store.count(OpDelete))
}

func TestSync_WatcherReceivesCreationOnce(t *testing.T) {
	g, store := newTestGroup(t)
	seeded := store.seed("Note", map[string]any{"title": "seed"})
	initSession(t, g, "alice", true)
	bob := initSession(t, g, "bob", true)

	resp := watch(t, g, "bob", "Note")
	assert.Equal(t, "1", resp.Query.ID)
	require.Len(t, resp.Qualified, 1)
	assert.Equal(t, seeded, resp.Qualified[0].ID)
	assert.Equal(t, int64(1), resp.Qualified[0].Version)
	assert.Empty(t, resp.Fetch)

	created := syncBatch(t, g, "alice", &models.SyncRequest{
		Creations: []models.ObjectSpec{{Subclass: "Note", ID: "n1", Values: []models.ValuePair{str("title", "fresh")}}},
	})
	g.Wait()

	pushes := bob.pushes()
	require.Len(t, pushes, 1)
	require.Len(t, pushes[0].Creations, 1)
	ev := pushes[0].Creations[0]
	assert.Equal(t, created.IDs[0].ID, ev.ID)
	assert.Equal(t, int64(1), ev.Version)
	assert.Equal(t, []string{"1"}, ev.Qualifying)
	title, _ := valueOf(ev.Values, "title")
	assert.Equal(t, "fresh", title)
	assert.Empty(t, pushes[0].Updates)
	assert.Empty(t, pushes[0].Deletions)
}

func TestSync_OriginatorGetsNoEchoOfItsChanges(t *testing.T) {
	g, store := newTestGroup(t)
	id := store.seed("Note", map[string]any{"title": "seed"})
	alice := initSession(t, g, "alice", true)
	watch(t, g, "alice", "Note")

	syncBatch(t, g, "alice", &models.SyncRequest{
		Creations: []models.ObjectSpec{{Subclass: "Note", ID: "n1", Values: []models.ValuePair{str("title", "mine")}}},
		Updates:   []models.UpdateSpec{{Subclass: "Note", ID: id, Version: ver(1), Values: []models.ValuePair{str("title", "edited")}}},
	})
	g.Wait()

	assert.Empty(t, alice.pushes())
	rec := store.get("Note", id)
	require.NotNil(t, rec)
	assert.Equal(t, "edited", rec.Values["title"])
	assert.Equal(t, int64(2), rec.Versions["title"])
}

func TestSync_UpdatePushedToWatcher(t *testing.T) {
	g, store := newTestGroup(t)
	id := store.seed("Note", map[string]any{"title": "seed", "body": "text"})
	initSession(t, g, "alice", true)
	bob := initSession(t, g, "bob", true)
	watch(t, g, "bob", "Note")

	syncBatch(t, g, "alice", &models.SyncRequest{
		Updates: []models.UpdateSpec{{Subclass: "Note", ID: id, Version: ver(1), Values: []models.ValuePair{str("title", "renamed")}}},
	})
	g.Wait()

	pushes := bob.pushes()
	require.Len(t, pushes, 1)
	require.Len(t, pushes[0].Updates, 1)
	ev := pushes[0].Updates[0]
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, int64(2), ev.Version)
	assert.Equal(t, []models.ValuePair{str("title", "renamed")}, ev.Values, "only changed keys travel")
	assert.Empty(t, ev.Qualifying)
	assert.Empty(t, ev.Disqualifying)
	assert.Equal(t, 0, g.Stats().PendingUpdates)
}

func TestSync_StaleKeysAreDropped(t *testing.T) {
	g, store := newTestGroup(t)
	id := store.seed("Note", map[string]any{"title": "seed", "body": "text"})
	initSession(t, g, "alice", true)
	initSession(t, g, "bob", true)

	syncBatch(t, g, "alice", &models.SyncRequest{
		Updates: []models.UpdateSpec{{Subclass: "Note", ID: id, Version: ver(1), Values: []models.ValuePair{str("title", "alice")}}},
	})
	// bob edited version 1 too; his title loses, his body wins
	syncBatch(t, g, "bob", &models.SyncRequest{
		Updates: []models.UpdateSpec{{Subclass: "Note", ID: id, Version: ver(1), Values: []models.ValuePair{str("title", "bob"), str("body", "bob")}}},
	})
	g.Wait()

	rec := store.get("Note", id)
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.Values["title"])
	assert.Equal(t, int64(2), rec.Versions["title"])
	assert.Equal(t, "bob", rec.Values["body"])
	assert.Equal(t, int64(3), rec.Versions["body"])
}

func TestSync_UpdateOfObjectDeletedInSameBatchIsDropped(t *testing.T) {
	g, store := newTestGroup(t)
	id := store.seed("Note", map[string]any{"title": "seed"})
	initSession(t, g, "alice", true)

	syncBatch(t, g, "alice", &models.SyncRequest{
		Deletions: []models.RefSpec{{Subclass: "Note", ID: id}},
		Updates:   []models.UpdateSpec{{Subclass: "Note", ID: id, Version: ver(1), Values: []models.ValuePair{str("title", "late")}}},
	})
	g.Wait()

	assert.Nil(t, store.get("Note", id))
	assert.Equal(t, 1, store.count(OpDelete))
	assert.Equal(t, 0, store.count(OpUpdate))
}

func TestSync_UpdateOfDeletedObjectIsNotFound(t *testing.T) {
	g, store := newTestGroup(t)
	id := store.seed("Note", map[string]any{"title": "seed"})
	initSession(t, g, "alice", true)
	initSession(t, g, "bob", true)

	syncBatch(t, g, "alice", &models.SyncRequest{Deletions: []models.RefSpec{{Subclass: "Note", ID: id}}})
	g.Wait()

	_, err := g.Sync(context.Background(), "bob", &models.SyncRequest{
		Session: "bob",
		Updates: []models.UpdateSpec{{Subclass: "Note", ID: id, Version: ver(1), Values: []models.ValuePair{str("title", "too late")}}},
	})
	require.Error(t, err)
	assert.True(t, IsUserError(err))
	assert.True(t, IsNotFound(err))
}

func TestSync_DeletionNullsReferencesHeldByWatchers(t *testing.T) {
	g, store := newTestGroup(t)
	target := store.seed("Note", map[string]any{"title": "target"})
	holder := store.seed("Note", map[string]any{"title": "holder", "next": Pointer{Subclass: "Note", ID: target}})
	alice := initSession(t, g, "alice", true)
	initSession(t, g, "bob", true)

	resp := watch(t, g, "alice", "Note")
	require.Len(t, resp.Qualified, 2)

	syncBatch(t, g, "bob", &models.SyncRequest{Deletions: []models.RefSpec{{Subclass: "Note", ID: target}}})
	g.Wait()

	pushes := alice.pushes()
	require.Len(t, pushes, 1)
	batch := pushes[0]

	require.Len(t, batch.Deletions, 1)
	assert.Equal(t, target, batch.Deletions[0].ID)
	assert.Equal(t, []string{"1"}, batch.Deletions[0].Disqualifying)

	require.Len(t, batch.Updates, 1)
	ev := batch.Updates[0]
	assert.Equal(t, holder, ev.ID)
	assert.Equal(t, int64(2), ev.Version)
	assert.Equal(t, []models.ValuePair{{Key: "next", Value: &models.RefSpec{Type: models.RefNull}}}, ev.Values)

	assert.Nil(t, store.get("Note", target))
	rec := store.get("Note", holder)
	require.NotNil(t, rec)
	_, ok := rec.Values["next"]
	assert.False(t, ok, "the reference is cleared in the store")
	assert.Equal(t, int64(2), rec.Versions["next"])
}

func TestSync_DanglingReferenceIsFixedForOriginator(t *testing.T) {
	g, store := newTestGroup(t)
	alice := initSession(t, g, "alice", true)

	resp := syncBatch(t, g, "alice", &models.SyncRequest{
		Creations: []models.ObjectSpec{{
			Subclass: "Note",
			ID:       "n1",
			Values:   []models.ValuePair{str("title", "orphan"), globalRef("parent", "Note", "missing")},
		}},
	})
	g.Wait()

	require.Len(t, resp.IDs, 1)
	id := resp.IDs[0].ID

	pushes := alice.pushes()
	require.Len(t, pushes, 1)
	require.Len(t, pushes[0].Updates, 1)
	ev := pushes[0].Updates[0]
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, int64(1), ev.Version)
	parent, ok := valueOf(ev.Values, "parent")
	require.True(t, ok)
	assert.Equal(t, &models.RefSpec{Type: models.RefNull}, parent)

	rec := store.get("Note", id)
	require.NotNil(t, rec)
	assert.Equal(t, "orphan", rec.Values["title"])
	_, ok = rec.Values["parent"]
	assert.False(t, ok)
	assert.Equal(t, int64(1), rec.Versions["parent"])
}

func TestSync_PushesAccumulateWithoutPushConnection(t *testing.T) {
	g, _ := newTestGroup(t)
	initSession(t, g, "alice", true)
	bob := initSession(t, g, "bob", false)
	watch(t, g, "bob", "Note")

	syncBatch(t, g, "alice", &models.SyncRequest{
		Creations: []models.ObjectSpec{{Subclass: "Note", ID: "n1", Values: []models.ValuePair{str("title", "hi")}}},
	})
	g.Wait()
	assert.Empty(t, bob.pushes())

	resp := syncBatch(t, g, "bob", &models.SyncRequest{})
	require.Len(t, resp.Creations, 1)
	assert.Equal(t, []string{"1"}, resp.Creations[0].Qualifying)

	// delivered once
	g.Wait()
	assert.True(t, g.TakePushed("bob").IsEmpty())
}

func TestSync_ReconnectDeliversKeptPushes(t *testing.T) {
	g, _ := newTestGroup(t)
	initSession(t, g, "alice", true)
	first := initSession(t, g, "bob", true)
	watch(t, g, "bob", "Note")

	g.Disconnect("bob", first)
	syncBatch(t, g, "alice", &models.SyncRequest{
		Creations: []models.ObjectSpec{{Subclass: "Note", ID: "n1", Values: []models.ValuePair{str("title", "while away")}}},
	})
	g.Wait()
	assert.Empty(t, first.pushes())

	second := newRecordingConn(true)
	require.NoError(t, g.Connect("bob", second))

	pushes := second.pushes()
	require.Len(t, pushes, 1)
	assert.Len(t, pushes[0].Creations, 1)
}

func TestSync_FetchesReferencedObjectsForNewQualifier(t *testing.T) {
	g, store := newTestGroup(t)
	tag := store.seed("Tag", map[string]any{"name": "urgent"})
	initSession(t, g, "alice", true)
	bob := initSession(t, g, "bob", true)
	watch(t, g, "bob", "Note")

	syncBatch(t, g, "alice", &models.SyncRequest{
		Creations: []models.ObjectSpec{{
			Subclass: "Note",
			ID:       "n1",
			Values:   []models.ValuePair{str("title", "tagged"), globalRef("tag", "Tag", tag)},
		}},
	})
	g.Wait()

	pushes := bob.pushes()
	require.Len(t, pushes, 1)
	require.Len(t, pushes[0].Creations, 1)
	ev := pushes[0].Creations[0]
	ref, _ := valueOf(ev.Values, "tag")
	assert.Equal(t, &models.RefSpec{Type: models.RefGlobal, Subclass: "Tag", ID: tag}, ref)
	require.Len(t, ev.Fetch, 1)
	assert.Equal(t, tag, ev.Fetch[0].ID)
	name, _ := valueOf(ev.Fetch[0].Values, "name")
	assert.Equal(t, "urgent", name)
}

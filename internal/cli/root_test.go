package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"livesync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "syncctl", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"init", "watch", "unwatch", "forget", "sync"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	t.Setenv("LIVESYNC_SERVER", "")
	cmd := NewRootCommand()

	serverFlag := cmd.PersistentFlags().Lookup("server")
	require.NotNil(t, serverFlag)
	assert.Equal(t, "http://localhost:8080", serverFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("session"))

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestServerFlagFollowsEnvironment(t *testing.T) {
	t.Setenv("LIVESYNC_SERVER", "http://sync.internal:9000")
	cmd := NewRootCommand()

	assert.Equal(t, "http://sync.internal:9000", cmd.PersistentFlags().Lookup("server").DefValue)
}

func TestWatchCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	watchCmd, _, err := cmd.Find([]string{"watch"})
	require.NoError(t, err)

	followFlag := watchCmd.Flags().Lookup("follow")
	require.NotNil(t, followFlag)
	assert.Equal(t, "f", followFlag.Shorthand)
	assert.Equal(t, "0", watchCmd.Flags().Lookup("max-pushes").DefValue)
}

func TestSyncCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	syncCmd, _, err := cmd.Find([]string{"sync"})
	require.NoError(t, err)

	fileFlag := syncCmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag)
	assert.Equal(t, "-", fileFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"init", "--format", "yaml", "--server", "http://127.0.0.1:1"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestIsValidFormat(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
}

// fakeServer answers the JSON endpoints with canned bodies and records the
// requests it saw.
type fakeServer struct {
	mu       sync.Mutex
	requests map[string][]json.RawMessage
	replies  map[string]any
	status   int
}

func newFakeServer(t *testing.T, replies map[string]any) (*fakeServer, *httptest.Server) {
	f := &fakeServer{requests: make(map[string][]json.RawMessage), replies: replies, status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.requests[r.URL.Path] = append(f.requests[r.URL.Path], body)
		status := f.status
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		reply, ok := replies[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) seen(path string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[path]
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSyncCommand_Text(t *testing.T) {
	fake, srv := newFakeServer(t, map[string]any{
		"/api/init": map[string]any{},
		"/api/sync": map[string]any{
			"ids": []map[string]string{{"subclass": "Note", "id": "g1", "local": "n1"}},
			"updates": []map[string]any{{
				"subclass": "Note", "id": "g0", "version": 4,
				"values": []any{[]any{"title", "changed"}},
			}},
		},
	})

	path := filepath.Join(t.TempDir(), "changes.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"creations": [{"subclass": "Note", "id": "n1", "values": [["title", "hello"]]}]}`), 0o644))

	out, err := runCommand(t, "sync", "--server", srv.URL+"/", "--session", "alice", "--file", path)
	require.NoError(t, err)
	assert.Equal(t, "Note/g1 <- n1\n~ Note/g0 v4 {title=\"changed\"}\n", out)

	require.Len(t, fake.seen("/api/init"), 1)
	assert.JSONEq(t, `{"session": "alice"}`, string(fake.seen("/api/init")[0]))

	require.Len(t, fake.seen("/api/sync"), 1)
	var sent models.SyncRequest
	require.NoError(t, json.Unmarshal(fake.seen("/api/sync")[0], &sent))
	assert.Equal(t, "alice", sent.Session, "the session flag overrides the file")
	require.Len(t, sent.Creations, 1)
	assert.Equal(t, "n1", sent.Creations[0].ID)
}

func TestSyncCommand_JSONFromStdin(t *testing.T) {
	_, srv := newFakeServer(t, map[string]any{
		"/api/init": map[string]any{},
		"/api/sync": map[string]any{"ids": []map[string]string{}},
	})

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"deletions": [{"subclass": "Note", "id": "g1"}]}`))
	cmd.SetArgs([]string{"sync", "--server", srv.URL, "--session", "alice", "--format", "json"})
	require.NoError(t, cmd.Execute())

	var resp models.SyncResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Empty(t, resp.IDs)
}

func TestSyncCommand_InvalidFile(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(`{"creations": 3}`))
	cmd.SetArgs([]string{"sync", "--server", "http://127.0.0.1:1", "--session", "alice"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sync request")

	_, err = runCommand(t, "sync", "--server", "http://127.0.0.1:1", "--file", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open")
}

func TestForgetCommand(t *testing.T) {
	fake, srv := newFakeServer(t, map[string]any{
		"/api/forget": map[string]any{"result": "abort"},
	})

	out, err := runCommand(t, "forget", "Note/g1", "Tag/t1", "--server", srv.URL, "--session", "bob")
	require.NoError(t, err)
	assert.Equal(t, "forget: abort\n", out)

	var sent models.ForgetRequest
	require.NoError(t, json.Unmarshal(fake.seen("/api/forget")[0], &sent))
	assert.Equal(t, []models.RefSpec{
		{Type: models.RefGlobal, Subclass: "Note", ID: "g1"},
		{Type: models.RefGlobal, Subclass: "Tag", ID: "t1"},
	}, sent.Forget)

	_, err = runCommand(t, "forget", "g1", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want subclass/id")
}

func TestWatchCommand_Once(t *testing.T) {
	_, srv := newFakeServer(t, map[string]any{
		"/api/init": map[string]any{},
		"/api/watch": map[string]any{
			"query":     map[string]string{"id": "1"},
			"qualified": []any{map[string]any{"subclass": "Note", "id": "g1", "version": 2, "values": []any{[]any{"tag", map[string]string{"type": "global", "subclass": "Tag", "id": "t1"}}}}},
			"fetch":     []any{map[string]any{"subclass": "Tag", "id": "t1", "version": 1, "values": []any{[]any{"name", "x"}}}},
		},
	})

	out, err := runCommand(t, "watch", "Note", "--server", srv.URL, "--session", "bob")
	require.NoError(t, err)
	assert.Equal(t, "query 1\n= Note/g1 v2 {tag=@Tag/t1}\n> Tag/t1 v1 {name=\"x\"}\n", out)
}

func TestClient_ServerError(t *testing.T) {
	fake, srv := newFakeServer(t, map[string]any{
		"/api/unwatch": models.ErrorResponse{Error: "no such query 7"},
	})
	fake.status = http.StatusConflict

	_, err := runCommand(t, "unwatch", "7", "--server", srv.URL, "--session", "bob")
	require.Error(t, err)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusConflict, serverErr.Status)
	assert.Equal(t, "no such query 7", serverErr.Reason)
	assert.Equal(t, "server answered 409: no such query 7", err.Error())
}

func TestClient_ServerErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Init(t.Context(), "alice")
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "Internal Server Error", serverErr.Reason)
}

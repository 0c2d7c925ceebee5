package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/session"
	"github.com/overstory-ai/overstory/internal/store"
)

func seedState(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	sessions, err := store.OpenSessionStore(dir)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, sessions.Upsert(&session.Session{
		ID: "s-b1", AgentName: "b1", Capability: session.CapBuilder,
		State: session.StateWorking, RunID: "run-1",
		StartedAt: now, LastActivity: now,
	}))
	require.NoError(t, sessions.Close())

	mailStore, err := store.OpenMailStore(dir)
	require.NoError(t, err)
	require.NoError(t, mailStore.Insert(&mail.Message{
		ID: "m-1", From: "lead", To: "b1", Subject: "hello",
		Priority: mail.PriorityNormal, Type: mail.TypeStatus, CreatedAt: now,
	}))
	require.NoError(t, mailStore.Close())

	merges, err := store.OpenMergeQueueStore(dir)
	require.NoError(t, err)
	_, err = merges.Enqueue("ov/b1", "b1", "bd-1", 0)
	require.NoError(t, err)
	require.NoError(t, merges.Close())

	return dir
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(seedState(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestSessionsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := get(t, s, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)

	var got []session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "b1", got[0].AgentName)
}

func TestMailEndpointFilters(t *testing.T) {
	s := newTestServer(t)

	w := get(t, s, "/api/mail?to=b1")
	require.Equal(t, http.StatusOK, w.Code)
	var got []mail.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)

	w = get(t, s, "/api/mail?to=nobody")
	require.Equal(t, http.StatusOK, w.Code)
	got = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Empty(t, got)
}

func TestMergeQueueEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := get(t, s, "/api/merge-queue")
	require.Equal(t, http.StatusOK, w.Code)
	var got []store.MergeEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "ov/b1", got[0].Branch)
	require.Equal(t, store.MergeStatusQueued, got[0].Status)

	w = get(t, s, "/api/merge-queue?status=merged")
	require.Equal(t, http.StatusOK, w.Code)
	got = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Empty(t, got)
}

func TestRunEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := get(t, s, "/api/run")
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "", got["runId"], "no current-run file means empty run id")
}

func TestEventsEndpointEmpty(t *testing.T) {
	s := newTestServer(t)

	w := get(t, s, "/api/events")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestTerminalRejectsUnknownSession(t *testing.T) {
	s := newTestServer(t)

	w := get(t, s, "/ws/terminal/does-not-exist")
	require.Equal(t, http.StatusNotFound, w.Code)
}

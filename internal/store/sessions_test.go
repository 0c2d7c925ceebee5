package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overstory-ai/overstory/internal/session"
)

func newSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := OpenSessionStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *SessionStore, name string, cap session.Capability, state session.State, runID string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.Upsert(&session.Session{
		ID:           "s-" + name,
		AgentName:    name,
		Capability:   cap,
		State:        state,
		TmuxSession:  "ov-" + name,
		RunID:        runID,
		StartedAt:    now,
		LastActivity: now,
	}))
}

func TestUpsertAndGetByName(t *testing.T) {
	s := newSessionStore(t)
	seedSession(t, s, "builder-1", session.CapBuilder, session.StateBooting, "run-1")

	got, err := s.GetByName("builder-1")
	require.NoError(t, err)
	require.Equal(t, session.CapBuilder, got.Capability)
	require.Equal(t, session.StateBooting, got.State)
	require.Equal(t, "run-1", got.RunID)

	// Replace by agent name.
	got.State = session.StateWorking
	require.NoError(t, s.Upsert(got))
	got2, err := s.GetByName("builder-1")
	require.NoError(t, err)
	require.Equal(t, session.StateWorking, got2.State)

	all, err := s.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 1, "upsert by name must not duplicate rows")
}

func TestGetByNameMissing(t *testing.T) {
	s := newSessionStore(t)
	_, err := s.GetByName("nobody")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetActiveMatchesActiveStates(t *testing.T) {
	s := newSessionStore(t)
	seedSession(t, s, "a", session.CapScout, session.StateBooting, "r")
	seedSession(t, s, "b", session.CapBuilder, session.StateWorking, "r")
	seedSession(t, s, "c", session.CapReviewer, session.StateStalled, "r")
	seedSession(t, s, "d", session.CapBuilder, session.StateCompleted, "r")
	seedSession(t, s, "e", session.CapBuilder, session.StateZombie, "r")

	active, err := s.GetActive()
	require.NoError(t, err)
	names := make([]string, len(active))
	for i, sess := range active {
		names[i] = sess.AgentName
	}
	require.ElementsMatch(t, []string{"a", "b", "c"}, names)
}

func TestGetByRun(t *testing.T) {
	s := newSessionStore(t)
	seedSession(t, s, "a", session.CapScout, session.StateWorking, "run-1")
	seedSession(t, s, "b", session.CapBuilder, session.StateWorking, "run-2")

	got, err := s.GetByRun("run-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].AgentName)
}

func TestUpdateStateTerminalClearsEscalation(t *testing.T) {
	s := newSessionStore(t)
	seedSession(t, s, "a", session.CapBuilder, session.StateStalled, "r")
	since := time.Now().Add(-2 * time.Minute)
	require.NoError(t, s.UpdateEscalation("a", 2, &since))

	require.NoError(t, s.UpdateState("a", session.StateZombie))

	got, err := s.GetByName("a")
	require.NoError(t, err)
	require.Equal(t, session.StateZombie, got.State)
	require.Zero(t, got.EscalationLevel)
	require.Nil(t, got.StalledSince)
}

func TestUpdateEscalationRoundTrip(t *testing.T) {
	s := newSessionStore(t)
	seedSession(t, s, "a", session.CapBuilder, session.StateStalled, "r")

	since := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.UpdateEscalation("a", 1, &since))

	got, err := s.GetByName("a")
	require.NoError(t, err)
	require.Equal(t, 1, got.EscalationLevel)
	require.NotNil(t, got.StalledSince)
	require.Equal(t, since.UnixMilli(), got.StalledSince.UnixMilli())
}

func TestTouchActivityPromotes(t *testing.T) {
	s := newSessionStore(t)
	seedSession(t, s, "boot", session.CapScout, session.StateBooting, "r")
	seedSession(t, s, "stall", session.CapBuilder, session.StateStalled, "r")
	seedSession(t, s, "done", session.CapBuilder, session.StateCompleted, "r")

	now := time.Now()
	for _, name := range []string{"boot", "stall", "done"} {
		require.NoError(t, s.TouchActivity(name, now))
	}

	boot, _ := s.GetByName("boot")
	require.Equal(t, session.StateWorking, boot.State)
	stall, _ := s.GetByName("stall")
	require.Equal(t, session.StateWorking, stall.State)
	require.Zero(t, stall.EscalationLevel)
	done, _ := s.GetByName("done")
	require.Equal(t, session.StateCompleted, done.State, "terminal states are never resurrected by heartbeat")
	require.Equal(t, now.UnixMilli(), done.LastActivity.UnixMilli())
}

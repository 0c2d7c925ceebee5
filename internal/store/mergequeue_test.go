package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newMergeQueue(t *testing.T) *MergeQueueStore {
	t.Helper()
	s, err := OpenMergeQueueStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueueAndList(t *testing.T) {
	s := newMergeQueue(t)

	id1, err := s.Enqueue("ov/builder-1", "builder-1", "bd-12", 0)
	require.NoError(t, err)
	id2, err := s.Enqueue("ov/builder-2", "builder-2", "", 1)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	entries, err := s.List("")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "ov/builder-1", entries[0].Branch)
	require.Equal(t, MergeStatusQueued, entries[0].Status)
	require.Equal(t, 1, entries[1].Tier)
}

func TestListFiltersByStatus(t *testing.T) {
	s := newMergeQueue(t)

	id, err := s.Enqueue("ov/builder-1", "builder-1", "", 0)
	require.NoError(t, err)
	_, err = s.Enqueue("ov/builder-2", "builder-2", "", 0)
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(id, MergeStatusMerged))

	queued, err := s.List(MergeStatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, "ov/builder-2", queued[0].Branch)
}

func TestUpdateStatusUnknownID(t *testing.T) {
	s := newMergeQueue(t)
	require.ErrorIs(t, s.UpdateStatus(42, MergeStatusMerged), ErrEntryNotFound)
}

func TestUpdateStatusByBranchResolvesNewestUnresolved(t *testing.T) {
	s := newMergeQueue(t)

	// Same branch submitted twice: an old failed attempt and a live one.
	old, err := s.Enqueue("ov/builder-1", "builder-1", "", 0)
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(old, MergeStatusFailed))
	_, err = s.Enqueue("ov/builder-1", "builder-1", "", 1)
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatusByBranch("ov/builder-1", MergeStatusMerged))

	entries, err := s.List("")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, MergeStatusFailed, entries[0].Status)
	require.Equal(t, MergeStatusMerged, entries[1].Status)

	// Nothing unresolved remains for the branch.
	require.ErrorIs(t, s.UpdateStatusByBranch("ov/builder-1", MergeStatusMerged), ErrEntryNotFound)
}

func TestUpdateStatusByBranchUnknownBranch(t *testing.T) {
	s := newMergeQueue(t)
	require.ErrorIs(t, s.UpdateStatusByBranch("no-such-branch", MergeStatusMerged), ErrEntryNotFound)
}

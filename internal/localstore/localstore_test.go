package localstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SetGet(t *testing.T) {
	s := openTestStore(t)

	key := Key("statusText", "user-1")
	require.NoError(t, s.Set(key, "user-1", "in a meeting"))

	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "in a meeting", got)
}

func TestStore_SetReplaces(t *testing.T) {
	s := openTestStore(t)

	key := Key("statusText", "user-1")
	require.NoError(t, s.Set(key, "user-1", "first"))
	require.NoError(t, s.Set(key, "user-1", "second"))

	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(Key("statusText", "nobody"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteUser(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set(Key("statusText", "user-1"), "user-1", "brb"))
	require.NoError(t, s.Set(Key("preferences", "user-1"), "user-1", "{}"))
	require.NoError(t, s.Set(Key("statusText", "user-2"), "user-2", "here"))

	require.NoError(t, s.DeleteUser("user-1"))

	_, err := s.Get(Key("statusText", "user-1"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(Key("preferences", "user-1"))
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.Get(Key("statusText", "user-2"))
	require.NoError(t, err)
	assert.Equal(t, "here", got, "other users' entries survive")
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(Key("statusText", "user-1"), "user-1", "persisted"))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(Key("statusText", "user-1"))
	require.NoError(t, err)
	assert.Equal(t, "persisted", got)
}

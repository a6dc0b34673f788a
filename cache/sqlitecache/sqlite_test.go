package sqlitecache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/cache"
	"github.com/emersion/go-imapsync/cache/cachetest"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Cache {
		return newTestCache(t)
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.runMigrations())

	var version int
	require.NoError(t, c.db.Get(&version, "SELECT MAX(version) FROM schema_version"))
	assert.Equal(t, migrations[len(migrations)-1].version, version)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := New(path)
	require.NoError(t, err)
	var s imapsync.SyncState
	s.SetExists(1)
	s.SetUIDNext(7)
	s.SetUIDValidity(42)
	require.NoError(t, c.CommitSync("INBOX", &cache.SyncUpdate{
		State: s,
		UIDs:  []imapsync.UID{6},
		Flags: map[imapsync.UID][]imapsync.Flag{6: {imapsync.FlagFlagged}},
	}))
	require.NoError(t, c.Close())

	c, err = New(path)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.MailboxSyncState("INBOX")
	require.NoError(t, err)
	assert.True(t, s.Equal(&got), "got %v, want %v", got, s)
	assert.True(t, got.UsableForSyncing())

	uids, err := c.UIDMapping("INBOX")
	require.NoError(t, err)
	assert.Equal(t, []imapsync.UID{6}, uids)

	flags, err := c.MsgFlags("INBOX", 6)
	require.NoError(t, err)
	assert.Equal(t, []imapsync.Flag{imapsync.FlagFlagged}, flags)
}

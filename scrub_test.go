package sbdb_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilgaboury/sbdb"
)

func Test_Scrub_Removes_Sidecars_Of_Deleted_Entries(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, sbdb.Options{})

	seedFile(t, db, "dir/x", "v")

	// Delete the entry out from under its sidecars, as an application
	// that bypasses the library might.
	require.NoError(t, os.Remove(filepath.Join(db.Root(), "dir", "x")))

	stats, err := db.Scrub(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SidecarsRemoved, "x.lock and x.queue")

	_, err = os.Lstat(filepath.Join(db.Root(), "dir", "x.lock"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = os.Lstat(filepath.Join(db.Root(), "dir", "x.queue"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func Test_Scrub_Keeps_Sidecars_Of_Live_Entries(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, sbdb.Options{})

	seedFile(t, db, "x", "v")

	stats, err := db.Scrub(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.SidecarsRemoved)

	_, err = os.Lstat(filepath.Join(db.Root(), "x.lock"))
	require.NoError(t, err)
}

func Test_Scrub_Recovers_Orphaned_Backup(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, sbdb.Options{})

	// Simulate a crash between the two renames of a best-effort dir
	// commit: the entry is gone and only the deterministic backup
	// remains.
	backup := filepath.Join(db.Root(), ".d.bak")
	require.NoError(t, os.MkdirAll(backup, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(backup, "f"), []byte("v"), 0o644))

	stats, err := db.Scrub(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BackupsRecovered)

	got, err := os.ReadFile(filepath.Join(db.Root(), "d", "f"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func Test_Scrub_Removes_Stale_Backup_When_Entry_Exists(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, sbdb.Options{})

	// The commit completed but the backup cleanup was lost.
	require.NoError(t, os.MkdirAll(filepath.Join(db.Root(), "d"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(db.Root(), ".d.bak"), 0o755))

	stats, err := db.Scrub(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BackupsRemoved)

	_, err = os.Lstat(filepath.Join(db.Root(), ".d.bak"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func Test_Scrub_Removes_Unreferenced_Content_Dir_And_Keeps_Referenced(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, sbdb.Options{})

	// A committed atomic directory: entry symlinks to its content dir.
	guard, err := db.WriteDir("d")
	require.NoError(t, err)

	cp, err := guard.OpenCp()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cp.Path(), "f"), []byte("v"), 0o644))
	require.NoError(t, cp.Commit())
	require.NoError(t, cp.Close())
	require.NoError(t, guard.Close())

	// Plus an orphaned content dir and flip link from a crashed commit.
	require.NoError(t, os.MkdirAll(filepath.Join(db.Root(), ".d.dead0000.dir"), 0o755))
	require.NoError(t, os.Symlink(".d.dead0000.dir", filepath.Join(db.Root(), ".d.dead0000.lnk")))

	stats, err := db.Scrub(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ContentDirsRemoved)
	assert.Equal(t, 1, stats.LinksRemoved)

	// The live entry still resolves.
	got, err := os.ReadFile(filepath.Join(db.Root(), "d", "f"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func Test_Scrub_Removes_Stale_Scratch_Entries(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, sbdb.Options{})

	stale := filepath.Join(db.Root(), sbdb.DefaultScratchDirName, "deadbeef")
	require.NoError(t, os.WriteFile(stale, []byte("leftover"), 0o644))

	stats, err := db.Scrub(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ScratchRemoved)

	_, err = os.Lstat(stale)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func Test_ScrubDryRun_Counts_Without_Removing(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, sbdb.Options{})

	seedFile(t, db, "x", "v")
	require.NoError(t, os.Remove(filepath.Join(db.Root(), "x")))

	stale := filepath.Join(db.Root(), sbdb.DefaultScratchDirName, "deadbeef")
	require.NoError(t, os.WriteFile(stale, []byte("leftover"), 0o644))

	stats, err := db.ScrubDryRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SidecarsRemoved)
	assert.Equal(t, 1, stats.ScratchRemoved)

	// Nothing actually changed.
	_, err = os.Lstat(filepath.Join(db.Root(), "x.lock"))
	require.NoError(t, err)

	_, err = os.Lstat(stale)
	require.NoError(t, err)
}

func Test_Open_With_ScrubOnOpen_Cleans_Scratch(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	scratch := filepath.Join(root, sbdb.DefaultScratchDirName)
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "stale"), nil, 0o644))

	_, err := sbdb.Open(root, sbdb.Options{ScrubOnOpen: true})
	require.NoError(t, err)

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func Test_Scrub_Respects_Context_Cancellation(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, sbdb.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := db.Scrub(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

package sync

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := OpenDB(filepath.Join(dir, "test-cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(setupTestDB(t), "vault", "/base")
}

func fileEntry(path string, mtime, size int64) FileEntry {
	return FileEntry{
		Path:       path,
		Basename:   Basename(path),
		Mtime:      mtime,
		Size:       size,
		LastSynced: mtime,
		ParentPath: ParentDir(path),
	}
}

func dirEntry(path string, mtime int64) FileEntry {
	return FileEntry{
		Path:       path,
		Basename:   Basename(path),
		IsDir:      true,
		Mtime:      mtime,
		LastSynced: mtime,
		ParentPath: ParentDir(path),
	}
}

func TestOpenDB_CreatesSchema(t *testing.T) {
	db := setupTestDB(t)

	for _, table := range []string{"file_index", "dir_mtime", "sync_progress", "meta"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err)
		assert.Equal(t, table, name)
	}

	var version string
	err := db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, "1", version)
}

func TestOpenDB_Idempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cache.db")

	db1, err := OpenDB(dbPath)
	require.NoError(t, err)
	db1.Close()

	db2, err := OpenDB(dbPath)
	require.NoError(t, err)
	db2.Close()
}

func TestStore_SetGetDelete(t *testing.T) {
	store := setupTestStore(t)

	e := fileEntry("/base/a.txt", 100, 10)
	e.ETag = `"abc"`
	require.NoError(t, store.Set(e))

	got, err := store.Get("/base/a.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a.txt", got.Basename)
	assert.Equal(t, int64(100), got.Mtime)
	assert.Equal(t, int64(10), got.Size)
	assert.Equal(t, `"abc"`, got.ETag)
	assert.Equal(t, "/base", got.ParentPath)

	// overwrite
	e.Mtime = 200
	require.NoError(t, store.Set(e))
	got, err = store.Get("/base/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.Mtime)

	require.NoError(t, store.Delete("/base/a.txt"))
	got, err = store.Get("/base/a.txt")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_NamespaceIsolation(t *testing.T) {
	db := setupTestDB(t)
	s1 := NewStore(db, "vault", "/base")
	s2 := NewStore(db, "vault", "/other")

	require.NoError(t, s1.Set(fileEntry("/base/a.txt", 100, 10)))

	got, err := s2.Get("/base/a.txt")
	require.NoError(t, err)
	assert.Nil(t, got, "entry must not leak across namespaces")

	n, err := s2.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_BatchSetAndDelete(t *testing.T) {
	store := setupTestStore(t)

	entries := make([]FileEntry, 0, 2500)
	paths := make([]string, 0, 2500)
	for i := 0; i < 2500; i++ {
		p := fmt.Sprintf("/base/f%04d.bin", i)
		entries = append(entries, fileEntry(p, int64(i), 1))
		paths = append(paths, p)
	}
	require.NoError(t, store.BatchSet(entries))

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2500, n)

	require.NoError(t, store.BatchDelete(paths[:1500]))
	n, err = store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
}

func TestStore_GetByParent_Paging(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.BatchSet([]FileEntry{
		dirEntry("/base/sub", 1),
		fileEntry("/base/a.txt", 1, 1),
		fileEntry("/base/b.txt", 1, 1),
		fileEntry("/base/sub/c.txt", 1, 1),
	}))

	page, err := store.GetByParent("/base", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "/base/a.txt", page[0].Path)
	assert.Equal(t, "/base/b.txt", page[1].Path)

	page, err = store.GetByParent("/base", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "/base/sub", page[0].Path)

	// limit <= 0 returns everything
	page, err = store.GetByParent("/base", 0, 0)
	require.NoError(t, err)
	assert.Len(t, page, 3)
}

func TestStore_GetByPrefix(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.BatchSet([]FileEntry{
		dirEntry("/base/sub", 1),
		fileEntry("/base/sub/x.txt", 1, 1),
		fileEntry("/base/subset.txt", 1, 1),
		fileEntry("/base/a.txt", 1, 1),
	}))

	got, err := store.GetByPrefix("/base/sub")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "/base/sub", got[0].Path)
	assert.Equal(t, "/base/sub/x.txt", got[1].Path)
}

func TestStore_GetModifiedAfter(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.BatchSet([]FileEntry{
		fileEntry("/base/old.txt", 100, 1),
		fileEntry("/base/new.txt", 300, 1),
	}))

	got, err := store.GetModifiedAfter(200)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "/base/new.txt", got[0].Path)
}

func TestStore_IterateAll_ShortCircuit(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.BatchSet([]FileEntry{
		fileEntry("/base/a.txt", 1, 1),
		fileEntry("/base/b.txt", 1, 1),
		fileEntry("/base/c.txt", 1, 1),
	}))

	var visited int
	err := store.IterateAll(func(*FileEntry) bool {
		visited++
		return visited < 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, visited)
}

func TestStore_AllPathsAndClear(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.BatchSet([]FileEntry{
		dirEntry("/base/sub", 1),
		fileEntry("/base/a.txt", 1, 1),
	}))

	paths, err := store.AllPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{"/base/a.txt", "/base/sub"}, paths)

	dirs, err := store.AllDirPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{"/base/sub"}, dirs)

	require.NoError(t, store.Clear())
	n, err := store.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_DirMtimeCRUD(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.SetDirMtime(DirMtimeEntry{Path: "/base", Mtime: 100, LastChecked: 1000, ChildCount: 2}))
	require.NoError(t, store.SetDirMtime(DirMtimeEntry{Path: "/base/sub", Mtime: 50, LastChecked: 1000}))

	got, err := store.GetDirMtime("/base")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(100), got.Mtime)
	assert.Equal(t, 2, got.ChildCount)

	// upsert
	require.NoError(t, store.SetDirMtime(DirMtimeEntry{Path: "/base", Mtime: 200, LastChecked: 2000}))
	got, err = store.GetDirMtime("/base")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.Mtime)

	all, err := store.AllDirMtimes()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := store.CountDirMtimes()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.DeleteDirMtime("/base/sub"))
	got, err = store.GetDirMtime("/base/sub")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_DeleteDirMtimesByPrefix(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.SetDirMtime(DirMtimeEntry{Path: "/base", Mtime: 1}))
	require.NoError(t, store.SetDirMtime(DirMtimeEntry{Path: "/base/sub", Mtime: 1}))
	require.NoError(t, store.SetDirMtime(DirMtimeEntry{Path: "/base/sub/deep", Mtime: 1}))
	require.NoError(t, store.SetDirMtime(DirMtimeEntry{Path: "/base/subset", Mtime: 1}))

	require.NoError(t, store.DeleteDirMtimesByPrefix("/base/sub"))

	all, err := store.AllDirMtimes()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "/base")
	assert.Contains(t, all, "/base/subset")
}

func TestStore_ProgressRoundtrip(t *testing.T) {
	store := setupTestStore(t)

	got, err := store.GetProgress()
	require.NoError(t, err)
	assert.Nil(t, got)

	p := SyncProgress{
		SessionID:      "s1",
		StartTime:      1000,
		Phase:          PhaseScanning,
		ProcessedCount: 3,
		CurrentPath:    "/base/sub",
		Pending:        []string{"/base/a"},
		Completed:      []string{"/base/b"},
	}
	require.NoError(t, store.SaveProgress(p))

	got, err = store.GetProgress()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, PhaseScanning, got.Phase)
	assert.Equal(t, 3, got.ProcessedCount)
	assert.Equal(t, []string{"/base/a"}, got.Pending)
	assert.Equal(t, []string{"/base/b"}, got.Completed)

	require.NoError(t, store.ClearProgress())
	got, err = store.GetProgress()
	require.NoError(t, err)
	assert.Nil(t, got)
}

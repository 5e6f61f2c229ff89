package sync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/samber/lo"
)

// batchChunk bounds the number of records in one batched transaction.
const batchChunk = 1000

// Store provides the three persistent maps of one namespace: the file
// index, the directory mtime cache, and the sync progress record. Every
// single-record write is durable before it returns; batches are chunked
// and not atomic across chunks.
type Store struct {
	db *sql.DB
	ns string
}

// NewStore creates a Store scoped to the (vaultName, remoteBaseDir)
// namespace inside the given database.
func NewStore(db *sql.DB, vaultName, remoteBaseDir string) *Store {
	ns := DBKey(vaultName, remoteBaseDir)
	sub("store").Debug("store created", "namespace", ns)
	return &Store{db: db, ns: ns}
}

const fileEntryCols = "path, basename, is_dir, mtime, size, etag, content_hash, last_synced, parent_path"

func scanFileEntry(row interface{ Scan(...any) error }) (*FileEntry, error) {
	e := &FileEntry{}
	err := row.Scan(&e.Path, &e.Basename, &e.IsDir, &e.Mtime, &e.Size, &e.ETag, &e.ContentHash, &e.LastSynced, &e.ParentPath)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns the entry at path, or nil when absent.
func (s *Store) Get(path string) (*FileEntry, error) {
	e, err := scanFileEntry(s.db.QueryRow(
		"SELECT "+fileEntryCols+" FROM file_index WHERE namespace = ? AND path = ?", s.ns, path))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// Set writes a single entry, replacing any previous record at the path.
func (s *Store) Set(e FileEntry) error {
	if logEnabled(slog.LevelDebug) {
		sub("store").Debug("Set", "path", e.Path, "isDir", e.IsDir, "mtime", e.Mtime)
	}
	_, err := s.db.Exec(`
		INSERT INTO file_index (namespace, `+fileEntryCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, path) DO UPDATE SET
			basename     = excluded.basename,
			is_dir       = excluded.is_dir,
			mtime        = excluded.mtime,
			size         = excluded.size,
			etag         = excluded.etag,
			content_hash = excluded.content_hash,
			last_synced  = excluded.last_synced,
			parent_path  = excluded.parent_path
	`, s.ns, e.Path, e.Basename, e.IsDir, e.Mtime, e.Size, e.ETag, e.ContentHash, e.LastSynced, e.ParentPath)
	if err != nil {
		return fmt.Errorf("set entry: %w", err)
	}
	return nil
}

// Delete removes the entry at path. Deleting an absent path is a no-op.
func (s *Store) Delete(path string) error {
	sub("store").Debug("Delete", "path", path)
	_, err := s.db.Exec("DELETE FROM file_index WHERE namespace = ? AND path = ?", s.ns, path)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// BatchSet writes entries in chunks of batchChunk, one transaction per
// chunk. A failure leaves earlier chunks applied.
func (s *Store) BatchSet(entries []FileEntry) error {
	if len(entries) == 0 {
		return nil
	}
	l := sub("store")
	for _, chunk := range lo.Chunk(entries, batchChunk) {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin batch set: %w", err)
		}
		stmt, err := tx.Prepare(`
			INSERT INTO file_index (namespace, ` + fileEntryCols + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(namespace, path) DO UPDATE SET
				basename     = excluded.basename,
				is_dir       = excluded.is_dir,
				mtime        = excluded.mtime,
				size         = excluded.size,
				etag         = excluded.etag,
				content_hash = excluded.content_hash,
				last_synced  = excluded.last_synced,
				parent_path  = excluded.parent_path
		`)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("prepare batch set: %w", err)
		}
		for _, e := range chunk {
			if _, err := stmt.Exec(s.ns, e.Path, e.Basename, e.IsDir, e.Mtime, e.Size, e.ETag, e.ContentHash, e.LastSynced, e.ParentPath); err != nil {
				stmt.Close()
				tx.Rollback() //nolint:errcheck
				return fmt.Errorf("batch set %q: %w", e.Path, err)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit batch set: %w", err)
		}
	}
	l.Debug("BatchSet", "count", len(entries))
	return nil
}

// BatchDelete removes paths in chunks of batchChunk.
func (s *Store) BatchDelete(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	for _, chunk := range lo.Chunk(paths, batchChunk) {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin batch delete: %w", err)
		}
		stmt, err := tx.Prepare("DELETE FROM file_index WHERE namespace = ? AND path = ?")
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("prepare batch delete: %w", err)
		}
		for _, p := range chunk {
			if _, err := stmt.Exec(s.ns, p); err != nil {
				stmt.Close()
				tx.Rollback() //nolint:errcheck
				return fmt.Errorf("batch delete %q: %w", p, err)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit batch delete: %w", err)
		}
	}
	sub("store").Debug("BatchDelete", "count", len(paths))
	return nil
}

// GetByParent returns a page of direct children of parent, ordered by
// path. A limit <= 0 returns all remaining rows.
func (s *Store) GetByParent(parent string, offset, limit int) ([]FileEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		"SELECT "+fileEntryCols+" FROM file_index WHERE namespace = ? AND parent_path = ? ORDER BY path LIMIT ? OFFSET ?",
		s.ns, parent, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get by parent: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// GetByPrefix returns every entry whose path equals prefix or starts
// with prefix + "/". Streaming scan; O(N) in the index size.
func (s *Store) GetByPrefix(prefix string) ([]FileEntry, error) {
	rows, err := s.db.Query(
		"SELECT "+fileEntryCols+" FROM file_index WHERE namespace = ? AND (path = ? OR substr(path, 1, ?) = ?) ORDER BY path",
		s.ns, prefix, len(prefix)+1, prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("get by prefix: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// GetModifiedAfter returns all entries with mtime strictly greater than
// the given timestamp.
func (s *Store) GetModifiedAfter(tsMillis int64) ([]FileEntry, error) {
	rows, err := s.db.Query(
		"SELECT "+fileEntryCols+" FROM file_index WHERE namespace = ? AND mtime > ?", s.ns, tsMillis)
	if err != nil {
		return nil, fmt.Errorf("get modified after: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]FileEntry, error) {
	var entries []FileEntry
	for rows.Next() {
		e, err := scanFileEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// IterateAll streams every entry of the namespace to cb in path order.
// The callback returning false stops the iteration.
func (s *Store) IterateAll(cb func(*FileEntry) bool) error {
	rows, err := s.db.Query("SELECT "+fileEntryCols+" FROM file_index WHERE namespace = ? ORDER BY path", s.ns)
	if err != nil {
		return fmt.Errorf("iterate all: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanFileEntry(rows)
		if err != nil {
			return fmt.Errorf("scan entry: %w", err)
		}
		if !cb(e) {
			return nil
		}
	}
	return rows.Err()
}

// Count returns the number of entries in the namespace.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM file_index WHERE namespace = ?", s.ns).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// CountFiles returns the number of non-directory entries.
func (s *Store) CountFiles() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM file_index WHERE namespace = ? AND is_dir = 0", s.ns).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}

// AllDirPaths returns the paths of all directory entries.
func (s *Store) AllDirPaths() ([]string, error) {
	return s.selectPaths("SELECT path FROM file_index WHERE namespace = ? AND is_dir = 1 ORDER BY path")
}

// AllPaths returns every known path in the namespace.
func (s *Store) AllPaths() ([]string, error) {
	return s.selectPaths("SELECT path FROM file_index WHERE namespace = ? ORDER BY path")
}

func (s *Store) selectPaths(query string) ([]string, error) {
	rows, err := s.db.Query(query, s.ns)
	if err != nil {
		return nil, fmt.Errorf("select paths: %w", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Clear removes every file entry of the namespace.
func (s *Store) Clear() error {
	sub("store").Info("clearing file index", "namespace", s.ns)
	_, err := s.db.Exec("DELETE FROM file_index WHERE namespace = ?", s.ns)
	if err != nil {
		return fmt.Errorf("clear file index: %w", err)
	}
	return nil
}

// --- directory mtime cache ---

// SetDirMtime upserts one directory mtime record.
func (s *Store) SetDirMtime(e DirMtimeEntry) error {
	if logEnabled(slog.LevelDebug) {
		sub("store").Debug("SetDirMtime", "path", e.Path, "mtime", e.Mtime)
	}
	_, err := s.db.Exec(`
		INSERT INTO dir_mtime (namespace, path, mtime, last_checked, child_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, path) DO UPDATE SET
			mtime        = excluded.mtime,
			last_checked = excluded.last_checked,
			child_count  = excluded.child_count
	`, s.ns, e.Path, e.Mtime, e.LastChecked, e.ChildCount)
	if err != nil {
		return fmt.Errorf("set dir mtime: %w", err)
	}
	return nil
}

// GetDirMtime returns the cached record for path, or nil when absent.
func (s *Store) GetDirMtime(path string) (*DirMtimeEntry, error) {
	e := &DirMtimeEntry{}
	err := s.db.QueryRow(
		"SELECT path, mtime, last_checked, child_count FROM dir_mtime WHERE namespace = ? AND path = ?",
		s.ns, path).Scan(&e.Path, &e.Mtime, &e.LastChecked, &e.ChildCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dir mtime: %w", err)
	}
	return e, nil
}

// AllDirMtimes loads the whole directory mtime cache of the namespace.
// Sized by the number of directories, assumed to fit in memory.
func (s *Store) AllDirMtimes() (map[string]DirMtimeEntry, error) {
	rows, err := s.db.Query("SELECT path, mtime, last_checked, child_count FROM dir_mtime WHERE namespace = ?", s.ns)
	if err != nil {
		return nil, fmt.Errorf("all dir mtimes: %w", err)
	}
	defer rows.Close()
	out := make(map[string]DirMtimeEntry)
	for rows.Next() {
		var e DirMtimeEntry
		if err := rows.Scan(&e.Path, &e.Mtime, &e.LastChecked, &e.ChildCount); err != nil {
			return nil, fmt.Errorf("scan dir mtime: %w", err)
		}
		out[e.Path] = e
	}
	return out, rows.Err()
}

// CountDirMtimes returns the number of cached directories.
func (s *Store) CountDirMtimes() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM dir_mtime WHERE namespace = ?", s.ns).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dir mtimes: %w", err)
	}
	return n, nil
}

// DeleteDirMtime removes one cached directory record.
func (s *Store) DeleteDirMtime(path string) error {
	_, err := s.db.Exec("DELETE FROM dir_mtime WHERE namespace = ? AND path = ?", s.ns, path)
	if err != nil {
		return fmt.Errorf("delete dir mtime: %w", err)
	}
	return nil
}

// DeleteDirMtimesByPrefix removes the record at prefix and every record
// below it.
func (s *Store) DeleteDirMtimesByPrefix(prefix string) error {
	_, err := s.db.Exec(
		"DELETE FROM dir_mtime WHERE namespace = ? AND (path = ? OR substr(path, 1, ?) = ?)",
		s.ns, prefix, len(prefix)+1, prefix+"/")
	if err != nil {
		return fmt.Errorf("delete dir mtimes by prefix: %w", err)
	}
	return nil
}

// ClearDirMtimes removes the whole directory mtime cache.
func (s *Store) ClearDirMtimes() error {
	sub("store").Info("clearing dir mtime cache", "namespace", s.ns)
	_, err := s.db.Exec("DELETE FROM dir_mtime WHERE namespace = ?", s.ns)
	if err != nil {
		return fmt.Errorf("clear dir mtimes: %w", err)
	}
	return nil
}

// --- sync progress ---

// SaveProgress upserts the single progress record of the namespace.
func (s *Store) SaveProgress(p SyncProgress) error {
	pending, err := json.Marshal(p.Pending)
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}
	completed, err := json.Marshal(p.Completed)
	if err != nil {
		return fmt.Errorf("marshal completed: %w", err)
	}
	failed, err := json.Marshal(p.Failed)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sync_progress (namespace, session_id, start_time, phase, processed_count, total_count, current_path, pending, completed, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET
			session_id      = excluded.session_id,
			start_time      = excluded.start_time,
			phase           = excluded.phase,
			processed_count = excluded.processed_count,
			total_count     = excluded.total_count,
			current_path    = excluded.current_path,
			pending         = excluded.pending,
			completed       = excluded.completed,
			failed          = excluded.failed
	`, s.ns, p.SessionID, p.StartTime, p.Phase, p.ProcessedCount, p.TotalCount, p.CurrentPath, string(pending), string(completed), string(failed))
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// GetProgress returns the progress record, or nil when none is stored.
func (s *Store) GetProgress() (*SyncProgress, error) {
	p := &SyncProgress{}
	var pending, completed, failed string
	err := s.db.QueryRow(`
		SELECT session_id, start_time, phase, processed_count, total_count, current_path, pending, completed, failed
		FROM sync_progress WHERE namespace = ?
	`, s.ns).Scan(&p.SessionID, &p.StartTime, &p.Phase, &p.ProcessedCount, &p.TotalCount, &p.CurrentPath, &pending, &completed, &failed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	if err := json.Unmarshal([]byte(pending), &p.Pending); err != nil {
		return nil, fmt.Errorf("unmarshal pending: %w", err)
	}
	if err := json.Unmarshal([]byte(completed), &p.Completed); err != nil {
		return nil, fmt.Errorf("unmarshal completed: %w", err)
	}
	if err := json.Unmarshal([]byte(failed), &p.Failed); err != nil {
		return nil, fmt.Errorf("unmarshal failed: %w", err)
	}
	return p, nil
}

// ClearProgress removes the progress record.
func (s *Store) ClearProgress() error {
	_, err := s.db.Exec("DELETE FROM sync_progress WHERE namespace = ?", s.ns)
	if err != nil {
		return fmt.Errorf("clear progress: %w", err)
	}
	return nil
}

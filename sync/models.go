package sync

import "time"

// nowFunc is the time source, replaceable in tests.
var nowFunc = time.Now

// nowMillis returns the current time in integer milliseconds since epoch.
func nowMillis() int64 {
	return nowFunc().UnixMilli()
}

// FileEntry is one known remote path in the persistent index.
// Path is absolute and normalized: leading '/', no trailing '/' except
// for the root itself.
type FileEntry struct {
	Path        string `json:"path"`
	Basename    string `json:"basename"`
	IsDir       bool   `json:"isDir"`
	Mtime       int64  `json:"mtime"` // milliseconds, 0 if unknown
	Size        int64  `json:"size"`  // bytes, 0 for directories
	ETag        string `json:"etag,omitempty"`
	ContentHash string `json:"contentHash,omitempty"`
	LastSynced  int64  `json:"lastSynced"` // milliseconds
	ParentPath  string `json:"parentPath"`
}

// DirMtimeEntry caches the last observed mtime of one remote directory.
// ChildCount is a hint and may be stale.
type DirMtimeEntry struct {
	Path        string `json:"path"`
	Mtime       int64  `json:"mtime"`
	LastChecked int64  `json:"lastChecked"`
	ChildCount  int    `json:"childCount"`
}

// Phases recorded in SyncProgress.
const (
	PhaseScanning  = "scanning"
	PhaseComparing = "comparing"
	PhaseSyncing   = "syncing"
	PhaseUpdating  = "updating"
)

// SyncProgress is the resumable progress record, at most one in flight
// per namespace. Pending, Completed and Failed are advisory: Walk logs a
// stale record but does not resume from it.
type SyncProgress struct {
	SessionID      string   `json:"sessionId"`
	StartTime      int64    `json:"startTime"` // milliseconds
	Phase          string   `json:"phase"`
	ProcessedCount int      `json:"processedCount"`
	TotalCount     int      `json:"totalCount"` // 0 when unknown
	CurrentPath    string   `json:"currentPath"`
	Pending        []string `json:"pending,omitempty"`
	Completed      []string `json:"completed,omitempty"`
	Failed         []string `json:"failed,omitempty"`
}

// StatModel is the record exchanged with the remote adapter and returned
// to callers. IsDeleted is only meaningful in change streams, never in a
// persisted FileEntry.
type StatModel struct {
	Path      string `json:"path"`
	Basename  string `json:"basename"`
	IsDir     bool   `json:"isDir"`
	IsDeleted bool   `json:"isDeleted,omitempty"`
	Mtime     int64  `json:"mtime"` // milliseconds
	Size      int64  `json:"size"`
}

// ChangeType classifies one detector-produced delta record.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// Change is a single remote mutation observed by the delta detector.
type Change struct {
	Type ChangeType `json:"type"`
	Stat StatModel  `json:"stat"`
}

// DeltaResult is the outcome of one DetectChanges pass. Changes carry no
// defined order; consumers must treat them as a set.
type DeltaResult struct {
	Changes      []Change
	NeedFullScan bool
	ScannedDirs  int
	ChangedDirs  []string
}

// ScanStats reports index size after a scan.
type ScanStats struct {
	FileCount int `json:"fileCount"`
	DirCount  int `json:"dirCount"`
}

// IndexStats is ScanStats plus whether an index exists at all.
type IndexStats struct {
	FileCount int  `json:"fileCount"`
	DirCount  int  `json:"dirCount"`
	HasIndex  bool `json:"hasIndex"`
}

// entryFromStat converts an adapter record into a persistable FileEntry.
func entryFromStat(st StatModel, lastSynced int64) FileEntry {
	return FileEntry{
		Path:       st.Path,
		Basename:   st.Basename,
		IsDir:      st.IsDir,
		Mtime:      st.Mtime,
		Size:       st.Size,
		LastSynced: lastSynced,
		ParentPath: ParentDir(st.Path),
	}
}

// statFromEntry converts an indexed record back into the wire shape.
func statFromEntry(e FileEntry, deleted bool) StatModel {
	return StatModel{
		Path:      e.Path,
		Basename:  e.Basename,
		IsDir:     e.IsDir,
		IsDeleted: deleted,
		Mtime:     e.Mtime,
		Size:      e.Size,
	}
}

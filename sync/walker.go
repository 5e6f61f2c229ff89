package sync

import (
	"context"
	"path"
	"sort"
)

// Settings are the read-only knobs supplied by the embedding.
type Settings struct {
	VaultName     string
	RemoteBaseDir string // absolute remote path of the indexed tree
	BasePath      string // HTTP prefix of the server, folded into the client root; "/" is a no-op
	Concurrency   int    // 0 selects the default
}

// Walker is the sync driver. One instance per namespace; at most one
// Walk may be active at a time, callers serialize externally.
type Walker struct {
	store    *Store
	detector *Detector
	filter   Filter
	baseDir  string
	progress ProgressFunc
}

// NewWalker wires a driver over the given store and remote.
func NewWalker(store *Store, remote RemoteDirectory, filter Filter, settings Settings) *Walker {
	if filter == nil {
		filter = AcceptAll{}
	}
	baseDir := NormalizePath(settings.RemoteBaseDir)
	return &Walker{
		store:    store,
		detector: NewDetector(store, remote, baseDir, settings.Concurrency),
		filter:   filter,
		baseDir:  baseDir,
	}
}

// SetProgressFunc installs a callback invoked during full scans.
func (w *Walker) SetProgressFunc(fn ProgressFunc) {
	w.progress = fn
}

// Walk brings the index up to date with the remote and returns the
// filtered listing of base-relative paths.
func (w *Walker) Walk(ctx context.Context) ([]StatModel, error) {
	l := sub("walker")

	prog, err := w.store.GetProgress()
	if err != nil {
		return nil, err
	}
	if prog != nil && prog.Phase != PhaseSyncing {
		l.Info("previous sync left a progress record",
			"phase", prog.Phase, "processed", prog.ProcessedCount, "path", prog.CurrentPath)
	}

	count, err := w.store.Count()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		l.Info("index empty, running full scan")
		if _, err := w.detector.FullScan(ctx, w.progress); err != nil {
			return nil, err
		}
		return w.listing()
	}

	res, err := w.detector.DetectChanges(ctx)
	if err != nil {
		return nil, err
	}
	if res.NeedFullScan {
		l.Info("cache unusable, running full scan")
		if _, err := w.detector.FullScan(ctx, w.progress); err != nil {
			return nil, err
		}
		return w.listing()
	}
	if len(res.Changes) == 0 {
		l.Debug("no remote changes", "scannedDirs", res.ScannedDirs)
		return w.listing()
	}

	l.Info("applying remote changes", "changes", len(res.Changes), "changedDirs", len(res.ChangedDirs))
	if err := w.detector.UpdateFileIndex(ctx, res.Changes); err != nil {
		return nil, err
	}
	if err := w.detector.UpdateDirMtimeCache(ctx, res.Changes); err != nil {
		return nil, err
	}
	return w.listing()
}

// listing streams the index into the caller-facing shape: entries under
// the base directory only, base prefix stripped, HTML entities decoded,
// rule filter applied, and missing ancestor directories re-completed.
func (w *Walker) listing() ([]StatModel, error) {
	var out []StatModel
	present := make(map[string]bool)

	err := w.store.IterateAll(func(e *FileEntry) bool {
		rel, ok := RelativeTo(w.baseDir, e.Path)
		if !ok || rel == "" {
			return true
		}
		rel = DecodeEntities(rel)
		if !w.filter.Include(rel) {
			return true
		}
		out = append(out, StatModel{
			Path:     rel,
			Basename: path.Base(rel),
			IsDir:    e.IsDir,
			Mtime:    e.Mtime,
			Size:     e.Size,
		})
		present[rel] = true
		return true
	})
	if err != nil {
		return nil, err
	}

	out, err = w.completeLostDirs(out, present)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// completeLostDirs re-adds ancestor directories implied by included
// entries but dropped by the filter (or never indexed).
func (w *Walker) completeLostDirs(listing []StatModel, present map[string]bool) ([]StatModel, error) {
	for _, st := range listing {
		for dir := path.Dir(st.Path); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if present[dir] {
				continue
			}
			present[dir] = true
			entry, err := w.store.Get(JoinRemote(w.baseDir, dir))
			if err != nil {
				return nil, err
			}
			anc := StatModel{Path: dir, Basename: path.Base(dir), IsDir: true}
			if entry != nil {
				anc.Mtime = entry.Mtime
			}
			listing = append(listing, anc)
		}
	}
	return listing, nil
}

// ClearIndex drops all persisted state of the namespace.
func (w *Walker) ClearIndex() error {
	sub("walker").Info("clearing index")
	if err := w.store.Clear(); err != nil {
		return err
	}
	if err := w.store.ClearDirMtimes(); err != nil {
		return err
	}
	return w.store.ClearProgress()
}

// RebuildIndex clears everything and runs a fresh full scan. Always safe
// and idempotent.
func (w *Walker) RebuildIndex(ctx context.Context) (*ScanStats, error) {
	if err := w.ClearIndex(); err != nil {
		return nil, err
	}
	return w.detector.FullScan(ctx, w.progress)
}

// IndexStats reports index size and whether an index exists.
func (w *Walker) IndexStats() (*IndexStats, error) {
	stats, err := w.detector.Stats()
	if err != nil {
		return nil, err
	}
	return &IndexStats{
		FileCount: stats.FileCount,
		DirCount:  stats.DirCount,
		HasIndex:  stats.FileCount > 0 || stats.DirCount > 0,
	}, nil
}

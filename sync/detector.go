package sync

import (
	"context"
	"errors"
	"sort"
	gosync "sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 5

	// diffPage bounds one page of cached children during file-level diffs.
	diffPage = 1000

	// listingTTL bounds how long a depth-1 listing fetched during change
	// discovery may be reused by the diff phase of the same pass.
	listingTTL = 5 * time.Minute
)

// Detector discovers remote changes against the persisted index by
// hierarchical mtime comparison, pruning every subtree whose directory
// mtime still matches the cache.
type Detector struct {
	store       *Store
	remote      RemoteDirectory
	baseDir     string
	concurrency int

	// listings caches depth-1 results so a changed directory is listed
	// once for recursion and reused for its file-level diff.
	listings *ttlcache.Cache[string, []StatModel]
}

// NewDetector creates a detector rooted at baseDir. A non-positive
// concurrency selects the default of 5.
func NewDetector(store *Store, remote RemoteDirectory, baseDir string, concurrency int) *Detector {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Detector{
		store:       store,
		remote:      remote,
		baseDir:     NormalizePath(baseDir),
		concurrency: concurrency,
		listings:    ttlcache.New[string, []StatModel](ttlcache.WithTTL[string, []StatModel](listingTTL)),
	}
}

// changedDir is one directory found changed during discovery. missing
// marks directories that no longer exist on the remote.
type changedDir struct {
	path    string
	missing bool
}

// scanAcc aggregates discovery results across concurrent branches.
type scanAcc struct {
	mu      gosync.Mutex
	changed []changedDir
	scanned int
}

func (a *scanAcc) addScanned() {
	a.mu.Lock()
	a.scanned++
	a.mu.Unlock()
}

func (a *scanAcc) addChanged(path string, missing bool) {
	a.mu.Lock()
	a.changed = append(a.changed, changedDir{path: path, missing: missing})
	a.mu.Unlock()
}

// DetectChanges walks the remote from the base directory, descending
// only into directories whose mtime differs from the cache, then diffs
// each changed directory file by file. Non-destructive with respect to
// the index.
func (d *Detector) DetectChanges(ctx context.Context) (*DeltaResult, error) {
	l := sub("detector")
	start := nowFunc()

	cached, err := d.store.AllDirMtimes()
	if err != nil {
		return nil, err
	}
	if len(cached) == 0 {
		l.Info("dir mtime cache empty, full scan required")
		return &DeltaResult{NeedFullScan: true}, nil
	}
	if _, ok := cached[d.baseDir]; !ok {
		// The cache no longer anchors at the base directory; treat it as
		// invalidated rather than trusting partial state.
		l.Warn("dir mtime cache missing base entry, full scan required", "base", d.baseDir)
		return &DeltaResult{NeedFullScan: true}, nil
	}

	d.listings.DeleteAll()
	acc := &scanAcc{}
	if err := d.scanDir(ctx, d.baseDir, cached, acc); err != nil {
		return nil, err
	}

	var changes []Change
	for _, cd := range acc.changed {
		cs, err := d.diffDir(ctx, cd)
		if err != nil {
			return nil, err
		}
		changes = append(changes, cs...)
	}
	// Overlapping diffs (a vanished directory and its parent) may report
	// the same path twice.
	changes = lo.UniqBy(changes, func(c Change) string {
		return string(c.Type) + "|" + c.Stat.Path
	})

	result := &DeltaResult{
		Changes:     changes,
		ScannedDirs: acc.scanned,
		ChangedDirs: lo.Map(acc.changed, func(c changedDir, _ int) string { return c.path }),
	}
	l.Info("detection complete",
		"scannedDirs", result.ScannedDirs,
		"changedDirs", len(result.ChangedDirs),
		"changes", len(result.Changes),
		"elapsed", nowFunc().Sub(start))
	return result, nil
}

// scanDir probes one directory and recurses into its subdirectories in
// chunks of the configured concurrency. Transport errors are absorbed
// conservatively; only context cancellation propagates.
func (d *Detector) scanDir(ctx context.Context, dir string, cached map[string]DirMtimeEntry, acc *scanAcc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := sub("detector")
	acc.addScanned()

	self, err := d.propfind(ctx, dir, 0)
	if err != nil {
		if errors.Is(err, ErrRemoteNotFound) {
			l.Info("directory gone", "path", dir)
			acc.addChanged(dir, true)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.Warn("stat failed, treating directory as changed", "path", dir, "err", err)
		acc.addChanged(dir, false)
		return nil
	}
	current := self[0].Mtime

	if ce, ok := cached[dir]; ok && ce.Mtime == current {
		// Unchanged mtime means no immediate child was added, removed or
		// renamed; the whole subtree is pruned.
		return nil
	}
	acc.addChanged(dir, false)

	listing, err := d.propfind(ctx, dir, 1)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.Warn("list failed, skipping descent", "path", dir, "err", err)
		return nil
	}

	var subdirs []string
	for _, st := range listing[1:] {
		if st.IsDir {
			subdirs = append(subdirs, st.Path)
		}
	}
	for _, chunk := range lo.Chunk(subdirs, d.concurrency) {
		g, gctx := errgroup.WithContext(ctx)
		for _, sd := range chunk {
			g.Go(func() error {
				return d.scanDir(gctx, sd, cached, acc)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// diffDir compares the current listing of one changed directory against
// the cached children and emits per-path changes. A listing that fails
// with a transport error produces no diff at all: an empty directory is
// only assumed on a definitive not-found.
func (d *Detector) diffDir(ctx context.Context, cd changedDir) ([]Change, error) {
	l := sub("detector")

	current := make(map[string]StatModel)
	if !cd.missing {
		listing, err := d.propfind(ctx, cd.path, 1)
		switch {
		case errors.Is(err, ErrRemoteNotFound):
			// definitively gone, diff against an empty listing
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.Warn("listing failed, diff skipped", "path", cd.path, "err", err)
			return nil, nil
		default:
			for _, st := range listing[1:] {
				current[st.Path] = st
			}
		}
	}

	cachedEntries := make(map[string]FileEntry)
	for offset := 0; ; offset += diffPage {
		page, err := d.store.GetByParent(cd.path, offset, diffPage)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			cachedEntries[e.Path] = e
		}
		if len(page) < diffPage {
			break
		}
	}

	var out []Change
	for p, st := range current {
		ce, ok := cachedEntries[p]
		if !ok {
			out = append(out, Change{Type: ChangeAdded, Stat: st})
			continue
		}
		if isModified(ce, st) {
			out = append(out, Change{Type: ChangeModified, Stat: st})
		}
	}
	for p, ce := range cachedEntries {
		if _, ok := current[p]; ok {
			continue
		}
		out = append(out, Change{Type: ChangeDeleted, Stat: statFromEntry(ce, true)})
		if !ce.IsDir {
			continue
		}
		// A vanished directory takes its whole indexed subtree with it.
		desc, err := d.store.GetByPrefix(p)
		if err != nil {
			return nil, err
		}
		for _, de := range desc {
			if de.Path == p {
				continue
			}
			out = append(out, Change{Type: ChangeDeleted, Stat: statFromEntry(de, true)})
		}
	}
	if len(out) > 0 {
		l.Debug("dir diff", "path", cd.path, "changes", len(out))
	}
	return out, nil
}

// isModified compares a cached entry against its current remote stat.
// Directory mtime moves on child changes that are picked up by separate
// child-level comparisons, so only the kind flip counts for directories.
func isModified(cached FileEntry, cur StatModel) bool {
	if cached.IsDir != cur.IsDir {
		return true
	}
	if cur.IsDir {
		return false
	}
	return cached.Mtime != cur.Mtime || cached.Size != cur.Size
}

// propfind issues a remote propfind, memoizing depth-1 listings for the
// duration of one detection pass.
func (d *Detector) propfind(ctx context.Context, path string, depth int) ([]StatModel, error) {
	if depth == 1 {
		if item := d.listings.Get(path); item != nil {
			return item.Value(), nil
		}
	}
	stats, err := d.remote.Propfind(ctx, path, depth)
	if err != nil {
		return nil, err
	}
	if depth == 1 {
		d.listings.Set(path, stats, ttlcache.DefaultTTL)
	}
	return stats, nil
}

// UpdateFileIndex applies detector output to the file index: deletions
// are batch-removed, additions and modifications batch-written with a
// fresh last_synced stamp.
func (d *Detector) UpdateFileIndex(ctx context.Context, changes []Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := nowMillis()
	var dels []string
	var sets []FileEntry
	for _, c := range changes {
		switch c.Type {
		case ChangeDeleted:
			dels = append(dels, c.Stat.Path)
		case ChangeAdded, ChangeModified:
			sets = append(sets, entryFromStat(c.Stat, now))
		}
	}
	if err := d.store.BatchDelete(dels); err != nil {
		return err
	}
	if err := d.store.BatchSet(sets); err != nil {
		return err
	}
	sub("detector").Info("file index updated", "set", len(sets), "deleted", len(dels))
	return nil
}

// UpdateDirMtimeCache refreshes the cached mtime of every directory that
// contains a changed path, and prunes cache entries under directories
// that were deleted. ChildCount is not recomputed here.
func (d *Detector) UpdateDirMtimeCache(ctx context.Context, changes []Change) error {
	l := sub("detector")

	for _, c := range changes {
		if c.Type == ChangeDeleted && c.Stat.IsDir {
			if err := d.store.DeleteDirMtimesByPrefix(c.Stat.Path); err != nil {
				return err
			}
		}
	}

	parents := make(map[string]struct{})
	for _, c := range changes {
		p := ParentDir(c.Stat.Path)
		if p == d.baseDir || isUnder(d.baseDir, p) {
			parents[p] = struct{}{}
		}
	}
	sorted := lo.Keys(parents)
	sort.Strings(sorted)

	for _, parent := range sorted {
		if err := ctx.Err(); err != nil {
			return err
		}
		self, err := d.remote.Propfind(ctx, parent, 0)
		if err != nil {
			if errors.Is(err, ErrRemoteNotFound) {
				if err := d.store.DeleteDirMtime(parent); err != nil {
					return err
				}
				continue
			}
			l.Warn("dir mtime refresh failed", "path", parent, "err", err)
			continue
		}
		if err := d.store.SetDirMtime(DirMtimeEntry{
			Path:        parent,
			Mtime:       self[0].Mtime,
			LastChecked: nowMillis(),
		}); err != nil {
			return err
		}
	}
	l.Debug("dir mtime cache updated", "parents", len(sorted))
	return nil
}

// Stats reports current index size.
func (d *Detector) Stats() (*ScanStats, error) {
	files, err := d.store.CountFiles()
	if err != nil {
		return nil, err
	}
	dirs, err := d.store.CountDirMtimes()
	if err != nil {
		return nil, err
	}
	return &ScanStats{FileCount: files, DirCount: dirs}, nil
}

// isUnder reports whether p lies strictly below base.
func isUnder(base, p string) bool {
	if base == "/" {
		return p != "/"
	}
	return len(p) > len(base) && p[:len(base)] == base && p[len(base)] == '/'
}

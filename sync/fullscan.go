package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// ProgressFunc receives (entriesSeen, currentPath) once per directory
// visited during a full scan.
type ProgressFunc func(entries int, currentPath string)

// scanProgress tracks counters across concurrent scan branches and
// mirrors them into the persisted progress record.
type scanProgress struct {
	mu      gosync.Mutex
	store   *Store
	record  SyncProgress
	entries int
	files   int
	dirs    int
}

func (sp *scanProgress) dirVisited(dir string, children, subdirs int, cb ProgressFunc) {
	sp.mu.Lock()
	sp.dirs++
	sp.files += children - subdirs
	sp.entries += children
	sp.record.ProcessedCount = sp.dirs
	sp.record.CurrentPath = dir
	record := sp.record
	entries := sp.entries
	sp.mu.Unlock()

	if err := sp.store.SaveProgress(record); err != nil {
		sub("fullscan").Warn("progress save failed", "err", err)
	}
	if cb != nil {
		cb(entries, dir)
	}
}

func (sp *scanProgress) counts() (files, dirs int) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.files, sp.dirs
}

// FullScan clears the namespace and rebuilds it by recursive remote
// enumeration with bounded concurrency. Destructive; transport errors
// abort the scan but leave the progress record in place so a later
// invocation can show where scanning stopped.
func (d *Detector) FullScan(ctx context.Context, onProgress ProgressFunc) (*ScanStats, error) {
	l := sub("fullscan")
	start := nowFunc()
	l.Info("full scan starting", "base", d.baseDir, "concurrency", d.concurrency)

	if err := d.store.Clear(); err != nil {
		return nil, err
	}
	if err := d.store.ClearDirMtimes(); err != nil {
		return nil, err
	}

	prog := &scanProgress{
		store: d.store,
		record: SyncProgress{
			SessionID: uuid.NewString(),
			StartTime: nowMillis(),
			Phase:     PhaseScanning,
		},
	}
	if err := d.store.SaveProgress(prog.record); err != nil {
		l.Warn("progress save failed", "err", err)
	}

	if err := d.scanFull(ctx, d.baseDir, prog, onProgress); err != nil {
		l.Error("full scan aborted", "err", err)
		return nil, err
	}

	if err := d.store.ClearProgress(); err != nil {
		l.Warn("progress clear failed", "err", err)
	}
	files, dirs := prog.counts()
	l.Info("full scan complete", "files", files, "dirs", dirs, "elapsed", nowFunc().Sub(start))
	return &ScanStats{FileCount: files, DirCount: dirs}, nil
}

// scanFull enumerates one directory, batches its children into the file
// index, records its mtime, and recurses into subdirectories in chunks
// of the configured concurrency.
func (d *Detector) scanFull(ctx context.Context, dir string, prog *scanProgress, onProgress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	listing, err := d.remote.Propfind(ctx, dir, 1)
	if err != nil {
		if errors.Is(err, ErrRemoteNotFound) && dir != d.baseDir {
			// vanished between the parent's listing and ours
			sub("fullscan").Warn("directory vanished during scan", "path", dir)
			return nil
		}
		return fmt.Errorf("list %s: %w", dir, err)
	}
	self := listing[0]
	children := listing[1:]

	now := nowMillis()
	entries := make([]FileEntry, 0, len(children))
	var subdirs []string
	for _, st := range children {
		entries = append(entries, entryFromStat(st, now))
		if st.IsDir {
			subdirs = append(subdirs, st.Path)
		}
	}
	if err := d.store.BatchSet(entries); err != nil {
		return err
	}
	if err := d.store.SetDirMtime(DirMtimeEntry{
		Path:        dir,
		Mtime:       self.Mtime,
		LastChecked: now,
		ChildCount:  len(children),
	}); err != nil {
		return err
	}
	prog.dirVisited(dir, len(children), len(subdirs), onProgress)

	for _, chunk := range lo.Chunk(subdirs, d.concurrency) {
		g, gctx := errgroup.WithContext(ctx)
		for _, sd := range chunk {
			g.Go(func() error {
				return d.scanFull(gctx, sd, prog, onProgress)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

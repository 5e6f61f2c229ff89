package sync

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
)

// fakeRemote is an in-memory RemoteDirectory over a mutable tree with
// per-path call counters. Mutations propagate directory mtimes up to the
// root, modeling a server that honors mtime propagation.
type fakeRemote struct {
	mu        gosync.Mutex
	dirs      map[string]int64
	files     map[string]fakeFile
	failStat  map[string]error
	failList  map[string]error
	statCalls map[string]int
	listCalls map[string]int
}

type fakeFile struct {
	mtime int64
	size  int64
}

func newFakeRemote(base string, mtime int64) *fakeRemote {
	f := &fakeRemote{
		dirs:      map[string]int64{},
		files:     map[string]fakeFile{},
		failStat:  map[string]error{},
		failList:  map[string]error{},
		statCalls: map[string]int{},
		listCalls: map[string]int{},
	}
	f.dirs[NormalizePath(base)] = mtime
	return f
}

func (f *fakeRemote) touchUpLocked(p string, mtime int64) {
	for d := ParentDir(p); ; d = ParentDir(d) {
		if cur, ok := f.dirs[d]; ok && cur < mtime {
			f.dirs[d] = mtime
		}
		if d == "/" {
			break
		}
	}
}

func (f *fakeRemote) addDir(p string, mtime int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = NormalizePath(p)
	f.dirs[p] = mtime
	f.touchUpLocked(p, mtime)
}

func (f *fakeRemote) addFile(p string, mtime, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = NormalizePath(p)
	f.files[p] = fakeFile{mtime: mtime, size: size}
	f.touchUpLocked(p, mtime)
}

// modFile behaves like addFile; kept separate for test readability.
func (f *fakeRemote) modFile(p string, mtime, size int64) {
	f.addFile(p, mtime, size)
}

func (f *fakeRemote) rmFile(p string, now int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = NormalizePath(p)
	delete(f.files, p)
	f.touchUpLocked(p, now)
}

// rmDir removes the directory and everything below it.
func (f *fakeRemote) rmDir(p string, now int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = NormalizePath(p)
	for d := range f.dirs {
		if d == p || isUnder(p, d) {
			delete(f.dirs, d)
		}
	}
	for fp := range f.files {
		if fp == p || isUnder(p, fp) {
			delete(f.files, fp)
		}
	}
	f.touchUpLocked(p, now)
}

func (f *fakeRemote) Propfind(_ context.Context, p string, depth int) ([]StatModel, error) {
	p = NormalizePath(p)
	f.mu.Lock()
	defer f.mu.Unlock()

	if depth == 0 {
		f.statCalls[p]++
	} else {
		f.listCalls[p]++
	}
	if err, ok := f.failStat[p]; ok {
		return nil, err
	}
	if depth == 1 {
		if err, ok := f.failList[p]; ok {
			return nil, err
		}
	}

	if mt, ok := f.dirs[p]; ok {
		stats := []StatModel{{Path: p, Basename: Basename(p), IsDir: true, Mtime: mt}}
		if depth == 0 {
			return stats, nil
		}
		var children []string
		for d := range f.dirs {
			if ParentDir(d) == p && d != p {
				children = append(children, d)
			}
		}
		for fp := range f.files {
			if ParentDir(fp) == p {
				children = append(children, fp)
			}
		}
		sort.Strings(children)
		for _, c := range children {
			if mt, ok := f.dirs[c]; ok {
				stats = append(stats, StatModel{Path: c, Basename: Basename(c), IsDir: true, Mtime: mt})
				continue
			}
			ff := f.files[c]
			stats = append(stats, StatModel{Path: c, Basename: Basename(c), Mtime: ff.mtime, Size: ff.size})
		}
		return stats, nil
	}
	if ff, ok := f.files[p]; ok {
		return []StatModel{{Path: p, Basename: Basename(p), Mtime: ff.mtime, Size: ff.size}}, nil
	}
	return nil, fmt.Errorf("propfind %s: %w", p, ErrRemoteNotFound)
}

func (f *fakeRemote) totalStatCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.statCalls {
		n += c
	}
	return n
}

func (f *fakeRemote) totalListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.listCalls {
		n += c
	}
	return n
}

func (f *fakeRemote) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statCalls = map[string]int{}
	f.listCalls = map[string]int{}
}

// allPaths enumerates every path strictly under base, depth-first, the
// way a naive full enumeration would see the tree.
func (f *fakeRemote) allPaths(base string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	base = NormalizePath(base)
	var out []string
	for d := range f.dirs {
		if isUnder(base, d) {
			out = append(out, d)
		}
	}
	for fp := range f.files {
		if isUnder(base, fp) {
			out = append(out, fp)
		}
	}
	sort.Strings(out)
	return out
}

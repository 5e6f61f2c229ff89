package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/studio-b12/gowebdav"
)

// ErrRemoteNotFound reports that the target of a propfind does not exist
// on the remote. Match with errors.Is.
var ErrRemoteNotFound = errors.New("remote target not found")

// retryWait is the pause before retrying a service-unavailable response,
// replaceable in tests.
var retryWait = 60 * time.Second

// RemoteDirectory is the narrow capability the core consumes from the
// WebDAV transport. Depth 0 returns the resource itself as the single
// element; depth 1 returns the resource first, followed by its immediate
// children. Implementations normalize returned paths (leading '/', no
// trailing '/') and absorb transient transport errors internally.
type RemoteDirectory interface {
	Propfind(ctx context.Context, path string, depth int) ([]StatModel, error)
}

// DavRemote implements RemoteDirectory over a gowebdav client. A 503
// from the server is retried indefinitely after a fixed wait; all other
// transport errors surface to the caller.
type DavRemote struct {
	client *gowebdav.Client
}

// NewDavRemote wraps an already-configured gowebdav client. The client
// root must include the server's base path so that paths handed to
// Propfind are relative to the indexed tree's host root.
func NewDavRemote(client *gowebdav.Client) *DavRemote {
	return &DavRemote{client: client}
}

// Propfind issues a depth-0 or depth-1 PROPFIND for the given path.
func (r *DavRemote) Propfind(ctx context.Context, path string, depth int) ([]StatModel, error) {
	if depth != 0 && depth != 1 {
		return nil, fmt.Errorf("unsupported propfind depth %d", depth)
	}
	path = NormalizePath(path)

	var self os.FileInfo
	if err := r.withRetry(ctx, func() error {
		var err error
		self, err = r.client.Stat(path)
		return err
	}); err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil, fmt.Errorf("propfind %s: %w", path, ErrRemoteNotFound)
		}
		return nil, fmt.Errorf("propfind %s depth 0: %w", path, err)
	}
	stats := []StatModel{statFromInfo(path, self)}
	if depth == 0 {
		return stats, nil
	}

	var children []os.FileInfo
	if err := r.withRetry(ctx, func() error {
		var err error
		children, err = r.client.ReadDir(path)
		return err
	}); err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil, fmt.Errorf("propfind %s: %w", path, ErrRemoteNotFound)
		}
		return nil, fmt.Errorf("propfind %s depth 1: %w", path, err)
	}
	for _, fi := range children {
		name := DecodeHref(fi.Name())
		stats = append(stats, statFromInfo(JoinRemote(path, name), fi))
	}
	return stats, nil
}

// withRetry runs op, sleeping retryWait and retrying for as long as the
// server answers 503. Honors context cancellation between attempts.
func (r *DavRemote) withRetry(ctx context.Context, op func() error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op()
		if err == nil {
			return nil
		}
		if !gowebdav.IsErrCode(err, http.StatusServiceUnavailable) {
			return err
		}
		sub("remote").Warn("service unavailable, retrying", "wait", retryWait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryWait):
		}
	}
}

func statFromInfo(path string, fi os.FileInfo) StatModel {
	st := StatModel{
		Path:     path,
		Basename: Basename(path),
		IsDir:    fi.IsDir(),
		Mtime:    fi.ModTime().UnixMilli(),
	}
	if !st.IsDir {
		st.Size = fi.Size()
	}
	return st
}

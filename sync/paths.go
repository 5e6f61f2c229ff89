package sync

import (
	"crypto/sha1"
	"encoding/hex"
	"html"
	"net/url"
	"path"
	"strings"
)

// NormalizePath brings a remote path to the index convention: leading
// '/', no trailing '/' except for the root itself.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	if p == "." {
		return "/"
	}
	return p
}

// Basename returns the final segment of a normalized path.
func Basename(p string) string {
	if p == "/" {
		return "/"
	}
	return path.Base(p)
}

// ParentDir returns the normalized path of the containing directory.
// The root is its own parent.
func ParentDir(p string) string {
	if p == "/" {
		return "/"
	}
	return NormalizePath(path.Dir(p))
}

// JoinRemote joins a directory path and a child name into a normalized
// remote path.
func JoinRemote(dir, name string) string {
	return NormalizePath(path.Join(dir, name))
}

// RelativeTo strips the base directory prefix from a normalized path.
// It returns ("", false) when p is not the base or under it. A base of
// "/" is a no-op strip. The returned path has no leading slash; the base
// itself maps to "".
func RelativeTo(base, p string) (string, bool) {
	base = NormalizePath(base)
	p = NormalizePath(p)
	if base == "/" {
		return strings.TrimPrefix(p, "/"), true
	}
	if p == base {
		return "", true
	}
	if strings.HasPrefix(p, base+"/") {
		return p[len(base)+1:], true
	}
	return "", false
}

// DecodeHref turns a URL-encoded WebDAV href segment (or path) into a
// plain path string. Each segment is URL-decoded independently and then
// HTML entities are unescaped, matching how hrefs arrive on the wire.
// Segments that fail to decode are kept as-is.
func DecodeHref(href string) string {
	segs := strings.Split(href, "/")
	for i, s := range segs {
		if dec, err := url.PathUnescape(s); err == nil {
			s = dec
		}
		segs[i] = html.UnescapeString(s)
	}
	return strings.Join(segs, "/")
}

// DecodeEntities unescapes HTML entities in an already URL-decoded path.
func DecodeEntities(p string) string {
	return html.UnescapeString(p)
}

// DBKey derives the namespace identifier for one (vault, remote base
// dir) pair. The readable vault prefix keeps diagnostics greppable; the
// hash keeps the key stable regardless of characters in either input.
func DBKey(vaultName, remoteBaseDir string) string {
	sum := sha1.Sum([]byte(vaultName + "\x00" + NormalizePath(remoteBaseDir)))
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, vaultName)
	return sanitized + "_" + hex.EncodeToString(sum[:8])
}

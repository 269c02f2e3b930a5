// Package enumerator produces a lazy, deterministic, resumable
// sequence of candidate files from one or more storage roots.
//
// Traversal order is lexicographic by path component within each root,
// roots in configured order. For a fixed snapshot of storage the order
// is stable, so resuming from a cursor never re-yields a descriptor
// that was already yielded and never skips one that was not.
package enumerator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/djherbis/times"

	"pocketshield/logger"
)

// FileDescriptor identifies one candidate file. Cursor resumes
// enumeration immediately after this descriptor.
type FileDescriptor struct {
	Root       string
	Path       string
	Name       string
	Size       int64
	ModTime    time.Time
	AccessTime time.Time
	Cursor     string
}

// Options bound and seed an enumeration.
type Options struct {
	// MaxFiles caps the number of descriptors yielded; zero is unbounded.
	MaxFiles int
	// MaxFileSize skips larger files entirely; zero is unbounded.
	MaxFileSize int64
	// Cursor resumes after a previously yielded descriptor.
	Cursor string
	// OnError receives non-fatal enumeration errors (unreadable roots
	// or directories). Enumeration continues past them.
	OnError func(path string, err error)
}

// ErrStop may be returned by the walk callback to end enumeration
// early without error.
var ErrStop = errors.New("enumerator: stop")

var (
	errInvalidCursor = errors.New("enumerator: invalid cursor")
	errForeignCursor = errors.New("enumerator: cursor was issued for a different root set")
)

type Enumerator struct {
	roots    []string
	rootsSum uint64
	opts     Options
}

func New(roots []string, opts Options) *Enumerator {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		cleaned = append(cleaned, filepath.Clean(r))
	}
	return &Enumerator{
		roots:    cleaned,
		rootsSum: xxhash.Sum64String(strings.Join(cleaned, "\x00")),
		opts:     opts,
	}
}

// Walk yields descriptors in traversal order, honoring the resume
// cursor and the MaxFiles bound. ctx cancellation stops between
// entries.
func (e *Enumerator) Walk(ctx context.Context, fn func(FileDescriptor) error) error {
	startRoot := 0
	var afterRel []string
	if e.opts.Cursor != "" {
		idx, rel, err := e.decodeCursor(e.opts.Cursor)
		if err != nil {
			return err
		}
		if rel == nil {
			// The cursor marks a single-file root; resume at the next root.
			idx++
		}
		if idx >= len(e.roots) {
			return nil
		}
		startRoot = idx
		afterRel = rel
	}

	yielded := 0
	for i := startRoot; i < len(e.roots); i++ {
		root := e.roots[i]
		var after []string
		if i == startRoot {
			after = afterRel
		}
		err := e.walkRoot(ctx, i, root, after, &yielded, fn)
		if err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (e *Enumerator) walkRoot(ctx context.Context, rootIdx int, root string, after []string, yielded *int, fn func(FileDescriptor) error) error {
	info, err := os.Stat(root)
	if err != nil {
		e.reportError(root, err)
		return nil
	}
	if !info.IsDir() {
		// A root may name a single file (targeted scans).
		if after != nil {
			return nil
		}
		return e.yield(ctx, rootIdx, root, nil, info, yielded, fn)
	}
	return e.walkDir(ctx, rootIdx, root, nil, after, yielded, fn)
}

// walkDir descends dir (rel components relative to the root) in sorted
// entry order. after is the relative path of the last yielded
// descriptor, nil once traversal has moved past it.
func (e *Enumerator) walkDir(ctx context.Context, rootIdx int, root string, rel []string, after []string, yielded *int, fn func(FileDescriptor) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dir := filepath.Join(append([]string{root}, rel...)...)
	entries, err := os.ReadDir(dir)
	if err != nil {
		e.reportError(dir, err)
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		childRel := append(append([]string(nil), rel...), entry.Name())
		cmp := compareComponents(childRel, after)

		if entry.IsDir() {
			// Descend when the directory is past the cursor, or is an
			// ancestor of it (the remainder of its subtree is pending).
			if after == nil || cmp > 0 || isPrefix(childRel, after) {
				childAfter := after
				if after == nil || cmp > 0 {
					childAfter = nil
				}
				if err := e.walkDir(ctx, rootIdx, root, childRel, childAfter, yielded, fn); err != nil {
					return err
				}
			}
			continue
		}
		if after != nil && cmp <= 0 {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			e.reportError(filepath.Join(dir, entry.Name()), err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if e.opts.MaxFileSize > 0 && info.Size() > e.opts.MaxFileSize {
			logger.Debugf("Skipping oversized file %s (%d bytes)", filepath.Join(dir, entry.Name()), info.Size())
			continue
		}
		if err := e.yield(ctx, rootIdx, root, childRel, info, yielded, fn); err != nil {
			return err
		}
	}
	return nil
}

func (e *Enumerator) yield(ctx context.Context, rootIdx int, root string, rel []string, info os.FileInfo, yielded *int, fn func(FileDescriptor) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	path := filepath.Join(append([]string{root}, rel...)...)
	fd := FileDescriptor{
		Root:    root,
		Path:    path,
		Name:    info.Name(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Cursor:  e.encodeCursor(rootIdx, rel),
	}
	fd.AccessTime = times.Get(info).AccessTime()

	if err := fn(fd); err != nil {
		return err
	}
	*yielded++
	if e.opts.MaxFiles > 0 && *yielded >= e.opts.MaxFiles {
		return ErrStop
	}
	return nil
}

func (e *Enumerator) reportError(path string, err error) {
	logger.Warnf("Failed to access %s: %v", path, err)
	if e.opts.OnError != nil {
		e.opts.OnError(path, err)
	}
}

// compareComponents orders relative paths component-wise. Plain string
// comparison of joined paths would misorder siblings like "a.txt"
// against children of a sibling directory "a".
func compareComponents(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func isPrefix(prefix, full []string) bool {
	if len(prefix) >= len(full) {
		return false
	}
	for i := range prefix {
		if prefix[i] != full[i] {
			return false
		}
	}
	return true
}

const cursorVersion = "v2"

// Cursor tokens are opaque to callers: version, a fingerprint of the
// root set, the root index and the relative path of the last yielded
// file, guarded by a checksum. A truncated or hand-edited token is
// rejected instead of silently skipping work, and a token issued
// against a different root set is rejected instead of resuming into
// the wrong tree.
func (e *Enumerator) encodeCursor(rootIdx int, rel []string) string {
	body := fmt.Sprintf("%s|%016x|%d|%s", cursorVersion, e.rootsSum, rootIdx, strings.Join(rel, "/"))
	sum := xxhash.Sum64String(body)
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%s|%016x", body, sum)))
}

func (e *Enumerator) decodeCursor(token string) (rootIdx int, rel []string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, nil, errInvalidCursor
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 5 || parts[0] != cursorVersion {
		return 0, nil, errInvalidCursor
	}
	body := strings.Join(parts[:4], "|")
	var sum uint64
	if _, err := fmt.Sscanf(parts[4], "%x", &sum); err != nil || sum != xxhash.Sum64String(body) {
		return 0, nil, errInvalidCursor
	}
	var rootsSum uint64
	if _, err := fmt.Sscanf(parts[1], "%x", &rootsSum); err != nil {
		return 0, nil, errInvalidCursor
	}
	if rootsSum != e.rootsSum {
		return 0, nil, errForeignCursor
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &rootIdx); err != nil || rootIdx < 0 {
		return 0, nil, errInvalidCursor
	}
	if parts[3] == "" {
		return rootIdx, nil, nil
	}
	return rootIdx, strings.Split(parts[3], "/"), nil
}

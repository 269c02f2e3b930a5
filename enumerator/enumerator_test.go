package enumerator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"pocketshield/logger"
)

func init() {
	logger.Init("error")
}

func buildTree(t *testing.T, paths []string) string {
	t.Helper()
	root := t.TempDir()
	for _, p := range paths {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte("content of "+p), 0600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

func collect(t *testing.T, e *Enumerator) []FileDescriptor {
	t.Helper()
	var out []FileDescriptor
	err := e.Walk(context.Background(), func(fd FileDescriptor) error {
		out = append(out, fd)
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return out
}

func TestWalkDeterministicOrder(t *testing.T) {
	root := buildTree(t, []string{"b.txt", "a/z.bin", "a/a.bin", "a.txt", "c/d/e.dat"})

	first := collect(t, New([]string{root}, Options{}))
	second := collect(t, New([]string{root}, Options{}))

	if len(first) != 5 {
		t.Fatalf("want 5 files, got %d", len(first))
	}
	for i := range first {
		if first[i].Path != second[i].Path {
			t.Errorf("order not deterministic at %d: %s vs %s", i, first[i].Path, second[i].Path)
		}
	}
	// Component-wise lexicographic: a/ descends before sibling a.txt.
	if filepath.Base(first[0].Path) != "a.bin" {
		t.Errorf("first yielded %s, want a/a.bin", first[0].Path)
	}
}

func TestResumeNoDuplicatesNoGaps(t *testing.T) {
	root := buildTree(t, []string{
		"a/1.txt", "a/2.txt", "a.txt", "b/c/deep.txt", "b/x.txt", "top.txt",
	})
	all := collect(t, New([]string{root}, Options{}))
	if len(all) != 6 {
		t.Fatalf("want 6 files, got %d", len(all))
	}

	// Resume from every possible cursor position and verify the
	// remainder is exactly the unseen suffix.
	for i, fd := range all {
		rest := collect(t, New([]string{root}, Options{Cursor: fd.Cursor}))
		want := all[i+1:]
		if len(rest) != len(want) {
			t.Fatalf("resume after %s: got %d descriptors, want %d", fd.Path, len(rest), len(want))
		}
		for j := range want {
			if rest[j].Path != want[j].Path {
				t.Errorf("resume after %s: position %d is %s, want %s", fd.Path, j, rest[j].Path, want[j].Path)
			}
		}
	}
}

func TestResumeAcrossRoots(t *testing.T) {
	rootA := buildTree(t, []string{"one.txt", "two.txt"})
	rootB := buildTree(t, []string{"three.txt"})

	all := collect(t, New([]string{rootA, rootB}, Options{}))
	if len(all) != 3 {
		t.Fatalf("want 3 files, got %d", len(all))
	}

	rest := collect(t, New([]string{rootA, rootB}, Options{Cursor: all[1].Cursor}))
	if len(rest) != 1 || filepath.Base(rest[0].Path) != "three.txt" {
		t.Fatalf("resume should yield only the second root's file, got %v", rest)
	}
}

func TestMaxFilesBound(t *testing.T) {
	paths := make([]string, 20)
	for i := range paths {
		paths[i] = filepath.Join("d", string(rune('a'+i))+".txt")
	}
	root := buildTree(t, paths)

	got := collect(t, New([]string{root}, Options{MaxFiles: 5}))
	if len(got) != 5 {
		t.Fatalf("max files: got %d, want 5", len(got))
	}
}

func TestMaxFileSizeSkips(t *testing.T) {
	root := buildTree(t, []string{"small.txt"})
	big := filepath.Join(root, "big.bin")
	if err := os.WriteFile(big, make([]byte, 4096), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := collect(t, New([]string{root}, Options{MaxFileSize: 1024}))
	if len(got) != 1 || got[0].Name != "small.txt" {
		t.Fatalf("oversized file should be skipped, got %v", got)
	}
}

func TestUnreadableRootNonFatal(t *testing.T) {
	good := buildTree(t, []string{"ok.txt"})
	var reported []string
	e := New([]string{filepath.Join(good, "does-not-exist"), good}, Options{
		OnError: func(path string, err error) { reported = append(reported, path) },
	})
	got := collect(t, e)
	if len(got) != 1 {
		t.Fatalf("good root should still be enumerated, got %d files", len(got))
	}
	if len(reported) != 1 {
		t.Errorf("unreadable root should be reported, got %v", reported)
	}
}

func TestSingleFileRoot(t *testing.T) {
	root := buildTree(t, []string{"only.txt"})
	file := filepath.Join(root, "only.txt")

	got := collect(t, New([]string{file}, Options{}))
	if len(got) != 1 || got[0].Path != file {
		t.Fatalf("file root should yield itself, got %v", got)
	}

	rest := collect(t, New([]string{file}, Options{Cursor: got[0].Cursor}))
	if len(rest) != 0 {
		t.Fatalf("resume after a file root should yield nothing, got %v", rest)
	}
}

func TestCursorBoundToRootSet(t *testing.T) {
	rootA := buildTree(t, []string{"a.txt", "b.txt"})
	rootB := buildTree(t, []string{"a.txt", "b.txt"})

	got := collect(t, New([]string{rootA}, Options{}))
	err := New([]string{rootB}, Options{Cursor: got[0].Cursor}).Walk(context.Background(), func(FileDescriptor) error { return nil })
	if err == nil {
		t.Fatal("cursor issued for another root set should be rejected")
	}

	// The same roots in a different order are a different enumeration.
	err = New([]string{rootB, rootA}, Options{Cursor: got[0].Cursor}).Walk(context.Background(), func(FileDescriptor) error { return nil })
	if err == nil {
		t.Fatal("cursor should not decode against reordered roots")
	}
}

func TestCursorTamperRejected(t *testing.T) {
	root := buildTree(t, []string{"a.txt"})
	got := collect(t, New([]string{root}, Options{}))

	bad := got[0].Cursor[:len(got[0].Cursor)-2] + "zz"
	err := New([]string{root}, Options{Cursor: bad}).Walk(context.Background(), func(FileDescriptor) error { return nil })
	if err == nil {
		t.Fatal("tampered cursor should be rejected")
	}
}

func TestWalkHonorsContext(t *testing.T) {
	root := buildTree(t, []string{"a.txt", "b.txt"})
	ctx, cancel := context.WithCancel(context.Background())
	var seen int
	err := New([]string{root}, Options{}).Walk(ctx, func(FileDescriptor) error {
		seen++
		cancel()
		return nil
	})
	if err == nil {
		t.Fatal("expected context error")
	}
	if seen != 1 {
		t.Errorf("should stop promptly after cancel, saw %d", seen)
	}
}

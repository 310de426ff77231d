package vfs

import "testing"

func resetMounts() {
	mounts = nil
}

func TestMountLongestPrefixMatch(t *testing.T) {
	resetMounts()

	root := NewRAMFS()
	a := NewRAMFS()
	ab := NewRAMFS()

	if err := Mount("/", root, nil); err != nil {
		t.Fatalf("mount /: %v", err)
	}
	if err := Mount("/a", a, nil); err != nil {
		t.Fatalf("mount /a: %v", err)
	}
	if err := Mount("/a/b", ab, nil); err != nil {
		t.Fatalf("mount /a/b: %v", err)
	}

	d, local, err := Resolve("/a/b/c")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d != ab {
		t.Fatalf("expected /a/b/c to resolve through the /a/b mount")
	}
	if local != "/c" {
		t.Fatalf("expected local path /c, got %q", local)
	}
}

func TestMountDuplicateRejected(t *testing.T) {
	resetMounts()
	Mount("/", NewRAMFS(), nil)
	if err := Mount("/", NewRAMFS(), nil); err == nil {
		t.Fatalf("expected a duplicate mount at the same prefix to fail")
	}
}

func TestResolveWithNoMountFails(t *testing.T) {
	resetMounts()
	if _, _, err := Resolve("/nowhere"); err == nil {
		t.Fatalf("expected Resolve to fail with an empty mount table")
	}
}

func TestReadWriteThroughTopLevelHelpers(t *testing.T) {
	resetMounts()
	fs := NewRAMFS()
	Mount("/", fs, nil)
	CreateFile("/hello")

	if _, err := Write("/hello", []byte("hi"), 2); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 8)
	n, err := Read("/hello", buf, len(buf))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("got %q, want hi", buf[:n])
	}
}

func TestUnmountRemovesBinding(t *testing.T) {
	resetMounts()
	Mount("/", NewRAMFS(), nil)
	Unmount("/")
	if _, _, err := Resolve("/x"); err == nil {
		t.Fatalf("expected Resolve to fail once the mount is removed")
	}
}

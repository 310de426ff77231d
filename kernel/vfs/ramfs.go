package vfs

import (
	"strings"

	"voidframe/kernel"
	"voidframe/kernel/block"
)

// RAMFS is the in-memory filesystem backend (spec.md §3 FsNode, §4.8 "RAM
// backend"). Per the "pointer graphs -> arenas + indices" design note, the
// C original's parent/child/sibling pointers become indices into a single
// slab (nodes); deletion returns a freed slot to freeNodes instead of
// calling a C-style free(). File content itself is an ordinary Go []byte —
// the slab discipline exists to model the *structural* pointer graph safely,
// not because byte content needs arena management the GC doesn't already
// give us for free.
type RAMFS struct {
	nodes     []fsNode
	freeNodes []int
}

const noNode = -1

type fsNode struct {
	inUse bool
	name  string
	isDir bool
	data  []byte

	parent      int
	firstChild  int
	lastChild   int
	prevSibling int
	nextSibling int
}

var (
	errNotFound        = &kernel.Error{Module: "vfs/ramfs", Message: "path not found"}
	errAlreadyExists   = &kernel.Error{Module: "vfs/ramfs", Message: "a file or directory with that name already exists"}
	errNotADirectory   = &kernel.Error{Module: "vfs/ramfs", Message: "path component is not a directory"}
	errDirNotEmpty     = &kernel.Error{Module: "vfs/ramfs", Message: "directory is not empty (use recursive delete)"}
	errRootUndeletable = &kernel.Error{Module: "vfs/ramfs", Message: "the mount root cannot be deleted"}
)

// NewRAMFS constructs an empty RAM filesystem with a root directory at
// index 0. It does not need Mount to be called before use (Mount is a no-op
// for this backend beyond existing to satisfy Driver, since RAM content has
// no underlying block device).
func NewRAMFS() *RAMFS {
	fs := &RAMFS{}
	fs.nodes = append(fs.nodes, fsNode{
		inUse: true, name: "/", isDir: true,
		parent: noNode, firstChild: noNode, lastChild: noNode,
		prevSibling: noNode, nextSibling: noNode,
	})
	return fs
}

// Mount satisfies vfs.Driver. RAMFS keeps no backing device.
func (fs *RAMFS) Mount(dev block.Device, mountPoint string) *kernel.Error {
	return nil
}

func (fs *RAMFS) alloc() int {
	if n := len(fs.freeNodes); n > 0 {
		idx := fs.freeNodes[n-1]
		fs.freeNodes = fs.freeNodes[:n-1]
		return idx
	}
	fs.nodes = append(fs.nodes, fsNode{})
	return len(fs.nodes) - 1
}

func (fs *RAMFS) free(idx int) {
	fs.nodes[idx] = fsNode{}
	fs.freeNodes = append(fs.freeNodes, idx)
}

func splitPath(path string) []string {
	var out []string
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
			continue
		default:
			out = append(out, part)
		}
	}
	return out
}

// find resolves path to a node index, honoring "." and ".." components
// component by component starting at the root (index 0).
func (fs *RAMFS) find(path string) (int, bool) {
	cur := 0
	for _, comp := range splitPath(path) {
		if comp == ".." {
			if fs.nodes[cur].parent != noNode {
				cur = fs.nodes[cur].parent
			}
			continue
		}
		if !fs.nodes[cur].isDir {
			return 0, false
		}
		child, ok := fs.childNamed(cur, comp)
		if !ok {
			return 0, false
		}
		cur = child
	}
	return cur, true
}

func (fs *RAMFS) childNamed(dir int, name string) (int, bool) {
	for c := fs.nodes[dir].firstChild; c != noNode; c = fs.nodes[c].nextSibling {
		if fs.nodes[c].name == name {
			return c, true
		}
	}
	return 0, false
}

// findParent resolves every path component but the last, returning the
// parent directory index and the final component's name.
func (fs *RAMFS) findParent(path string) (parent int, name string, ok bool) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return 0, "", false
	}
	dirPath := "/" + strings.Join(comps[:len(comps)-1], "/")
	idx, found := fs.find(dirPath)
	if !found || !fs.nodes[idx].isDir {
		return 0, "", false
	}
	return idx, comps[len(comps)-1], true
}

// appendChild links a freshly allocated node as the new last child of dir in
// O(1), per spec.md §3's "last-child pointer (for O(1) append)".
func (fs *RAMFS) appendChild(dir, child int) {
	fs.nodes[child].parent = dir
	fs.nodes[child].prevSibling = fs.nodes[dir].lastChild
	fs.nodes[child].nextSibling = noNode

	if fs.nodes[dir].lastChild != noNode {
		fs.nodes[fs.nodes[dir].lastChild].nextSibling = child
	} else {
		fs.nodes[dir].firstChild = child
	}
	fs.nodes[dir].lastChild = child
}

func (fs *RAMFS) unlinkChild(child int) {
	n := &fs.nodes[child]
	dir := n.parent
	if n.prevSibling != noNode {
		fs.nodes[n.prevSibling].nextSibling = n.nextSibling
	} else if dir != noNode {
		fs.nodes[dir].firstChild = n.nextSibling
	}
	if n.nextSibling != noNode {
		fs.nodes[n.nextSibling].prevSibling = n.prevSibling
	} else if dir != noNode {
		fs.nodes[dir].lastChild = n.prevSibling
	}
}

// CreateFile creates an empty file at path (spec.md §4.8 create_file).
func (fs *RAMFS) CreateFile(path string) *kernel.Error {
	return fs.create(path, false)
}

// CreateDir creates an empty directory at path (spec.md §4.8 create_dir).
func (fs *RAMFS) CreateDir(path string) *kernel.Error {
	return fs.create(path, true)
}

func (fs *RAMFS) create(path string, isDir bool) *kernel.Error {
	parent, name, ok := fs.findParent(path)
	if !ok {
		return errNotADirectory
	}
	if _, exists := fs.childNamed(parent, name); exists {
		return errAlreadyExists
	}

	idx := fs.alloc()
	fs.nodes[idx] = fsNode{
		inUse: true, name: name, isDir: isDir,
		firstChild: noNode, lastChild: noNode,
		prevSibling: noNode, nextSibling: noNode,
	}
	fs.appendChild(parent, idx)
	return nil
}

// Read copies up to max bytes of path's content into buf, starting at
// offset 0 (seek state lives one layer up, in the per-descriptor OpenFile
// the syscall layer maintains).
func (fs *RAMFS) Read(path string, buf []byte, max int) (int, *kernel.Error) {
	idx, ok := fs.find(path)
	if !ok {
		return 0, errNotFound
	}
	if fs.nodes[idx].isDir {
		return 0, errNotADirectory
	}
	n := copy(buf[:min(max, len(buf))], fs.nodes[idx].data)
	return n, nil
}

// Write replaces path's content with the first length bytes of buf, growing
// the backing slice as needed (spec.md §4.8 "Write may grow data via heap
// realloc" — here, ordinary Go slice growth).
func (fs *RAMFS) Write(path string, buf []byte, length int) (int, *kernel.Error) {
	idx, ok := fs.find(path)
	if !ok {
		return 0, errNotFound
	}
	if fs.nodes[idx].isDir {
		return 0, errNotADirectory
	}
	if length > len(buf) {
		length = len(buf)
	}
	data := make([]byte, length)
	copy(data, buf[:length])
	fs.nodes[idx].data = data
	return length, nil
}

// ListDir returns every direct child of path.
func (fs *RAMFS) ListDir(path string) ([]DirEntry, *kernel.Error) {
	idx, ok := fs.find(path)
	if !ok {
		return nil, errNotFound
	}
	if !fs.nodes[idx].isDir {
		return nil, errNotADirectory
	}
	var out []DirEntry
	for c := fs.nodes[idx].firstChild; c != noNode; c = fs.nodes[c].nextSibling {
		out = append(out, DirEntry{
			Name:  fs.nodes[c].name,
			IsDir: fs.nodes[c].isDir,
			Size:  int64(len(fs.nodes[c].data)),
		})
	}
	return out, nil
}

// IsDir reports whether path resolves to a directory.
func (fs *RAMFS) IsDir(path string) bool {
	idx, ok := fs.find(path)
	return ok && fs.nodes[idx].isDir
}

// Size returns the byte length of path's content (0 for directories).
func (fs *RAMFS) Size(path string) (int64, *kernel.Error) {
	idx, ok := fs.find(path)
	if !ok {
		return 0, errNotFound
	}
	return int64(len(fs.nodes[idx].data)), nil
}

// Delete removes path. A non-empty directory requires recursive=true
// (spec.md §4.8 "Delete refuses non-empty directories unless recursive");
// a recursive delete walks the subtree post-order, freeing each node back
// to the slab's free list.
func (fs *RAMFS) Delete(path string, recursive bool) *kernel.Error {
	idx, ok := fs.find(path)
	if !ok {
		return errNotFound
	}
	if idx == 0 {
		return errRootUndeletable
	}
	if fs.nodes[idx].isDir && fs.nodes[idx].firstChild != noNode && !recursive {
		return errDirNotEmpty
	}

	fs.unlinkChild(idx)
	fs.deleteSubtree(idx)
	return nil
}

// deleteSubtree frees idx and, if it is a directory, every descendant,
// post-order (children before the parent that held them).
func (fs *RAMFS) deleteSubtree(idx int) {
	for c := fs.nodes[idx].firstChild; c != noNode; {
		next := fs.nodes[c].nextSibling
		fs.deleteSubtree(c)
		c = next
	}
	fs.free(idx)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Package vfs implements the virtual filesystem layer (spec.md §4.8): the
// mount table and longest-prefix path resolver, the pluggable filesystem
// driver interface, and the per-file-descriptor state syscalls build on top
// of it. Concrete backends (RAM, FAT12, read-only ISO9660, the opaque
// ext2/NTFS drivers, devfs, procfs) live in sibling files in this package.
//
// No teacher analog exists (gopheros never built a filesystem layer); the
// mount-table/driver-interface split is grounded in idiom on kernel/block's
// registry (a name/prefix-keyed map behind a single lock) and on
// kernel.Error's typed-error convention used throughout this tree.
package vfs

import (
	"strings"

	"voidframe/kernel"
	"voidframe/kernel/block"
	"voidframe/kernel/sync"
)

// DirEntry is one entry returned by a driver's ListDir.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Driver is the capability set every filesystem backend implements
// (spec.md §4.8). Paths passed to a driver are already resolved to the
// backend's own local-path space (the mount prefix stripped). Drivers must
// be reentrant at the function level; any per-device serialization they
// need is internal to the driver.
type Driver interface {
	Mount(dev block.Device, mountPoint string) *kernel.Error
	Read(path string, buf []byte, max int) (int, *kernel.Error)
	Write(path string, buf []byte, length int) (int, *kernel.Error)
	ListDir(path string) ([]DirEntry, *kernel.Error)
	IsDir(path string) bool
	CreateFile(path string) *kernel.Error
	CreateDir(path string) *kernel.Error
	Delete(path string, recursive bool) *kernel.Error
	Size(path string) (int64, *kernel.Error)
}

var (
	errNoMount       = &kernel.Error{Module: "vfs", Message: "no filesystem mounted at or above this path"}
	errMountExists   = &kernel.Error{Module: "vfs", Message: "a mount already exists at this path"}
	errNotAbsolute   = &kernel.Error{Module: "vfs", Message: "path must be absolute"}

	lock  sync.IRQLock
	mounts []mountEntry
)

type mountEntry struct {
	prefix string
	driver Driver
	device block.Device
}

// Mount binds prefix to driver/dev, calling the driver's own Mount hook
// first so it can validate the device (boot-sector signature checks,
// superblock reads) before the binding is published (spec.md §3 Mount
// invariant: "the mount table has a unique longest-prefix match for every
// path").
func Mount(prefix string, driver Driver, dev block.Device) *kernel.Error {
	if !strings.HasPrefix(prefix, "/") {
		return errNotAbsolute
	}
	prefix = normalizeMountPoint(prefix)

	lock.Acquire()
	for _, m := range mounts {
		if m.prefix == prefix {
			lock.Release()
			return errMountExists
		}
	}
	lock.Release()

	if err := driver.Mount(dev, prefix); err != nil {
		return err
	}

	lock.Acquire()
	defer lock.Release()
	mounts = append(mounts, mountEntry{prefix: prefix, driver: driver, device: dev})
	return nil
}

// Unmount removes the binding at prefix, if any.
func Unmount(prefix string) {
	prefix = normalizeMountPoint(prefix)
	lock.Acquire()
	defer lock.Release()
	for i, m := range mounts {
		if m.prefix == prefix {
			mounts = append(mounts[:i], mounts[i+1:]...)
			return
		}
	}
}

func normalizeMountPoint(p string) string {
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return strings.TrimRight(p, "/")
	}
	return p
}

// Resolve performs longest-prefix match against the mount table, returning
// the owning driver and the local path the driver should see (the matched
// prefix stripped, always starting with "/").
func Resolve(path string) (driver Driver, localPath string, err *kernel.Error) {
	if !strings.HasPrefix(path, "/") {
		return nil, "", errNotAbsolute
	}

	lock.Acquire()
	defer lock.Release()

	var best *mountEntry
	for i := range mounts {
		m := &mounts[i]
		if m.prefix == "/" {
			if best == nil {
				best = m
			}
			continue
		}
		if path == m.prefix || strings.HasPrefix(path, m.prefix+"/") {
			if best == nil || len(m.prefix) > len(best.prefix) {
				best = m
			}
		}
	}
	if best == nil {
		return nil, "", errNoMount
	}

	local := strings.TrimPrefix(path, best.prefix)
	if best.prefix == "/" {
		local = path
	}
	if local == "" {
		local = "/"
	}
	return best.driver, local, nil
}

// Read resolves path and forwards to its driver's Read.
func Read(path string, buf []byte, max int) (int, *kernel.Error) {
	d, local, err := Resolve(path)
	if err != nil {
		return 0, err
	}
	return d.Read(local, buf, max)
}

// Write resolves path and forwards to its driver's Write.
func Write(path string, buf []byte, length int) (int, *kernel.Error) {
	d, local, err := Resolve(path)
	if err != nil {
		return 0, err
	}
	return d.Write(local, buf, length)
}

// ListDir resolves path and forwards to its driver's ListDir.
func ListDir(path string) ([]DirEntry, *kernel.Error) {
	d, local, err := Resolve(path)
	if err != nil {
		return nil, err
	}
	return d.ListDir(local)
}

// IsDir resolves path and forwards to its driver's IsDir, reporting false
// if no mount covers path at all.
func IsDir(path string) bool {
	d, local, err := Resolve(path)
	if err != nil {
		return false
	}
	return d.IsDir(local)
}

// CreateFile resolves path and forwards to its driver's CreateFile.
func CreateFile(path string) *kernel.Error {
	d, local, err := Resolve(path)
	if err != nil {
		return err
	}
	return d.CreateFile(local)
}

// CreateDir resolves path and forwards to its driver's CreateDir.
func CreateDir(path string) *kernel.Error {
	d, local, err := Resolve(path)
	if err != nil {
		return err
	}
	return d.CreateDir(local)
}

// Delete resolves path and forwards to its driver's Delete.
func Delete(path string, recursive bool) *kernel.Error {
	d, local, err := Resolve(path)
	if err != nil {
		return err
	}
	return d.Delete(local, recursive)
}

// Size resolves path and forwards to its driver's Size.
func Size(path string) (int64, *kernel.Error) {
	d, local, err := Resolve(path)
	if err != nil {
		return 0, err
	}
	return d.Size(local)
}

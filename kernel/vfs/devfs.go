package vfs

import (
	"voidframe/kernel"
	"voidframe/kernel/block"
	"voidframe/kernel/sync"
)

// CharDevice is the capability set a character device registers with devfs
// (spec.md §4.8's devfs: "exposes registered character devices under
// /dev"). Actual drivers (console, keyboard, a future serial port) are out
// of scope for this design the same way PCI/AHCI enumeration is; devfs only
// needs somewhere to route Read/Write once a driver registers itself.
type CharDevice interface {
	Name() string
	Read(buf []byte, max int) (int, *kernel.Error)
	Write(buf []byte, length int) (int, *kernel.Error)
}

var (
	devLock     sync.IRQLock
	devRegistry = map[string]CharDevice{}

	errDevAlreadyExists = &kernel.Error{Module: "vfs/devfs", Message: "character device name already registered"}
)

// RegisterCharDevice publishes dev under /dev/<dev.Name()>.
func RegisterCharDevice(dev CharDevice) *kernel.Error {
	devLock.Acquire()
	defer devLock.Release()
	if _, exists := devRegistry[dev.Name()]; exists {
		return errDevAlreadyExists
	}
	devRegistry[dev.Name()] = dev
	return nil
}

// UnregisterCharDevice removes a previously registered device. A no-op if
// name isn't registered.
func UnregisterCharDevice(name string) {
	devLock.Acquire()
	defer devLock.Release()
	delete(devRegistry, name)
}

// DevFS is the devfs driver: a flat, synthetic directory of registered
// character devices. It never touches a backing block.Device; Mount accepts
// whatever it is handed (typically nil) purely to satisfy the Driver
// interface's shape.
type DevFS struct{}

// Mount ignores dev; devfs has no backing block device, only the registry
// populated by RegisterCharDevice. Mount("/dev", &DevFS{}, nil) is the
// expected call shape.
func (d *DevFS) Mount(dev block.Device, mountPoint string) *kernel.Error {
	return nil
}

func (d *DevFS) Read(path string, buf []byte, max int) (int, *kernel.Error) {
	dev, ok := d.lookup(path)
	if !ok {
		return 0, errNotFound
	}
	return dev.Read(buf, max)
}

func (d *DevFS) Write(path string, buf []byte, length int) (int, *kernel.Error) {
	dev, ok := d.lookup(path)
	if !ok {
		return 0, errNotFound
	}
	return dev.Write(buf, length)
}

func (d *DevFS) lookup(path string) (CharDevice, bool) {
	name := path
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	devLock.Acquire()
	defer devLock.Release()
	dev, ok := devRegistry[name]
	return dev, ok
}

func (d *DevFS) ListDir(path string) ([]DirEntry, *kernel.Error) {
	if path != "/" {
		return nil, errNotADirectory
	}
	devLock.Acquire()
	defer devLock.Release()
	out := make([]DirEntry, 0, len(devRegistry))
	for name := range devRegistry {
		out = append(out, DirEntry{Name: name, IsDir: false})
	}
	return out, nil
}

func (d *DevFS) IsDir(path string) bool { return path == "/" }

func (d *DevFS) CreateFile(path string) *kernel.Error             { return errUnsupportedOnBackend }
func (d *DevFS) CreateDir(path string) *kernel.Error              { return errUnsupportedOnBackend }
func (d *DevFS) Delete(path string, recursive bool) *kernel.Error { return errUnsupportedOnBackend }
func (d *DevFS) Size(path string) (int64, *kernel.Error)          { return 0, errUnsupportedOnBackend }

package vfs

import (
	"voidframe/kernel"
	"voidframe/kernel/block"
)

// errUnsupportedOnBackend is returned by the opaque ext2/NTFS drivers for
// every operation beyond Mount's own validation. spec.md §4.8 explicitly
// scopes these two formats' on-disk layouts as "format-specified and out of
// scope for this design; the VFS treats them as opaque" — these types exist
// so the mount table, path resolver and Driver interface all have a real
// implementation to dispatch to, without this repository inventing ext2 or
// NTFS inode/MFT-record parsing that spec.md never asked for.
var errUnsupportedOnBackend = &kernel.Error{Module: "vfs", Message: "operation not implemented for this opaque backend"}

var errReadOnlyFS = &kernel.Error{Module: "vfs", Message: "filesystem is mounted read-only"}

// Ext2 is a mount-validating stub for the ext2 backend (spec.md §4.8
// "ext2 ... mounts a block device read-write"). Mount confirms the
// superblock magic so a misconfigured mount fails fast; every other
// operation reports errUnsupportedOnBackend, matching the opaque-on-disk-
// layout framing in spec.md.
type Ext2 struct {
	dev       block.Device
	blockSize uint32
}

const (
	ext2SuperblockOffset = 1024
	ext2MagicOffset      = 56
	ext2Magic            = 0xEF53
)

var errExt2BadMagic = &kernel.Error{Module: "vfs/ext2", Message: "not an ext2 filesystem (bad superblock magic)"}

func (e *Ext2) Mount(dev block.Device, mountPoint string) *kernel.Error {
	sb := make([]byte, 1024)
	sectorsPerRead := uint32(1024) / dev.SectorSize()
	if sectorsPerRead == 0 {
		sectorsPerRead = 1
	}
	startLBA := uint64(ext2SuperblockOffset) / uint64(dev.SectorSize())
	if err := dev.Read(startLBA, sectorsPerRead, sb); err != nil {
		return err
	}
	magic := uint16(sb[ext2MagicOffset]) | uint16(sb[ext2MagicOffset+1])<<8
	if magic != ext2Magic {
		return errExt2BadMagic
	}
	logBlockSize := le32(sb, 24)
	e.dev = dev
	e.blockSize = 1024 << logBlockSize
	return nil
}

func (e *Ext2) Read(path string, buf []byte, max int) (int, *kernel.Error)  { return 0, errUnsupportedOnBackend }
func (e *Ext2) Write(path string, buf []byte, length int) (int, *kernel.Error) { return 0, errUnsupportedOnBackend }
func (e *Ext2) ListDir(path string) ([]DirEntry, *kernel.Error)            { return nil, errUnsupportedOnBackend }
func (e *Ext2) IsDir(path string) bool                                    { return false }
func (e *Ext2) CreateFile(path string) *kernel.Error                      { return errUnsupportedOnBackend }
func (e *Ext2) CreateDir(path string) *kernel.Error                       { return errUnsupportedOnBackend }
func (e *Ext2) Delete(path string, recursive bool) *kernel.Error          { return errUnsupportedOnBackend }
func (e *Ext2) Size(path string) (int64, *kernel.Error)                   { return 0, errUnsupportedOnBackend }

// NTFS is a mount-validating stub for the NTFS backend, mirroring Ext2's
// shape (spec.md §4.8 "NTFS ... mounts a block device read-write").
type NTFS struct {
	dev        block.Device
	bytesPerSector uint16
}

var errNTFSBadSignature = &kernel.Error{Module: "vfs/ntfs", Message: "not an NTFS filesystem (bad OEM signature)"}

func (n *NTFS) Mount(dev block.Device, mountPoint string) *kernel.Error {
	boot := make([]byte, dev.SectorSize())
	if err := dev.Read(0, 1, boot); err != nil {
		return err
	}
	if string(boot[3:11]) != "NTFS    " {
		return errNTFSBadSignature
	}
	n.dev = dev
	n.bytesPerSector = le16(boot, 11)
	return nil
}

func (n *NTFS) Read(path string, buf []byte, max int) (int, *kernel.Error)  { return 0, errUnsupportedOnBackend }
func (n *NTFS) Write(path string, buf []byte, length int) (int, *kernel.Error) { return 0, errUnsupportedOnBackend }
func (n *NTFS) ListDir(path string) ([]DirEntry, *kernel.Error)            { return nil, errUnsupportedOnBackend }
func (n *NTFS) IsDir(path string) bool                                    { return false }
func (n *NTFS) CreateFile(path string) *kernel.Error                      { return errUnsupportedOnBackend }
func (n *NTFS) CreateDir(path string) *kernel.Error                       { return errUnsupportedOnBackend }
func (n *NTFS) Delete(path string, recursive bool) *kernel.Error          { return errUnsupportedOnBackend }
func (n *NTFS) Size(path string) (int64, *kernel.Error)                   { return 0, errUnsupportedOnBackend }

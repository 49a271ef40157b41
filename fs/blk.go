// Package fs implements the journaled on-disk file system and its
// copy-on-write snapshot support: block cache, write-ahead log, bitmap
// allocator, inodes with direct and single-indirect addressing,
// directories, and path resolution.
package fs

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

const (
	BSIZE = 512

	FSSIZE  = 2000
	NINODES = 200
	LOGSIZE = 72 // journal data slots; one head block precedes them

	ROOTINO = 1

	NDIRECT   = 12
	NINDIRECT = BSIZE / 4
	MAXFILE   = NDIRECT + NINDIRECT

	DIRSIZ = 14

	// on-disk sizes
	isize   = 64
	IPB     = BSIZE / isize
	BPB     = BSIZE * 8
	desize  = 16
	nmeta   = 2 + (LOGSIZE + 1) + NINODES/IPB + FSSIZE/BPB + 1
	NBLOCKS = FSSIZE - nmeta
	SSMAP   = NBLOCKS / 8
)

// inode types
const (
	T_DIR  = 1
	T_FILE = 2
	T_DEV  = 3
)

type Blkdata_t [BSIZE]uint8

// Disk_i is the raw block device under the cache and log.
type Disk_i interface {
	Bread(blkno int, d *Blkdata_t) error
	Bwrite(blkno int, d *Blkdata_t) error
	Sync() error
}

// Bdev_block_t is one cached disk block. The embedded mutex is the block's
// sleep-lock; refcnt and valid belong to the cache.
type Bdev_block_t struct {
	sync.Mutex
	Block     int
	Data      *Blkdata_t
	refcnt    int
	valid     bool
	evictable bool
}

//
// In-memory disk, for tests and scratch machines.
//

type Memdisk_t struct {
	sync.Mutex
	blks map[int]*Blkdata_t
}

func MkMemdisk() *Memdisk_t {
	return &Memdisk_t{blks: make(map[int]*Blkdata_t)}
}

func (md *Memdisk_t) Bread(blkno int, d *Blkdata_t) error {
	md.Lock()
	src, ok := md.blks[blkno]
	md.Unlock()
	if ok {
		*d = *src
	} else {
		*d = Blkdata_t{}
	}
	return nil
}

func (md *Memdisk_t) Bwrite(blkno int, d *Blkdata_t) error {
	c := *d
	md.Lock()
	md.blks[blkno] = &c
	md.Unlock()
	return nil
}

func (md *Memdisk_t) Sync() error {
	return nil
}

//
// File-backed disk image.
//

type Filedisk_t struct {
	sync.Mutex
	f *os.File
}

func OpenFiledisk(path string) (*Filedisk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open disk image %s", path)
	}
	return &Filedisk_t{f: f}, nil
}

func CreateFiledisk(path string) (*Filedisk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create disk image %s", path)
	}
	if err := f.Truncate(FSSIZE * BSIZE); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "size disk image")
	}
	return &Filedisk_t{f: f}, nil
}

func (fd *Filedisk_t) Bread(blkno int, d *Blkdata_t) error {
	fd.Lock()
	defer fd.Unlock()
	_, err := fd.f.ReadAt(d[:], int64(blkno)*BSIZE)
	if err == io.EOF {
		*d = Blkdata_t{}
		return nil
	}
	return errors.Wrapf(err, "read block %d", blkno)
}

func (fd *Filedisk_t) Bwrite(blkno int, d *Blkdata_t) error {
	fd.Lock()
	defer fd.Unlock()
	_, err := fd.f.WriteAt(d[:], int64(blkno)*BSIZE)
	return errors.Wrapf(err, "write block %d", blkno)
}

func (fd *Filedisk_t) Sync() error {
	fd.Lock()
	defer fd.Unlock()
	return errors.Wrap(fd.f.Sync(), "sync disk image")
}

func (fd *Filedisk_t) Close() error {
	return fd.f.Close()
}

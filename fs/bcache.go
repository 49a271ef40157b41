package fs

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Buffer cache. Referenced blocks live in the map and are pinned; once the
// last reference drops the block moves onto an LRU of eviction candidates.
// Dirty blocks are always pinned by the log until their transaction
// commits, so eviction only ever discards clean data.

const nbuf = 128

type bcache_t struct {
	sync.Mutex
	disk Disk_i
	m    map[int]*Bdev_block_t
	idle *lru.Cache[int, *Bdev_block_t]
}

func mkBcache(disk Disk_i) *bcache_t {
	bc := &bcache_t{disk: disk, m: make(map[int]*Bdev_block_t)}
	idle, err := lru.NewWithEvict[int, *Bdev_block_t](nbuf, func(blkno int, b *Bdev_block_t) {
		// only unreferenced blocks sit in the LRU; dropping one just
		// forgets clean cached data
		if b.evictable {
			delete(bc.m, blkno)
		}
	})
	if err != nil {
		panic(err)
	}
	bc.idle = idle
	return bc
}

// Bread returns the locked, filled block. Pairs with Brelse.
func (bc *bcache_t) Bread(blkno int) *Bdev_block_t {
	if blkno < 0 || blkno >= FSSIZE {
		panic("bread: naughty blockno")
	}
	bc.Lock()
	b, ok := bc.m[blkno]
	if !ok {
		b = &Bdev_block_t{Block: blkno, Data: &Blkdata_t{}}
		bc.m[blkno] = b
	}
	b.refcnt++
	b.evictable = false
	bc.idle.Remove(blkno)
	bc.Unlock()

	b.Lock()
	if !b.valid {
		if err := bc.disk.Bread(blkno, b.Data); err != nil {
			panic(err)
		}
		b.valid = true
	}
	return b
}

// Brelse unlocks the block and drops the caller's reference.
func (bc *bcache_t) Brelse(b *Bdev_block_t) {
	b.Unlock()
	bc.Lock()
	b.refcnt--
	if b.refcnt < 0 {
		panic("brelse: refcnt")
	}
	if b.refcnt == 0 {
		b.evictable = true
		bc.idle.Add(b.Block, b)
	}
	bc.Unlock()
}

// Pin takes an extra reference without locking the block; the log uses it
// to keep dirty blocks resident until commit.
func (bc *bcache_t) Pin(b *Bdev_block_t) {
	bc.Lock()
	b.refcnt++
	b.evictable = false
	bc.idle.Remove(b.Block)
	bc.Unlock()
}

func (bc *bcache_t) Unpin(b *Bdev_block_t) {
	bc.Lock()
	b.refcnt--
	if b.refcnt < 0 {
		panic("unpin: refcnt")
	}
	if b.refcnt == 0 {
		b.evictable = true
		bc.idle.Add(b.Block, b)
	}
	bc.Unlock()
}

// bwrite pushes the block's bytes to the device. Only the log calls this.
func (bc *bcache_t) bwrite(b *Bdev_block_t) {
	if err := bc.disk.Bwrite(b.Block, b.Data); err != nil {
		panic(err)
	}
}

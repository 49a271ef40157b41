package fs

import (
	"encoding/binary"
	"sync"
)

// Snapshot metadata. smap is the legacy shared-block bitmap the on-disk
// format calls for; srefs is the per-block reference-count table that
// replaced the bit as the source of truth. srefs[b] counts the inode
// references to block b beyond exclusive ownership: Smapi raises it when a
// snapshot (or restore) starts sharing the block, and Bfree lowers it when
// a sharer lets go, really freeing the block only at zero. The bitmap is
// kept as the derived srefs[b] > 0 so the persisted prefix layout
// {next_id, smap} is unchanged; the refcount table is appended after it.

type smeta_t struct {
	sync.Mutex
	nextid uint32
	smap   [SSMAP]uint8
	srefs  [NBLOCKS]uint8
	dirty  bool
}

const smetasize = 4 + SSMAP + NBLOCKS

func (sm *smeta_t) init() {
	sm.nextid = 1
	for i := range sm.smap {
		sm.smap[i] = 0
	}
	for i := range sm.srefs {
		sm.srefs[i] = 0
	}
	sm.dirty = false
}

// trackable reports whether block b has a slot in the table. Blocks past
// the table's reach are never considered shared.
func trackable(b uint32) bool {
	return b > 0 && b < NBLOCKS && b/8 < SSMAP
}

// Shared reports whether block b is still referenced by a snapshot.
func (sm *smeta_t) Shared(b uint32) bool {
	if !trackable(b) {
		return false
	}
	sm.Lock()
	s := sm.srefs[b] > 0
	sm.Unlock()
	return s
}

func (sm *smeta_t) incref(b uint32) {
	if !trackable(b) {
		return
	}
	sm.Lock()
	if sm.srefs[b] == 0xff {
		panic("smap: refcount overflow")
	}
	sm.srefs[b]++
	sm.smap[b/8] |= 1 << (b % 8)
	sm.dirty = true
	sm.Unlock()
}

// decref drops one shared reference. Reports true when the block was
// shared (so the caller must not free it).
func (sm *smeta_t) decref(b uint32) bool {
	if !trackable(b) {
		return false
	}
	sm.Lock()
	if sm.srefs[b] == 0 {
		sm.Unlock()
		return false
	}
	sm.srefs[b]--
	if sm.srefs[b] == 0 {
		sm.smap[b/8] &^= 1 << (b % 8)
	}
	sm.dirty = true
	sm.Unlock()
	return true
}

// nextsnapid hands out the next snapshot id. Only the increment needs the
// lock.
func (sm *smeta_t) nextsnapid() uint32 {
	sm.Lock()
	id := sm.nextid
	sm.nextid++
	sm.dirty = true
	sm.Unlock()
	return id
}

func (sm *smeta_t) marshal() []uint8 {
	buf := make([]uint8, smetasize)
	sm.Lock()
	binary.LittleEndian.PutUint32(buf[0:], sm.nextid)
	copy(buf[4:], sm.smap[:])
	copy(buf[4+SSMAP:], sm.srefs[:])
	sm.Unlock()
	return buf
}

func (sm *smeta_t) unmarshal(buf []uint8) bool {
	if len(buf) < smetasize {
		return false
	}
	sm.Lock()
	sm.nextid = binary.LittleEndian.Uint32(buf[0:])
	copy(sm.smap[:], buf[4:4+SSMAP])
	copy(sm.srefs[:], buf[4+SSMAP:smetasize])
	sm.dirty = false
	sm.Unlock()
	return true
}

// Smapi marks every data block the inode references, direct and through
// the indirect block (the indirect block itself included), as shared with
// one more snapshot inode. Caller holds ip's lock.
func (fs *Fs_t) Smapi(opid opid_t, ip *Inode_t) {
	if ip.Itype != T_FILE {
		return
	}
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			fs.sm.incref(ip.Addrs[i])
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		bp := fs.bc.Bread(int(ip.Addrs[NDIRECT]))
		for j := 0; j < NINDIRECT; j++ {
			a := binary.LittleEndian.Uint32(bp.Data[j*4:])
			if a != 0 {
				fs.sm.incref(a)
			}
		}
		fs.bc.Brelse(bp)
		fs.sm.incref(ip.Addrs[NDIRECT])
	}
}

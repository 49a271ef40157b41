package fs

// Block allocator over the on-disk free bitmap. Bfree doubles as the
// snapshot hook: a block still referenced by a snapshot has its reference
// count dropped instead of its bitmap bit cleared, so snapshot data
// survives truncation of any one sharer.

// bzero goes through the ordered stream: a fresh block is unreferenced
// until the journaled metadata naming it commits, and ordering it keeps
// the zeroes from overwriting any later ordered content write at install
// time.
func (fs *Fs_t) bzero(opid opid_t, bno uint32) {
	bp := fs.bc.Bread(int(bno))
	for i := range bp.Data {
		bp.Data[i] = 0
	}
	fs.log.Write_ordered(opid, bp)
	fs.bc.Brelse(bp)
}

// balloc allocates a zeroed disk block. Out of blocks is fatal, inherited
// from the host design.
func (fs *Fs_t) balloc(opid opid_t) uint32 {
	sbsize := fs.sb.Size()
	for b := 0; b < sbsize; b += BPB {
		bp := fs.bc.Bread(bblock(fs.sb, b))
		for bi := 0; bi < BPB && b+bi < sbsize; bi++ {
			m := uint8(1) << (bi % 8)
			if bp.Data[bi/8]&m == 0 {
				bp.Data[bi/8] |= m
				fs.log.Write(opid, bp)
				fs.bc.Brelse(bp)
				fs.bzero(opid, uint32(b+bi))
				return uint32(b + bi)
			}
		}
		fs.bc.Brelse(bp)
	}
	panic("balloc: out of blocks")
}

// bfree releases one reference to block b. While a snapshot still shares
// the block only the share count drops; the bitmap bit clears when the
// last reference lets go.
func (fs *Fs_t) bfree(opid opid_t, b uint32) {
	if fs.sm.decref(b) {
		return
	}
	bp := fs.bc.Bread(bblock(fs.sb, int(b)))
	bi := int(b) % BPB
	m := uint8(1) << (bi % 8)
	if bp.Data[bi/8]&m == 0 {
		panic("freeing free block")
	}
	bp.Data[bi/8] &^= m
	fs.log.Write(opid, bp)
	fs.bc.Brelse(bp)
}

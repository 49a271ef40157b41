package fs

import "encoding/binary"

// Superblock, block 1. Little-endian u32 fields, accessed biscuit-style
// through field readers/writers instead of a marshalled struct.

type Superblock_t struct {
	Data *Blkdata_t
}

func fieldr(d *Blkdata_t, field int) int {
	return int(binary.LittleEndian.Uint32(d[field*4:]))
}

func fieldw(d *Blkdata_t, field int, n int) {
	binary.LittleEndian.PutUint32(d[field*4:], uint32(n))
}

func (sb *Superblock_t) Size() int       { return fieldr(sb.Data, 0) }
func (sb *Superblock_t) Nblocks() int    { return fieldr(sb.Data, 1) }
func (sb *Superblock_t) Ninodes() int    { return fieldr(sb.Data, 2) }
func (sb *Superblock_t) Nlog() int       { return fieldr(sb.Data, 3) }
func (sb *Superblock_t) Logstart() int   { return fieldr(sb.Data, 4) }
func (sb *Superblock_t) Inodestart() int { return fieldr(sb.Data, 5) }
func (sb *Superblock_t) Bmapstart() int  { return fieldr(sb.Data, 6) }

func (sb *Superblock_t) SetSize(n int)       { fieldw(sb.Data, 0, n) }
func (sb *Superblock_t) SetNblocks(n int)    { fieldw(sb.Data, 1, n) }
func (sb *Superblock_t) SetNinodes(n int)    { fieldw(sb.Data, 2, n) }
func (sb *Superblock_t) SetNlog(n int)       { fieldw(sb.Data, 3, n) }
func (sb *Superblock_t) SetLogstart(n int)   { fieldw(sb.Data, 4, n) }
func (sb *Superblock_t) SetInodestart(n int) { fieldw(sb.Data, 5, n) }
func (sb *Superblock_t) SetBmapstart(n int)  { fieldw(sb.Data, 6, n) }

func iblock(sb *Superblock_t, inum int) int {
	return sb.Inodestart() + inum/IPB
}

func bblock(sb *Superblock_t, b int) int {
	return sb.Bmapstart() + b/BPB
}

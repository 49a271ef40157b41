package fs

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Mkfs lays down an empty file system: superblock, a root directory with
// "." and ".." and a console device node, and a free bitmap covering the
// metadata region. Written directly, no journal involved.
func Mkfs(disk Disk_i) error {
	nlog := LOGSIZE + 1
	logstart := 2
	inodestart := logstart + nlog
	bmapstart := inodestart + NINODES/IPB

	sbd := &Blkdata_t{}
	sb := &Superblock_t{Data: sbd}
	sb.SetSize(FSSIZE)
	sb.SetNblocks(NBLOCKS)
	sb.SetNinodes(NINODES)
	sb.SetNlog(nlog)
	sb.SetLogstart(logstart)
	sb.SetInodestart(inodestart)
	sb.SetBmapstart(bmapstart)
	if err := disk.Bwrite(1, sbd); err != nil {
		return err
	}

	// first data block holds the root directory
	rootblk := uint32(nmeta)

	// root inode (1) and console device (2)
	id := &Blkdata_t{}
	di := id[ROOTINO*isize:]
	binary.LittleEndian.PutUint16(di[0:], T_DIR)
	binary.LittleEndian.PutUint16(di[6:], 2) // ".", ".." and the parent's link
	binary.LittleEndian.PutUint32(di[8:], 3*desize)
	binary.LittleEndian.PutUint32(di[12:], rootblk)

	di = id[2*isize:]
	binary.LittleEndian.PutUint16(di[0:], T_DEV)
	binary.LittleEndian.PutUint16(di[2:], 1) // major: console
	binary.LittleEndian.PutUint16(di[6:], 1)
	if err := disk.Bwrite(inodestart, id); err != nil {
		return err
	}

	// root directory data
	dd := &Blkdata_t{}
	putde := func(slot int, inum int, name string) {
		de := dd[slot*desize:]
		binary.LittleEndian.PutUint16(de[0:], uint16(inum))
		copy(de[2:2+DIRSIZ], name)
	}
	putde(0, ROOTINO, ".")
	putde(1, ROOTINO, "..")
	putde(2, 2, "console")
	if err := disk.Bwrite(int(rootblk), dd); err != nil {
		return err
	}

	// free bitmap: metadata blocks plus the root data block are in use
	used := nmeta + 1
	if used > BPB {
		return errors.New("mkfs: metadata exceeds one bitmap block")
	}
	bd := &Blkdata_t{}
	for b := 0; b < used; b++ {
		bd[b/8] |= 1 << (b % 8)
	}
	if err := disk.Bwrite(bmapstart, bd); err != nil {
		return err
	}
	return disk.Sync()
}

package fs

import (
	"encoding/binary"
	"sync"
)

// Inodes.
//
// The on-disk inode is 64 bytes: type, major, minor, nlink (u16 each),
// size (u32), and NDIRECT+1 block addresses. The in-memory cache holds
// NINODE entries; ref counts in-memory pointers, valid says the disk copy
// has been read. The icache lock protects allocation of cache entries;
// each inode's own sleep-lock protects everything else. The usual sequence
// is Iget, Ilock, work, Iunlock, Iput.

const NINODE = 50

type Inode_t struct {
	lock  sync.Mutex
	Inum  int
	ref   int
	valid bool

	Itype int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

type icache_t struct {
	sync.Mutex
	inodes [NINODE]Inode_t
}

func (fs *Fs_t) diread(inum int) (*Bdev_block_t, []uint8) {
	bp := fs.bc.Bread(iblock(fs.sb, inum))
	off := (inum % IPB) * isize
	return bp, bp.Data[off : off+isize]
}

// Ialloc_safe allocates an on-disk inode of the given type, returning an
// unlocked, referenced inode or nil when the table is exhausted.
func (fs *Fs_t) Ialloc_safe(opid opid_t, itype int16) *Inode_t {
	for inum := 1; inum < fs.sb.Ninodes(); inum++ {
		bp, di := fs.diread(inum)
		if binary.LittleEndian.Uint16(di[0:]) == 0 {
			for i := range di {
				di[i] = 0
			}
			binary.LittleEndian.PutUint16(di[0:], uint16(itype))
			fs.log.Write(opid, bp)
			fs.bc.Brelse(bp)
			return fs.iget_safe(inum)
		}
		fs.bc.Brelse(bp)
	}
	return nil
}

func (fs *Fs_t) Ialloc(opid opid_t, itype int16) *Inode_t {
	ip := fs.Ialloc_safe(opid, itype)
	if ip == nil {
		panic("ialloc: no inodes")
	}
	return ip
}

// Iget returns the in-memory inode for inum without locking or reading it.
func (fs *Fs_t) Iget(inum int) *Inode_t {
	ip := fs.iget_safe(inum)
	if ip == nil {
		panic("iget: no inodes")
	}
	return ip
}

func (fs *Fs_t) iget_safe(inum int) *Inode_t {
	fs.ic.Lock()
	var empty *Inode_t
	for i := range fs.ic.inodes {
		ip := &fs.ic.inodes[i]
		if ip.ref > 0 && ip.Inum == inum {
			ip.ref++
			fs.ic.Unlock()
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		fs.ic.Unlock()
		return nil
	}
	empty.Inum = inum
	empty.ref = 1
	empty.valid = false
	fs.ic.Unlock()
	return empty
}

func (fs *Fs_t) Idup(ip *Inode_t) *Inode_t {
	fs.ic.Lock()
	ip.ref++
	fs.ic.Unlock()
	return ip
}

// Ilock locks the inode, reading it from disk if necessary.
func (fs *Fs_t) Ilock(ip *Inode_t) {
	if ip == nil || ip.ref < 1 {
		panic("ilock")
	}
	ip.lock.Lock()
	if !ip.valid {
		bp, di := fs.diread(ip.Inum)
		ip.Itype = int16(binary.LittleEndian.Uint16(di[0:]))
		ip.Major = int16(binary.LittleEndian.Uint16(di[2:]))
		ip.Minor = int16(binary.LittleEndian.Uint16(di[4:]))
		ip.Nlink = int16(binary.LittleEndian.Uint16(di[6:]))
		ip.Size = binary.LittleEndian.Uint32(di[8:])
		for i := 0; i <= NDIRECT; i++ {
			ip.Addrs[i] = binary.LittleEndian.Uint32(di[12+4*i:])
		}
		fs.bc.Brelse(bp)
		ip.valid = true
		if ip.Itype == 0 {
			panic("ilock: no type")
		}
	}
}

func (fs *Fs_t) Iunlock(ip *Inode_t) {
	if ip == nil || ip.ref < 1 {
		panic("iunlock")
	}
	ip.lock.Unlock()
}

// Iupdate copies the in-memory inode to disk. The cache is write-through;
// call after every change to a field that lives on disk. Caller holds the
// inode lock.
func (fs *Fs_t) Iupdate(opid opid_t, ip *Inode_t) {
	bp, di := fs.diread(ip.Inum)
	binary.LittleEndian.PutUint16(di[0:], uint16(ip.Itype))
	binary.LittleEndian.PutUint16(di[2:], uint16(ip.Major))
	binary.LittleEndian.PutUint16(di[4:], uint16(ip.Minor))
	binary.LittleEndian.PutUint16(di[6:], uint16(ip.Nlink))
	binary.LittleEndian.PutUint32(di[8:], ip.Size)
	for i := 0; i <= NDIRECT; i++ {
		binary.LittleEndian.PutUint32(di[12+4*i:], ip.Addrs[i])
	}
	fs.log.Write(opid, bp)
	fs.bc.Brelse(bp)
}

// Iput drops an in-memory reference. The last reference to an unlinked
// inode truncates and frees it on disk, so the caller must be inside a
// transaction.
func (fs *Fs_t) Iput(opid opid_t, ip *Inode_t) {
	ip.lock.Lock()
	if ip.valid && ip.Nlink == 0 {
		fs.ic.Lock()
		r := ip.ref
		fs.ic.Unlock()
		if r == 1 {
			fs.Itrunc(opid, ip)
			ip.Itype = 0
			fs.Iupdate(opid, ip)
			ip.valid = false
		}
	}
	ip.lock.Unlock()

	fs.ic.Lock()
	ip.ref--
	fs.ic.Unlock()
}

func (fs *Fs_t) Iunlockput(opid opid_t, ip *Inode_t) {
	fs.Iunlock(ip)
	fs.Iput(opid, ip)
}

// Bmap returns the disk address of the bn'th block of ip, allocating it
// (and the indirect block) if absent.
func (fs *Fs_t) Bmap(opid opid_t, ip *Inode_t, bn uint32) uint32 {
	if bn < NDIRECT {
		addr := ip.Addrs[bn]
		if addr == 0 {
			addr = fs.balloc(opid)
			ip.Addrs[bn] = addr
		}
		return addr
	}
	bn -= NDIRECT
	if bn < NINDIRECT {
		iaddr := ip.Addrs[NDIRECT]
		if iaddr == 0 {
			iaddr = fs.balloc(opid)
			ip.Addrs[NDIRECT] = iaddr
		}
		bp := fs.bc.Bread(int(iaddr))
		addr := binary.LittleEndian.Uint32(bp.Data[bn*4:])
		if addr == 0 {
			addr = fs.balloc(opid)
			binary.LittleEndian.PutUint32(bp.Data[bn*4:], addr)
			fs.log.Write(opid, bp)
		}
		fs.bc.Brelse(bp)
		return addr
	}
	panic("bmap: out of range")
}

// Bmmap is the read-only Bmap: it resolves the bn'th block without
// allocating, returning 0 for holes.
func (fs *Fs_t) Bmmap(ip *Inode_t, bn uint32) uint32 {
	if bn < NDIRECT {
		return ip.Addrs[bn]
	}
	bn -= NDIRECT
	if bn < NINDIRECT {
		iaddr := ip.Addrs[NDIRECT]
		if iaddr == 0 {
			return 0
		}
		bp := fs.bc.Bread(int(iaddr))
		addr := binary.LittleEndian.Uint32(bp.Data[bn*4:])
		fs.bc.Brelse(bp)
		return addr
	}
	panic("bmap: out of range")
}

// Itrunc discards the inode's contents. Only called (from Iput) when no
// directory entry or in-memory reference remains.
func (fs *Fs_t) Itrunc(opid opid_t, ip *Inode_t) {
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			fs.bfree(opid, ip.Addrs[i])
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		bp := fs.bc.Bread(int(ip.Addrs[NDIRECT]))
		for j := 0; j < NINDIRECT; j++ {
			a := binary.LittleEndian.Uint32(bp.Data[j*4:])
			if a != 0 {
				fs.bfree(opid, a)
			}
		}
		fs.bc.Brelse(bp)
		fs.bfree(opid, ip.Addrs[NDIRECT])
		ip.Addrs[NDIRECT] = 0
	}
	ip.Size = 0
	fs.Iupdate(opid, ip)
}

// Readi reads n bytes at off into dst. Caller holds ip's lock. Holes read
// as zeros.
func (fs *Fs_t) Readi(ip *Inode_t, dst []uint8, off uint32, n uint32) int {
	if ip.Itype == T_DEV {
		return -1
	}
	if off > ip.Size || off+n < off {
		return -1
	}
	if off+n > ip.Size {
		n = ip.Size - off
	}
	for tot := uint32(0); tot < n; {
		m := min32(n-tot, BSIZE-off%BSIZE)
		addr := fs.Bmmap(ip, off/BSIZE)
		if addr == 0 {
			for i := uint32(0); i < m; i++ {
				dst[tot+i] = 0
			}
		} else {
			bp := fs.bc.Bread(int(addr))
			copy(dst[tot:tot+m], bp.Data[off%BSIZE:off%BSIZE+m])
			fs.bc.Brelse(bp)
		}
		tot += m
		off += m
	}
	return int(n)
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Writei writes n bytes at off. Caller holds ip's lock and an open
// transaction. For regular files every touched block is checked against
// the snapshot share table first: a shared direct block is copied to a
// fresh one before the write, and the first write to a shared
// indirect-referenced block migrates the entire indirect subtree to newly
// allocated blocks. The byte write happens only after the scan, and the
// snapshot metadata file is rewritten when any divergence occurred, all
// inside the caller's transaction.
func (fs *Fs_t) Writei(opid opid_t, ip *Inode_t, src []uint8, off uint32, n uint32) int {
	if ip.Itype == T_DEV {
		if fs.consw == nil {
			return -1
		}
		fs.consw(src[:n])
		return int(n)
	}
	if off > ip.Size || off+n < off {
		return -1
	}
	if off+n > MAXFILE*BSIZE {
		return -1
	}

	updatemeta := false
	if ip.Itype != T_DIR && n > 0 {
		migrate := false
		for bn := off / BSIZE; bn <= (off + n - 1) / BSIZE; bn++ {
			addr := fs.Bmmap(ip, bn)
			if addr == 0 {
				continue
			}
			if !fs.sm.Shared(addr) {
				continue
			}
			if bn >= NDIRECT {
				// defer to whole-indirect migration
				migrate = true
				continue
			}
			// per-block COW: copy out, repoint, release the old block
			// back to its snapshot
			var buf Blkdata_t
			bp := fs.bc.Bread(int(addr))
			buf = *bp.Data
			fs.bc.Brelse(bp)

			ip.Addrs[bn] = 0
			np := fs.bc.Bread(int(fs.Bmap(opid, ip, bn)))
			*np.Data = buf
			fs.log.Write_ordered(opid, np)
			fs.bc.Brelse(np)
			fs.bfree(opid, addr)
			updatemeta = true
		}
		if migrate {
			fs.migrateindirect(opid, ip)
			updatemeta = true
		}
	}

	for tot := uint32(0); tot < n; {
		m := min32(n-tot, BSIZE-off%BSIZE)
		bp := fs.bc.Bread(int(fs.Bmap(opid, ip, off/BSIZE)))
		copy(bp.Data[off%BSIZE:off%BSIZE+m], src[tot:tot+m])
		fs.log.Write(opid, bp)
		fs.bc.Brelse(bp)
		tot += m
		off += m
	}

	grew := n > 0 && off > ip.Size
	if grew {
		ip.Size = off
	}
	if grew || updatemeta {
		fs.Iupdate(opid, ip)
	}
	if updatemeta {
		fs.updatesmeta(opid)
	}
	return int(n)
}

// migrateindirect diverges the whole indirect subtree from its snapshots:
// every referenced data block is copied into a fresh one, the rewritten
// table lands in a fresh indirect block, and each old block goes back to
// whoever still references it. Once any indirect-referenced block
// diverges, per-block bookkeeping would cost a metadata flush per write;
// migrating once bounds the log traffic to O(NINDIRECT).
func (fs *Fs_t) migrateindirect(opid opid_t, ip *Inode_t) {
	oldind := ip.Addrs[NDIRECT]
	if oldind == 0 {
		return
	}
	var table [NINDIRECT]uint32
	bp := fs.bc.Bread(int(oldind))
	for i := 0; i < NINDIRECT; i++ {
		table[i] = binary.LittleEndian.Uint32(bp.Data[i*4:])
	}
	fs.bc.Brelse(bp)

	var buf Blkdata_t
	for i := 0; i < NINDIRECT; i++ {
		if table[i] == 0 {
			continue
		}
		old := fs.bc.Bread(int(table[i]))
		buf = *old.Data
		fs.bc.Brelse(old)

		nb := fs.balloc(opid)
		np := fs.bc.Bread(int(nb))
		*np.Data = buf
		fs.log.Write_ordered(opid, np)
		fs.bc.Brelse(np)

		fs.bfree(opid, table[i])
		table[i] = nb
	}

	nind := fs.balloc(opid)
	ib := fs.bc.Bread(int(nind))
	for i := 0; i < NINDIRECT; i++ {
		binary.LittleEndian.PutUint32(ib.Data[i*4:], table[i])
	}
	fs.log.Write(opid, ib)
	fs.bc.Brelse(ib)

	fs.bfree(opid, oldind)
	ip.Addrs[NDIRECT] = nind
}

// S_isize counts allocated on-disk inodes.
func (fs *Fs_t) S_isize() int {
	size := 0
	for inum := 1; inum < fs.sb.Ninodes(); inum++ {
		bp, di := fs.diread(inum)
		if binary.LittleEndian.Uint16(di[0:]) != 0 {
			size++
		}
		fs.bc.Brelse(bp)
	}
	return size
}

// Micount counts icache entries in use: referenced, holding a valid disk
// copy, or carrying links.
func (fs *Fs_t) Micount() int {
	fs.ic.Lock()
	count := 0
	for i := range fs.ic.inodes {
		ip := &fs.ic.inodes[i]
		if ip.ref > 0 || ip.valid || ip.Nlink > 0 {
			count++
		}
	}
	fs.ic.Unlock()
	return count
}

// Icount counts the inodes of the subtree rooted at ip, excluding the
// snapshot tree under the root. Caller holds ip's lock.
func (fs *Fs_t) Icount(opid opid_t, ip *Inode_t) int {
	if ip.Itype != T_DIR {
		return 1
	}
	total := 1
	var de Dirent_t
	for off := uint32(0); off < ip.Size; off += desize {
		if !fs.readde(ip, off, &de) {
			panic("icount: readi")
		}
		if de.Inum == 0 || de.Name == "." || de.Name == ".." {
			continue
		}
		if ip.Inum == ROOTINO && de.Name == "snapshot" {
			continue
		}
		nip := fs.Iget(de.Inum)
		fs.Iunlock(ip)
		fs.Ilock(nip)
		total += fs.Icount(opid, nip)
		fs.Iunlockput(opid, nip)
		fs.Ilock(ip)
	}
	return total
}

package fs

import (
	"encoding/binary"
)

// Directories: inodes whose content is an array of 16-byte entries,
// {u16 inum, char name[DIRSIZ]}. inum 0 marks a free slot.

type Dirent_t struct {
	Inum int
	Name string
}

func (fs *Fs_t) readde(dp *Inode_t, off uint32, de *Dirent_t) bool {
	var buf [desize]uint8
	if fs.Readi(dp, buf[:], off, desize) != desize {
		return false
	}
	de.Inum = int(binary.LittleEndian.Uint16(buf[0:]))
	n := 2
	for n < desize && buf[n] != 0 {
		n++
	}
	de.Name = string(buf[2:n])
	return true
}

func (fs *Fs_t) writede(opid opid_t, dp *Inode_t, off uint32, de *Dirent_t) bool {
	var buf [desize]uint8
	binary.LittleEndian.PutUint16(buf[0:], uint16(de.Inum))
	copy(buf[2:], de.Name)
	return fs.Writei(opid, dp, buf[:], off, desize) == desize
}

// Dirlookup finds name in directory dp. Returns the (unlocked) inode and
// the entry's byte offset. Caller holds dp's lock.
func (fs *Fs_t) Dirlookup(dp *Inode_t, name string) (*Inode_t, uint32) {
	if dp.Itype != T_DIR {
		panic("dirlookup not DIR")
	}
	if len(name) > DIRSIZ {
		name = name[:DIRSIZ]
	}
	var de Dirent_t
	for off := uint32(0); off < dp.Size; off += desize {
		if !fs.readde(dp, off, &de) {
			panic("dirlookup read")
		}
		if de.Inum == 0 {
			continue
		}
		if de.Name == name {
			return fs.Iget(de.Inum), off
		}
	}
	return nil, 0
}

// Dirnext is the scandir analogue: advance *boff to the next entry
// accepted by filter. Returns 1 on a match (filling de), 0 on a filtered
// entry, and -1 when the directory is exhausted. Locks dp itself.
func (fs *Fs_t) Dirnext(dp *Inode_t, filter func(*Dirent_t) bool, de *Dirent_t, boff *uint32) int {
	fs.Ilock(dp)
	if dp.Itype != T_DIR {
		panic("dirnext not DIR")
	}
	off := *boff
	if off >= dp.Size {
		fs.Iunlock(dp)
		return -1
	}
	if !fs.readde(dp, off, de) {
		fs.Iunlock(dp)
		return -1
	}
	*boff = off + desize
	fs.Iunlock(dp)
	if de.Inum == 0 {
		return 0
	}
	if filter != nil && !filter(de) {
		return 0
	}
	return 1
}

// FilterDots rejects the "." and ".." entries.
func FilterDots(de *Dirent_t) bool {
	return de.Name != "." && de.Name != ".."
}

// Dirlink writes a new entry (name, inum) into dp. Fails if name is
// already present. Caller holds dp's lock and a transaction.
func (fs *Fs_t) Dirlink(opid opid_t, dp *Inode_t, name string, inum int) int {
	if ip, _ := fs.Dirlookup(dp, name); ip != nil {
		fs.Iput(opid, ip)
		return -1
	}
	var de Dirent_t
	var off uint32
	for off = 0; off < dp.Size; off += desize {
		if !fs.readde(dp, off, &de) {
			panic("dirlink read")
		}
		if de.Inum == 0 {
			break
		}
	}
	if len(name) > DIRSIZ {
		name = name[:DIRSIZ]
	}
	de.Inum = inum
	de.Name = name
	if !fs.writede(opid, dp, off, &de) {
		panic("dirlink")
	}
	return 0
}

// Dirunlink removes name from dp, dropping the child's link (and the
// parent's when the child is a directory). Non-empty directories refuse.
// Caller holds dp's lock and a transaction.
func (fs *Fs_t) Dirunlink(opid opid_t, dp *Inode_t, name string) int {
	ip, off := fs.Dirlookup(dp, name)
	if ip == nil {
		return -1
	}
	fs.Ilock(ip)
	if ip.Itype == T_DIR && !fs.Isdirempty(ip) {
		fs.Iunlockput(opid, ip)
		return -1
	}
	var de Dirent_t
	if !fs.writede(opid, dp, off, &de) {
		fs.Iunlockput(opid, ip)
		return -1
	}
	if ip.Itype == T_DIR {
		dp.Nlink--
		fs.Iupdate(opid, dp)
	}
	ip.Nlink--
	fs.Iupdate(opid, ip)
	fs.Iunlockput(opid, ip)
	return 0
}

// Isdirempty reports whether dp holds only "." and "..". Caller holds
// dp's lock.
func (fs *Fs_t) Isdirempty(dp *Inode_t) bool {
	var de Dirent_t
	for off := uint32(2 * desize); off < dp.Size; off += desize {
		if !fs.readde(dp, off, &de) {
			panic("isdirempty: readi")
		}
		if de.Inum != 0 {
			return false
		}
	}
	return true
}

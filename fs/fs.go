package fs

import (
	"encoding/binary"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// Fs_t ties the layers together: disk, cache, journal, superblock, inode
// cache, and the snapshot share table.
type Fs_t struct {
	disk  Disk_i
	bc    *bcache_t
	log   *log_t
	sb    *Superblock_t
	ic    icache_t
	sm    smeta_t
	consw func([]uint8)
}

// StartFS boots the file system from disk: superblock, journal recovery,
// snapshot metadata.
func StartFS(disk Disk_i) (*Fs_t, error) {
	fs := &Fs_t{disk: disk}
	fs.bc = mkBcache(disk)

	sbd := &Blkdata_t{}
	if err := disk.Bread(1, sbd); err != nil {
		return nil, err
	}
	fs.sb = &Superblock_t{Data: sbd}
	if fs.sb.Size() != FSSIZE || fs.sb.Ninodes() != NINODES {
		return nil, errors.Errorf("bad superblock: size %d ninodes %d",
			fs.sb.Size(), fs.sb.Ninodes())
	}
	log.Debugf("sb: size %d nblocks %d ninodes %d nlog %d logstart %d inodestart %d bmap start %d",
		fs.sb.Size(), fs.sb.Nblocks(), fs.sb.Ninodes(), fs.sb.Nlog(),
		fs.sb.Logstart(), fs.sb.Inodestart(), fs.sb.Bmapstart())

	fs.log = mkLog(fs.sb.Logstart(), fs.bc, disk)
	fs.log.recover()
	fs.Sminit()
	return fs, nil
}

// StopFS flushes the device. No operations may be outstanding.
func (fs *Fs_t) StopFS() {
	if err := fs.disk.Sync(); err != nil {
		panic(err)
	}
}

// SetConsole wires the console device's write side.
func (fs *Fs_t) SetConsole(w func([]uint8)) {
	fs.consw = w
}

// Opid_t names an open transaction for callers outside the package.
type Opid_t = opid_t

func (fs *Fs_t) Begin_op(s string) opid_t {
	return fs.log.Op_begin(s)
}

// Puto drops an inode reference inside its own small transaction, for
// callers not already in one.
func (fs *Fs_t) Puto(ip *Inode_t) {
	opid := fs.Begin_op("iput")
	fs.Iput(opid, ip)
	fs.End_op(opid)
}

func (fs *Fs_t) End_op(opid opid_t) {
	fs.log.Op_end(opid)
}

func (fs *Fs_t) Ninodes() int {
	return fs.sb.Ninodes()
}

// Create makes name under dp (which the caller has NOT locked), returning
// an unlocked, referenced inode; callers lock it explicitly. An existing
// regular file satisfies a T_FILE create; any other collision fails.
// Inode exhaustion returns nil.
func (fs *Fs_t) Create(opid opid_t, dp *Inode_t, name string, itype int16, major, minor int16) *Inode_t {
	fs.Ilock(dp)
	if ip, _ := fs.Dirlookup(dp, name); ip != nil {
		fs.Iunlock(dp)
		fs.Ilock(ip)
		if itype == T_FILE && ip.Itype == T_FILE {
			fs.Iunlock(ip)
			return ip
		}
		fs.Iunlockput(opid, ip)
		return nil
	}

	ip := fs.Ialloc_safe(opid, itype)
	if ip == nil {
		fs.Iunlock(dp)
		return nil
	}
	fs.Ilock(ip)
	ip.Major = major
	ip.Minor = minor
	ip.Nlink = 1
	fs.Iupdate(opid, ip)

	if itype == T_DIR {
		// ".." references dp; no extra link for "." to avoid a cycle
		dp.Nlink++
		fs.Iupdate(opid, dp)
		if fs.Dirlink(opid, ip, ".", ip.Inum) < 0 ||
			fs.Dirlink(opid, ip, "..", dp.Inum) < 0 {
			panic("create dots")
		}
	}

	if fs.Dirlink(opid, dp, name, ip.Inum) < 0 {
		panic("create: dirlink")
	}
	fs.Iunlock(dp)
	fs.Iunlock(ip)
	return ip
}

//
// Snapshot metadata plumbing. The share table persists as the contents of
// /snapshot/smap, rewritten whole inside the caller's transaction.
//

// Snaproot returns /snapshot, creating it on first use. Unlocked.
func (fs *Fs_t) Snaproot(opid opid_t) *Inode_t {
	root := fs.Iget(ROOTINO)
	fs.Ilock(root)
	ip, _ := fs.Dirlookup(root, "snapshot")
	fs.Iunlock(root)
	if ip == nil {
		ip = fs.Create(opid, root, "snapshot", T_DIR, 0, 0)
	}
	fs.Iput(opid, root)
	return ip
}

func (fs *Fs_t) smapfile(opid opid_t, sroot *Inode_t) *Inode_t {
	fs.Ilock(sroot)
	ip, _ := fs.Dirlookup(sroot, "smap")
	fs.Iunlock(sroot)
	if ip == nil {
		ip = fs.Create(opid, sroot, "smap", T_FILE, 0, 0)
		if ip == nil {
			panic("smapfile: creation failed")
		}
	}
	return ip
}

// updatesmeta rewrites /snapshot/smap from the in-memory table.
func (fs *Fs_t) updatesmeta(opid opid_t) int {
	sroot := fs.Snaproot(opid)
	if sroot == nil {
		return -1
	}
	ip := fs.smapfile(opid, sroot)
	fs.Iput(opid, sroot)
	if ip == nil {
		return -1
	}
	buf := fs.sm.marshal()
	fs.Ilock(ip)
	n := fs.Writei(opid, ip, buf, 0, uint32(len(buf)))
	fs.Iunlockput(opid, ip)
	if n != len(buf) {
		return -1
	}
	fs.sm.Lock()
	fs.sm.dirty = false
	fs.sm.Unlock()
	return 0
}

// Updatesmeta persists the share table inside the given transaction.
func (fs *Fs_t) Updatesmeta(opid opid_t) int {
	return fs.updatesmeta(opid)
}

// Syncsmeta persists the share table only if it changed.
func (fs *Fs_t) Syncsmeta(opid opid_t) {
	fs.sm.Lock()
	d := fs.sm.dirty
	fs.sm.Unlock()
	if d {
		fs.updatesmeta(opid)
	}
}

// Sminit loads (or initializes) the snapshot metadata at boot.
func (fs *Fs_t) Sminit() {
	opid := fs.Begin_op("sminit")
	defer fs.End_op(opid)

	sroot := fs.Snaproot(opid)
	if sroot == nil {
		panic("sminit: no snapshot root")
	}
	fs.Ilock(sroot)
	ip, _ := fs.Dirlookup(sroot, "smap")
	fs.Iunlock(sroot)
	if ip == nil {
		fs.sm.init()
		ip = fs.Create(opid, sroot, "smap", T_FILE, 0, 0)
		if ip == nil {
			panic("sminit: smap creation failed")
		}
	} else {
		buf := make([]uint8, smetasize)
		fs.Ilock(ip)
		n := fs.Readi(ip, buf, 0, uint32(len(buf)))
		fs.Iunlock(ip)
		if n != len(buf) || !fs.sm.unmarshal(buf) {
			fs.sm.init()
		}
	}
	fs.Iput(opid, ip)
	fs.Iput(opid, sroot)
}

// Nextsnapid assigns the next snapshot id and persists the counter
// immediately.
func (fs *Fs_t) Nextsnapid(opid opid_t) uint32 {
	id := fs.sm.nextsnapid()
	if fs.updatesmeta(opid) < 0 {
		panic("nextsnapid: meta update failed")
	}
	return id
}

// Sharedblock reports whether a snapshot still references block b.
func (fs *Fs_t) Sharedblock(b uint32) bool {
	return fs.sm.Shared(b)
}

//
// Top-level operations, each its own transaction (large writes span
// several to keep any one transaction bounded).
//

type Lsent_t struct {
	Name  string
	Inum  int
	Itype int16
	Size  uint32
}

// Fs_mkdir creates a directory at path.
func (fs *Fs_t) Fs_mkdir(path string) int {
	opid := fs.Begin_op("mkdir")
	defer fs.End_op(opid)
	dp, name := fs.Nameiparent(opid, path)
	if dp == nil {
		return -1
	}
	ip := fs.Create(opid, dp, name, T_DIR, 0, 0)
	fs.Iput(opid, dp)
	if ip == nil {
		return -1
	}
	fs.Iput(opid, ip)
	return 0
}

// Fs_mknod creates a device node at path.
func (fs *Fs_t) Fs_mknod(path string, major, minor int16) int {
	opid := fs.Begin_op("mknod")
	defer fs.End_op(opid)
	dp, name := fs.Nameiparent(opid, path)
	if dp == nil {
		return -1
	}
	ip := fs.Create(opid, dp, name, T_DEV, major, minor)
	fs.Iput(opid, dp)
	if ip == nil {
		return -1
	}
	fs.Iput(opid, ip)
	return 0
}

// Fs_createfile makes (or reuses) the regular file at path.
func (fs *Fs_t) Fs_createfile(path string) int {
	opid := fs.Begin_op("create")
	defer fs.End_op(opid)
	dp, name := fs.Nameiparent(opid, path)
	if dp == nil {
		return -1
	}
	ip := fs.Create(opid, dp, name, T_FILE, 0, 0)
	fs.Iput(opid, dp)
	if ip == nil {
		return -1
	}
	fs.Iput(opid, ip)
	return 0
}

// writemax bounds the bytes one transaction may write, leaving journal
// room for the inode, bitmap, and snapshot metadata blocks a COW write
// drags in.
const writemax = (maxopblocks - 12) * BSIZE

// Fs_write writes data at off, or at EOF when app is set. The file is
// created if absent.
func (fs *Fs_t) Fs_write(path string, data []uint8, off uint32, app bool) int {
	if fs.Fs_createfile(path) < 0 {
		return -1
	}
	written := 0
	for written < len(data) {
		n := len(data) - written
		if n > writemax {
			n = writemax
		}
		opid := fs.Begin_op("write")
		ip := fs.Namei(opid, path)
		if ip == nil {
			fs.End_op(opid)
			return -1
		}
		fs.Ilock(ip)
		woff := off + uint32(written)
		if app {
			woff = ip.Size
		}
		r := fs.Writei(opid, ip, data[written:written+n], woff, uint32(n))
		fs.Iunlockput(opid, ip)
		fs.End_op(opid)
		if r != n {
			return -1
		}
		written += n
	}
	return written
}

// Fs_read returns the whole content of the file at path.
func (fs *Fs_t) Fs_read(path string) ([]uint8, int) {
	opid := fs.Begin_op("read")
	defer fs.End_op(opid)
	ip := fs.Namei(opid, path)
	if ip == nil {
		return nil, -1
	}
	fs.Ilock(ip)
	if ip.Itype != T_FILE {
		fs.Iunlockput(opid, ip)
		return nil, -1
	}
	buf := make([]uint8, ip.Size)
	n := fs.Readi(ip, buf, 0, ip.Size)
	fs.Iunlockput(opid, ip)
	if n < 0 {
		return nil, -1
	}
	return buf[:n], 0
}

// Fs_unlink removes the file or empty directory at path.
func (fs *Fs_t) Fs_unlink(path string) int {
	opid := fs.Begin_op("unlink")
	defer fs.End_op(opid)
	dp, name := fs.Nameiparent(opid, path)
	if dp == nil || name == "." || name == ".." {
		if dp != nil {
			fs.Iput(opid, dp)
		}
		return -1
	}
	fs.Ilock(dp)
	r := fs.Dirunlink(opid, dp, name)
	fs.Iunlock(dp)
	fs.Iput(opid, dp)
	fs.Syncsmeta(opid)
	return r
}

// Fs_ls lists the entries of the directory at path.
func (fs *Fs_t) Fs_ls(path string) ([]Lsent_t, int) {
	opid := fs.Begin_op("ls")
	defer fs.End_op(opid)
	dp := fs.Namei(opid, path)
	if dp == nil {
		return nil, -1
	}
	fs.Ilock(dp)
	if dp.Itype != T_DIR {
		fs.Iunlockput(opid, dp)
		return nil, -1
	}
	fs.Iunlock(dp)
	var out []Lsent_t
	var de Dirent_t
	var off uint32
	for {
		r := fs.Dirnext(dp, nil, &de, &off)
		if r < 0 {
			break
		}
		if r == 0 {
			continue
		}
		ip := fs.Iget(de.Inum)
		fs.Ilock(ip)
		out = append(out, Lsent_t{Name: de.Name, Inum: de.Inum, Itype: ip.Itype, Size: ip.Size})
		fs.Iunlockput(opid, ip)
	}
	fs.Iput(opid, dp)
	return out, 0
}

// Fs_getaddrs copies the direct-address array (and indirect pointer) of
// the file at path.
func (fs *Fs_t) Fs_getaddrs(path string) ([NDIRECT + 1]uint32, int) {
	var out [NDIRECT + 1]uint32
	opid := fs.Begin_op("getaddrs")
	defer fs.End_op(opid)
	ip := fs.Namei(opid, path)
	if ip == nil {
		return out, -1
	}
	fs.Ilock(ip)
	out = ip.Addrs
	fs.Iunlockput(opid, ip)
	return out, 0
}

// Fs_getindirectaddrs copies the block addresses the indirect block of
// the file at path references.
func (fs *Fs_t) Fs_getindirectaddrs(path string) ([NINDIRECT]uint32, int) {
	var out [NINDIRECT]uint32
	opid := fs.Begin_op("getindirect")
	defer fs.End_op(opid)
	ip := fs.Namei(opid, path)
	if ip == nil {
		return out, -1
	}
	fs.Ilock(ip)
	iaddr := ip.Addrs[NDIRECT]
	if iaddr == 0 {
		fs.Iunlockput(opid, ip)
		return out, -1
	}
	bp := fs.bc.Bread(int(iaddr))
	for j := 0; j < NINDIRECT; j++ {
		out[j] = binary.LittleEndian.Uint32(bp.Data[j*4:])
	}
	fs.bc.Brelse(bp)
	fs.Iunlockput(opid, ip)
	return out, 0
}

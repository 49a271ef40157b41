// Package snap implements whole-filesystem snapshots: create mirrors the
// live tree into /snapshot/<id> sharing data blocks, rollback rebuilds the
// live tree from a snapshot, delete unlinks one. Shared blocks are
// protected by the per-block reference counts the file system's write path
// and block allocator consult.
package snap

import (
	"fmt"

	"github.com/apex/log"

	"github.com/singlerr/xv6go/defs"
	"github.com/singlerr/xv6go/fs"
)

type Mgr_t struct {
	fs *fs.Fs_t
}

func Mkmgr(f *fs.Fs_t) *Mgr_t {
	return &Mgr_t{fs: f}
}

func hexname(id int) string {
	return fmt.Sprintf("%08x", id)
}

// usedinodes is the admission-side view of inode pressure: the larger of
// the on-disk allocated count and the in-memory referenced count.
func (m *Mgr_t) usedinodes() int {
	cur := m.fs.S_isize()
	if mi := m.fs.Micount(); mi > cur {
		cur = mi
	}
	return cur
}

// Create takes a snapshot of the live tree. Returns the new id (>= 1),
// SNAP_ERR on failure, SNAP_NOINODES when the mirror cannot fit.
func (m *Mgr_t) Create() int {
	opid := m.fs.Begin_op("snapcreate")
	root := m.fs.Iget(fs.ROOTINO)
	m.fs.Ilock(root)
	req := m.fs.Icount(opid, root)
	m.fs.Iunlock(root)
	if m.usedinodes()+req+1 > m.fs.Ninodes() {
		m.fs.Iput(opid, root)
		m.fs.End_op(opid)
		return defs.SNAP_NOINODES
	}

	sroot := m.fs.Snaproot(opid)
	if sroot == nil {
		m.fs.Iput(opid, root)
		m.fs.End_op(opid)
		return defs.SNAP_ERR
	}
	id := int(m.fs.Nextsnapid(opid))

	name := hexname(id)
	m.fs.Ilock(sroot)
	dup, _ := m.fs.Dirlookup(sroot, name)
	m.fs.Iunlock(sroot)
	if dup != nil {
		m.fs.Iput(opid, dup)
		m.fs.Iput(opid, sroot)
		m.fs.Iput(opid, root)
		m.fs.End_op(opid)
		return defs.SNAP_ERR
	}
	sdir := m.fs.Create(opid, sroot, name, fs.T_DIR, 0, 0)
	m.fs.Iput(opid, sroot)
	m.fs.End_op(opid)
	if sdir == nil {
		m.fs.Puto(root)
		return defs.SNAP_ERR
	}

	err := m.subcreate(root, sdir)
	m.fs.Puto(sdir)
	m.fs.Puto(root)

	fin := m.fs.Begin_op("snapmeta")
	m.fs.Syncsmeta(fin)
	m.fs.End_op(fin)

	if err != 0 {
		// partial mirror stays; delete is available to clean up
		log.Warnf("snapshot %d: partial mirror left in place", id)
		return defs.SNAP_ERR
	}
	return id
}

// subcreate recursively mirrors source directory dp into target tp.
func (m *Mgr_t) subcreate(dp, tp *fs.Inode_t) int {
	var de fs.Dirent_t
	var off uint32
	ret := 0
	for {
		r := m.fs.Dirnext(dp, fs.FilterDots, &de, &off)
		if r < 0 {
			break
		}
		if r == 0 {
			continue
		}
		p := m.fs.Iget(de.Inum)
		m.fs.Ilock(p)
		typ := p.Itype
		m.fs.Iunlock(p)

		switch {
		case typ == fs.T_DIR && de.Name == "snapshot":
			// never snapshot the snapshot tree
			m.fs.Puto(p)
		case typ == fs.T_DIR:
			opid := m.fs.Begin_op("icopy")
			destp := m.icopy(opid, tp, p, de.Name)
			m.fs.End_op(opid)
			if destp == nil {
				m.fs.Puto(p)
				return defs.SNAP_ERR
			}
			if r := m.subcreate(p, destp); r != 0 {
				ret = r
			}
			m.fs.Puto(destp)
			m.fs.Puto(p)
		case typ == fs.T_DEV:
			m.fs.Puto(p)
		default:
			opid := m.fs.Begin_op("icopy")
			destp := m.icopy(opid, tp, p, de.Name)
			if destp != nil {
				m.fs.Iput(opid, destp)
			}
			m.fs.Iput(opid, p)
			m.fs.End_op(opid)
			if destp == nil {
				return defs.SNAP_ERR
			}
		}
		if ret != 0 {
			return ret
		}
	}
	return ret
}

// icopy allocates a shadow inode for ip under directory dp. Directories
// are created fresh with their own "." and ".."; regular files share
// every data-block address with the source, whose blocks are then marked
// shared so writes to them diverge first.
func (m *Mgr_t) icopy(opid fs.Opid_t, dp, ip *fs.Inode_t, name string) *fs.Inode_t {
	np := m.fs.Ialloc_safe(opid, m.itypeof(ip))
	if np == nil {
		return nil
	}
	m.fs.Ilock(np)
	m.fs.Ilock(ip)
	np.Major = ip.Major
	np.Minor = ip.Minor
	np.Nlink = 1
	np.Size = 0

	if np.Itype == fs.T_DIR {
		np.Nlink++
		m.fs.Iupdate(opid, np)
		if m.fs.Dirlink(opid, np, ".", np.Inum) < 0 ||
			m.fs.Dirlink(opid, np, "..", dp.Inum) < 0 {
			m.fs.Iunlock(ip)
			m.fs.Iunlockput(opid, np)
			return nil
		}
	} else if np.Itype != fs.T_DEV {
		np.Size = ip.Size
		np.Addrs = ip.Addrs
		m.fs.Smapi(opid, ip)
		m.fs.Iupdate(opid, np)
	} else {
		m.fs.Iupdate(opid, np)
	}
	m.fs.Iunlock(ip)

	m.fs.Ilock(dp)
	if m.fs.Dirlink(opid, dp, name, np.Inum) < 0 {
		m.fs.Iunlock(dp)
		m.fs.Iunlockput(opid, np)
		return nil
	}
	m.fs.Iunlock(dp)
	m.fs.Iunlock(np)
	return np
}

func (m *Mgr_t) itypeof(ip *fs.Inode_t) int16 {
	m.fs.Ilock(ip)
	t := ip.Itype
	m.fs.Iunlock(ip)
	return t
}

// getsnap resolves /snapshot/<hex(id)>. Unlocked, nil when absent.
func (m *Mgr_t) getsnap(opid fs.Opid_t, sroot *fs.Inode_t, id int) *fs.Inode_t {
	m.fs.Ilock(sroot)
	ip, _ := m.fs.Dirlookup(sroot, hexname(id))
	m.fs.Iunlock(sroot)
	return ip
}

// Rollback restores the live tree from snapshot id. Existing files of the
// same name are replaced; inode numbers are not preserved.
func (m *Mgr_t) Rollback(id int) int {
	opid := m.fs.Begin_op("rollback")
	root := m.fs.Iget(fs.ROOTINO)
	sroot := m.fs.Snaproot(opid)
	if sroot == nil {
		m.fs.Iput(opid, root)
		m.fs.End_op(opid)
		return defs.SNAP_ERR
	}
	snap := m.getsnap(opid, sroot, id)
	if snap == nil {
		m.fs.Iput(opid, sroot)
		m.fs.Iput(opid, root)
		m.fs.End_op(opid)
		return defs.SNAP_ERR
	}

	m.fs.Ilock(snap)
	toadd := m.fs.Icount(opid, snap)
	m.fs.Iunlock(snap)
	m.fs.Ilock(root)
	todelete := m.fs.Icount(opid, root)
	m.fs.Iunlock(root)
	m.fs.End_op(opid)

	req := toadd - todelete
	if req < 0 {
		req = 0
	}
	if m.usedinodes()+req > m.fs.Ninodes() {
		m.fs.Puto(snap)
		m.fs.Puto(sroot)
		m.fs.Puto(root)
		return defs.SNAP_NOINODES
	}

	result := m.subrollback(snap, root)

	fin := m.fs.Begin_op("snapmeta")
	m.fs.Syncsmeta(fin)
	m.fs.End_op(fin)

	m.fs.Puto(snap)
	m.fs.Puto(sroot)
	m.fs.Puto(root)
	return result
}

// subrollback restores every entry of snapshot directory sp into target
// directory tp.
func (m *Mgr_t) subrollback(sp, tp *fs.Inode_t) int {
	var de fs.Dirent_t
	var off uint32
	for {
		r := m.fs.Dirnext(sp, fs.FilterDots, &de, &off)
		if r < 0 {
			break
		}
		if r == 0 {
			continue
		}
		p := m.fs.Iget(de.Inum)
		m.fs.Ilock(p)
		typ := p.Itype
		m.fs.Iunlock(p)

		switch {
		case typ == fs.T_DIR && de.Name == "snapshot":
			m.fs.Puto(p)
		case typ == fs.T_DIR:
			opid := m.fs.Begin_op("rbdir")
			m.fs.Ilock(tp)
			dp, _ := m.fs.Dirlookup(tp, de.Name)
			m.fs.Iunlock(tp)
			if dp == nil {
				dp = m.fs.Create(opid, tp, de.Name, fs.T_DIR, 0, 0)
			}
			m.fs.End_op(opid)
			if dp == nil {
				m.fs.Puto(p)
				return defs.SNAP_ERR
			}
			if r := m.subrollback(p, dp); r != 0 {
				m.fs.Puto(dp)
				m.fs.Puto(p)
				return r
			}
			m.fs.Puto(dp)
			m.fs.Puto(p)
		case typ == fs.T_DEV:
			m.fs.Puto(p)
		default:
			opid := m.fs.Begin_op("rbfile")
			m.fs.Ilock(tp)
			if old, _ := m.fs.Dirlookup(tp, de.Name); old != nil {
				m.fs.Iput(opid, old)
				m.fs.Dirunlink(opid, tp, de.Name)
			}
			m.fs.Iunlock(tp)
			np := m.irestore(opid, tp, p, de.Name)
			m.fs.Iput(opid, p)
			if np != nil {
				m.fs.Iput(opid, np)
			}
			m.fs.End_op(opid)
			if np == nil {
				return defs.SNAP_ERR
			}
		}
	}
	return 0
}

// irestore materializes snapshot file sp as a fresh inode under dp,
// sharing sp's data blocks. The shared blocks pick up one more reference
// so the snapshot copy stays intact when the restored file is written.
func (m *Mgr_t) irestore(opid fs.Opid_t, dp, sp *fs.Inode_t, name string) *fs.Inode_t {
	np := m.fs.Ialloc_safe(opid, m.itypeof(sp))
	if np == nil {
		return nil
	}
	m.fs.Ilock(np)
	m.fs.Ilock(sp)
	np.Major = sp.Major
	np.Minor = sp.Minor
	np.Nlink = 1
	np.Size = sp.Size
	if np.Itype != fs.T_DEV && np.Itype != fs.T_DIR {
		np.Addrs = sp.Addrs
		m.fs.Smapi(opid, np)
		if m.fs.Updatesmeta(opid) < 0 {
			m.fs.Iunlock(sp)
			m.fs.Iunlockput(opid, np)
			return nil
		}
	}
	m.fs.Iunlock(sp)
	m.fs.Iupdate(opid, np)

	m.fs.Ilock(dp)
	if m.fs.Dirlink(opid, dp, name, np.Inum) < 0 {
		m.fs.Iunlock(dp)
		m.fs.Iunlockput(opid, np)
		return nil
	}
	m.fs.Iunlock(dp)
	m.fs.Iunlock(np)
	return np
}

// Delete unlinks snapshot id and every inode under it. Data blocks flow
// back through the allocator, which frees precisely those no other
// snapshot or live file still references.
func (m *Mgr_t) Delete(id int) int {
	opid := m.fs.Begin_op("snapdelete")
	sroot := m.fs.Snaproot(opid)
	if sroot == nil {
		m.fs.End_op(opid)
		return defs.SNAP_ERR
	}
	snap := m.getsnap(opid, sroot, id)
	m.fs.End_op(opid)
	if snap == nil {
		m.fs.Puto(sroot)
		return defs.SNAP_ERR
	}

	if r := m.subdelete(snap); r != 0 {
		m.fs.Puto(snap)
		m.fs.Puto(sroot)
		return r
	}
	m.fs.Puto(snap)

	opid = m.fs.Begin_op("snapdelete")
	m.fs.Ilock(sroot)
	r := m.fs.Dirunlink(opid, sroot, hexname(id))
	m.fs.Iunlock(sroot)
	m.fs.Iput(opid, sroot)
	m.fs.Syncsmeta(opid)
	m.fs.End_op(opid)
	if r < 0 {
		return defs.SNAP_ERR
	}
	return 0
}

// subdelete empties directory dp, depth first.
func (m *Mgr_t) subdelete(dp *fs.Inode_t) int {
	var de fs.Dirent_t
	var off uint32
	for {
		r := m.fs.Dirnext(dp, fs.FilterDots, &de, &off)
		if r < 0 {
			break
		}
		if r == 0 {
			continue
		}
		p := m.fs.Iget(de.Inum)
		m.fs.Ilock(p)
		typ := p.Itype
		m.fs.Iunlock(p)

		if typ == fs.T_DIR {
			if r := m.subdelete(p); r != 0 {
				m.fs.Puto(p)
				return r
			}
		}
		opid := m.fs.Begin_op("unlink")
		m.fs.Ilock(dp)
		ur := m.fs.Dirunlink(opid, dp, de.Name)
		m.fs.Iunlock(dp)
		m.fs.Iput(opid, p)
		m.fs.End_op(opid)
		if ur < 0 && typ != fs.T_DEV {
			return defs.SNAP_ERR
		}
	}
	return 0
}

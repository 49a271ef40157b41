package fs

import (
	"bytes"
	"fmt"
	"testing"
)

func bootFS(t *testing.T, disk Disk_i) *Fs_t {
	fs, err := StartFS(disk)
	if err != nil {
		t.Fatalf("StartFS: %v", err)
	}
	return fs
}

func freshFS(t *testing.T) (*Fs_t, *Memdisk_t) {
	md := MkMemdisk()
	if err := Mkfs(md); err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	return bootFS(t, md), md
}

func mkData(v uint8, n int) []uint8 {
	d := make([]uint8, n)
	for i := range d {
		d[i] = v
	}
	return d
}

func TestFSSimple(t *testing.T) {
	fs, md := freshFS(t)

	if fs.Fs_mkdir("/d") < 0 {
		t.Fatalf("mkdir failed")
	}
	if fs.Fs_write("/d/f1", mkData(1, 512), 0, false) != 512 {
		t.Fatalf("write f1 failed")
	}
	if fs.Fs_write("/d/f2", mkData(2, 100), 0, false) != 100 {
		t.Fatalf("write f2 failed")
	}
	d, r := fs.Fs_read("/d/f1")
	if r < 0 || len(d) != 512 || d[0] != 1 {
		t.Fatalf("read f1: r %d len %d", r, len(d))
	}
	if fs.Fs_unlink("/d/f2") < 0 {
		t.Fatalf("unlink f2 failed")
	}
	if _, r := fs.Fs_read("/d/f2"); r == 0 {
		t.Fatalf("f2 still present")
	}
	fs.StopFS()

	// reboot and check
	fs = bootFS(t, md)
	d, r = fs.Fs_read("/d/f1")
	if r < 0 || len(d) != 512 || d[511] != 1 {
		t.Fatalf("read f1 after reboot: r %d len %d", r, len(d))
	}
	ents, r := fs.Fs_ls("/d")
	if r < 0 {
		t.Fatalf("ls failed")
	}
	for _, e := range ents {
		if e.Name == "f2" {
			t.Fatalf("f2 present after reboot")
		}
	}
}

func TestFSAppendCrossesBlocks(t *testing.T) {
	fs, _ := freshFS(t)
	for i := 0; i < 3; i++ {
		if fs.Fs_write("/a", mkData(uint8(i), 300), 0, true) != 300 {
			t.Fatalf("append %d failed", i)
		}
	}
	d, r := fs.Fs_read("/a")
	if r < 0 || len(d) != 900 {
		t.Fatalf("read: r %d len %d", r, len(d))
	}
	for i := 0; i < 900; i++ {
		if d[i] != uint8(i/300) {
			t.Fatalf("byte %d = %d", i, d[i])
		}
	}
}

func TestFSIndirect(t *testing.T) {
	fs, _ := freshFS(t)
	// NDIRECT blocks plus a little spills into the indirect block
	data := mkData(7, (NDIRECT+2)*BSIZE)
	if fs.Fs_write("/big", data, 0, false) != len(data) {
		t.Fatalf("big write failed")
	}
	addrs, r := fs.Fs_getaddrs("/big")
	if r < 0 {
		t.Fatalf("getaddrs failed")
	}
	for i := 0; i < NDIRECT; i++ {
		if addrs[i] == 0 {
			t.Fatalf("direct addr %d is zero", i)
		}
	}
	if addrs[NDIRECT] == 0 {
		t.Fatalf("no indirect pointer")
	}
	ind, r := fs.Fs_getindirectaddrs("/big")
	if r < 0 {
		t.Fatalf("getindirect failed")
	}
	if ind[0] == 0 || ind[1] == 0 || ind[2] != 0 {
		t.Fatalf("indirect entries: %x %x %x", ind[0], ind[1], ind[2])
	}
	d, r := fs.Fs_read("/big")
	if r < 0 || !bytes.Equal(d, data) {
		t.Fatalf("big read mismatch")
	}
}

func TestFSBlockReuse(t *testing.T) {
	fs, _ := freshFS(t)
	if fs.Fs_write("/f1", mkData(1, 4*BSIZE), 0, false) < 0 {
		t.Fatalf("write failed")
	}
	addrs1, _ := fs.Fs_getaddrs("/f1")
	if fs.Fs_unlink("/f1") < 0 {
		t.Fatalf("unlink failed")
	}
	if fs.Fs_write("/f2", mkData(2, 4*BSIZE), 0, false) < 0 {
		t.Fatalf("write failed")
	}
	addrs2, _ := fs.Fs_getaddrs("/f2")
	// with nothing shared, freed blocks come right back
	if addrs1[0] != addrs2[0] {
		t.Fatalf("blocks not reused: %x vs %x", addrs1[0], addrs2[0])
	}
}

func TestFSInodeReuse(t *testing.T) {
	fs, _ := freshFS(t)
	base := fs.S_isize()
	for round := 0; round < 3; round++ {
		for i := 0; i < 50; i++ {
			p := fmt.Sprintf("/f%d", i)
			if fs.Fs_createfile(p) < 0 {
				t.Fatalf("create %s failed", p)
			}
		}
		for i := 0; i < 50; i++ {
			p := fmt.Sprintf("/f%d", i)
			if fs.Fs_unlink(p) < 0 {
				t.Fatalf("unlink %s failed", p)
			}
		}
	}
	if got := fs.S_isize(); got != base {
		t.Fatalf("inodes leaked: %d -> %d", base, got)
	}
}

func TestFSLogRecovery(t *testing.T) {
	md := MkMemdisk()
	if err := Mkfs(md); err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	fs := bootFS(t, md)
	if fs.Fs_write("/f", mkData(9, 256), 0, false) != 256 {
		t.Fatalf("write failed")
	}
	fs.StopFS()

	// a second boot must replay (or find empty) the log and still see the
	// file
	fs = bootFS(t, md)
	d, r := fs.Fs_read("/f")
	if r < 0 || len(d) != 256 || d[0] != 9 {
		t.Fatalf("file lost after reboot")
	}
}

func TestFSDirnext(t *testing.T) {
	fs, _ := freshFS(t)
	names := map[string]bool{}
	for i := 0; i < 5; i++ {
		p := fmt.Sprintf("/e%d", i)
		if fs.Fs_createfile(p) < 0 {
			t.Fatalf("create failed")
		}
		names[fmt.Sprintf("e%d", i)] = false
	}
	opid := fs.Begin_op("test")
	root := fs.Iget(ROOTINO)
	var de Dirent_t
	var off uint32
	for {
		r := fs.Dirnext(root, FilterDots, &de, &off)
		if r < 0 {
			break
		}
		if r == 0 {
			continue
		}
		if _, ok := names[de.Name]; ok {
			names[de.Name] = true
		}
	}
	fs.Iput(opid, root)
	fs.End_op(opid)
	for n, seen := range names {
		if !seen {
			t.Fatalf("dirnext missed %s", n)
		}
	}
}

func TestFSWriteiOffsets(t *testing.T) {
	fs, _ := freshFS(t)
	if fs.Fs_write("/f", mkData(1, 100), 0, false) != 100 {
		t.Fatalf("write failed")
	}
	// a write past EOF must fail, an overwrite inside must not
	opid := fs.Begin_op("test")
	ip := fs.Namei(opid, "/f")
	fs.Ilock(ip)
	if fs.Writei(opid, ip, mkData(2, 10), 200, 10) >= 0 {
		t.Fatalf("write past EOF succeeded")
	}
	if fs.Writei(opid, ip, mkData(3, 10), 50, 10) != 10 {
		t.Fatalf("overwrite failed")
	}
	fs.Iunlockput(opid, ip)
	fs.End_op(opid)
	d, _ := fs.Fs_read("/f")
	if d[50] != 3 || d[49] != 1 || d[60] != 1 {
		t.Fatalf("overwrite bytes wrong: %d %d %d", d[49], d[50], d[60])
	}
}

package kernel

import (
	"bytes"
	"strings"
	"testing"

	"github.com/singlerr/xv6go/defs"
	"github.com/singlerr/xv6go/fs"
	"github.com/singlerr/xv6go/proc"
)

func bootTest(t *testing.T) *Kernel_t {
	disk := fs.MkMemdisk()
	if err := fs.Mkfs(disk); err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	k, err := Boot(disk)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(k.Shutdown)
	return k
}

func spawn(t *testing.T, k *Kernel_t, name string, pages int) *proc.Proc_t {
	p, err := k.Pt.Spawn(name)
	if err != 0 {
		t.Fatalf("spawn: %d", err)
	}
	if pages > 0 {
		if _, r := k.Sys_sbrk(p, pages*defs.PGSIZE); r < 0 {
			t.Fatalf("sbrk failed")
		}
	}
	return p
}

func TestHelloNumber(t *testing.T) {
	k := bootTest(t)
	var out bytes.Buffer
	k.Cons = &out
	if got := k.Sys_hello_number(5); got != 10 {
		t.Fatalf("hello_number(5) = %d", got)
	}
	if got := k.Sys_hello_number(-7); got != -14 {
		t.Fatalf("hello_number(-7) = %d", got)
	}
	if !strings.Contains(out.String(), "Hello, xv6! Your number is 5") {
		t.Fatalf("console output: %q", out.String())
	}
}

func TestProcinfo(t *testing.T) {
	k := bootTest(t)
	p := spawn(t, k, "procinfotest", 2)
	info, r := k.Sys_get_procinfo(p, 0)
	if r < 0 {
		t.Fatalf("get_procinfo: %d", r)
	}
	if info.Pid != p.Pid || info.Sz != uint32(2*defs.PGSIZE) || info.Name != "procinfotest" {
		t.Fatalf("info: %+v", info)
	}
	if _, r := k.Sys_get_procinfo(p, 9999); r == 0 {
		t.Fatalf("bogus pid succeeded")
	}
}

// A child's write to a shared page moves it to a fresh frame: the old
// frame's mapping chain shrinks by one and the new frame's gains one.
func TestForkCOWChains(t *testing.T) {
	k := bootTest(t)
	parent := spawn(t, k, "cow", 1)

	// touch so the page is resident and writable
	b, aerr := parent.Access(k.Vm, 0, true)
	if aerr != 0 {
		t.Fatalf("parent access: %d", aerr)
	}
	b[0] = 'P'
	pa, _, r := k.Sys_vtop(parent, 0)
	if r <= 0 {
		t.Fatalf("vtop: %d", r)
	}

	child, cr := k.Sys_fork(parent)
	if cr < 0 {
		t.Fatalf("fork: %d", cr)
	}
	cpa, _, r := k.Sys_vtop(child, 0)
	if r <= 0 || cpa != pa {
		t.Fatalf("child pa %#x != parent pa %#x", cpa, pa)
	}
	if list, n := k.Sys_phys2virt(parent, pa, 20); n != 2 {
		t.Fatalf("chain before write: %d (%v)", n, list)
	}

	cb, aerr := child.Access(k.Vm, 0, true)
	if aerr != 0 {
		t.Fatalf("child access: %d", aerr)
	}
	cb[0] = 'C'

	newpa, _, r := k.Sys_vtop(child, 0)
	if r <= 0 || newpa == pa {
		t.Fatalf("child still on %#x", newpa)
	}
	if _, n := k.Sys_phys2virt(parent, pa, 20); n != 1 {
		t.Fatalf("old chain after write: %d", n)
	}
	if _, n := k.Sys_phys2virt(parent, newpa, 20); n != 1 {
		t.Fatalf("new chain after write: %d", n)
	}
	// content diverged
	pb, _ := parent.Access(k.Vm, 0, false)
	if pb[0] != 'P' {
		t.Fatalf("parent content clobbered: %c", pb[0])
	}
}

// memstress shape: frames owned by a pid are consecutive, and exit wipes
// every trace of the process.
func TestOwnedFramesAndExit(t *testing.T) {
	k := bootTest(t)
	p4 := spawn(t, k, "stress4", 31)
	p5 := spawn(t, k, "stress5", 31)
	for i := 0; i < 31; i++ {
		if b, err := p4.Access(k.Vm, uint32(i*defs.PGSIZE), true); err != 0 {
			t.Fatalf("access: %d", err)
		} else {
			b[0] = uint8(i)
		}
	}

	count := func(pid int) (int, bool) {
		info, n := k.Sys_dump_physmem_info(p4, defs.PFNNUM)
		if n < 0 {
			t.Fatalf("dump failed")
		}
		c, consec, last := 0, true, -1
		for i := range info {
			if info[i].Allocated == 1 && info[i].Pid == pid {
				if last >= 0 && info[i].Frame_index != last+1 {
					consec = false
				}
				last = info[i].Frame_index
				c++
			}
		}
		return c, consec
	}
	if c, consec := count(p4.Pid); c != 31 || !consec {
		t.Fatalf("pid4 frames: %d consecutive %v", c, consec)
	}
	if c, _ := count(p5.Pid); c != 31 {
		t.Fatalf("pid5 frames: %d", c)
	}

	k.Sys_exit(p4)
	k.Sys_exit(p5)
	if c, _ := count(p4.Pid); c != 0 {
		t.Fatalf("pid4 frames survive exit: %d", c)
	}
	if c, _ := count(p5.Pid); c != 0 {
		t.Fatalf("pid5 frames survive exit: %d", c)
	}
}

// vtop over an untranslated range misses once per page; the same range
// again hits.
func TestVtopCounters(t *testing.T) {
	k := bootTest(t)
	p := spawn(t, k, "vtop", 4)

	var h0, m0 uint32
	if k.Sys_tlbinfo(p, &h0, &m0) < 0 {
		t.Fatalf("tlbinfo failed")
	}
	for va := uint32(0); va < uint32(4*defs.PGSIZE); va += uint32(defs.PGSIZE) {
		if _, _, r := k.Sys_vtop(p, va); r <= 0 {
			t.Fatalf("vtop %#x: %d", va, r)
		}
	}
	var h1, m1 uint32
	k.Sys_tlbinfo(p, &h1, &m1)
	if m1 != m0+4 || h1 != h0 {
		t.Fatalf("first pass: h %d->%d m %d->%d", h0, h1, m0, m1)
	}
	for va := uint32(0); va < uint32(4*defs.PGSIZE); va += uint32(defs.PGSIZE) {
		k.Sys_vtop(p, va)
	}
	var h2, m2 uint32
	k.Sys_tlbinfo(p, &h2, &m2)
	if h2 != h1+4 || m2 != m1 {
		t.Fatalf("second pass: h %d->%d m %d->%d", h1, h2, m1, m2)
	}
}

func TestVtopRewritesSoftwareBit(t *testing.T) {
	k := bootTest(t)
	p := spawn(t, k, "vtop", 1)
	_, flags, r := k.Sys_vtop(p, 0)
	if r <= 0 {
		t.Fatalf("vtop: %d", r)
	}
	if flags&uint32(defs.PTE_T) != 0 {
		t.Fatalf("PTE_T leaked to user: %#x", flags)
	}
	if flags&uint32(defs.PTE_P) == 0 {
		t.Fatalf("flags lack PTE_P: %#x", flags)
	}
}

func TestTlbinfoValidatesPointers(t *testing.T) {
	k := bootTest(t)
	p := spawn(t, k, "t", 0)
	var h uint32
	if k.Sys_tlbinfo(p, &h, nil) >= 0 {
		t.Fatalf("nil misses pointer accepted")
	}
	if k.Sys_tlbinfo(p, nil, &h) >= 0 {
		t.Fatalf("nil hits pointer accepted")
	}
}

func TestSnapshotSyscalls(t *testing.T) {
	k := bootTest(t)
	if k.Fs.Fs_write("/hi", []uint8("snapshot me"), 0, false) < 0 {
		t.Fatalf("write failed")
	}
	id := k.Sys_snapshot_create()
	if id != 1 {
		t.Fatalf("create: %d", id)
	}
	if k.Fs.Fs_unlink("/hi") < 0 {
		t.Fatalf("rm failed")
	}
	if r := k.Sys_snapshot_rollback(id); r != 0 {
		t.Fatalf("rollback: %d", r)
	}
	d, r := k.Fs.Fs_read("/hi")
	if r < 0 || string(d) != "snapshot me" {
		t.Fatalf("rollback content: %q", d)
	}
	if r := k.Sys_snapshot_delete(id); r != 0 {
		t.Fatalf("delete: %d", r)
	}
	if r := k.Sys_snapshot_rollback(id); r != -1 {
		t.Fatalf("rollback of deleted id: %d", r)
	}
	if r := k.Sys_snapshot_delete(42); r != -1 {
		t.Fatalf("delete of bogus id: %d", r)
	}
}

func TestGetAddrs(t *testing.T) {
	k := bootTest(t)
	data := make([]uint8, (fs.NDIRECT+1)*fs.BSIZE)
	if k.Fs.Fs_write("/big", data, 0, false) < 0 {
		t.Fatalf("write failed")
	}
	addrs, r := k.Sys_get_addrs("/big")
	if r < 0 || addrs[0] == 0 || addrs[fs.NDIRECT] == 0 {
		t.Fatalf("addrs: %v %d", addrs, r)
	}
	ind, r := k.Sys_get_indirect_addrs("/big")
	if r < 0 || ind[0] == 0 || ind[1] != 0 {
		t.Fatalf("indirect: %x %x %d", ind[0], ind[1], r)
	}
	if _, r := k.Sys_get_addrs("/missing"); r >= 0 {
		t.Fatalf("missing path succeeded")
	}
}

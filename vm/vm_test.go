package vm

import (
	"testing"

	"github.com/singlerr/xv6go/defs"
	"github.com/singlerr/xv6go/ipt"
	"github.com/singlerr/xv6go/mem"
	"github.com/singlerr/xv6go/tlb"
)

func mkvm() *Vm_t {
	pm := &mem.Physmem_t{}
	pm.Kinit1(&mem.Ticks_t{})
	t := &tlb.Tlb_t{}
	t.Tlbinit1()
	ip := &ipt.Ipt_t{}
	ip.Iptinit1(pm, t)
	pm.Kinit2()
	t.Tlbinit2()
	ip.Iptinit2()
	return &Vm_t{Pm: pm, Ipt: ip, Tlb: t}
}

const pg = uint32(defs.PGSIZE)

func TestSwVtop(t *testing.T) {
	v := mkvm()
	p, ok := Mkpmap(v.Pm)
	if !ok {
		t.Fatalf("mkpmap")
	}
	if _, err := v.Allocuvm(p, 7, 0, 3*pg); err != 0 {
		t.Fatalf("allocuvm: %d", err)
	}
	pa, flags, ok := p.Sw_vtop(1*pg + 0x123)
	if !ok {
		t.Fatalf("vtop miss")
	}
	if pa&0xfff != 0x123 {
		t.Fatalf("page offset lost: %#x", pa)
	}
	if flags&defs.PTE_T == 0 || flags&defs.PTE_P != 0 {
		t.Fatalf("fresh mapping should be software-managed: %#x", flags)
	}
	if _, _, ok := p.Sw_vtop(5 * pg); ok {
		t.Fatalf("unmapped va translated")
	}
}

func TestAllocuvmTracksIPT(t *testing.T) {
	v := mkvm()
	p, _ := Mkpmap(v.Pm)
	if _, err := v.Allocuvm(p, 9, 0, 2*pg); err != 0 {
		t.Fatalf("allocuvm: %d", err)
	}
	for va := uint32(0); va < 2*pg; va += pg {
		pa, _, ok := p.Sw_vtop(va)
		if !ok {
			t.Fatalf("vtop %#x", va)
		}
		if n := v.Ipt.Chainlen(pa); n != 1 {
			t.Fatalf("chain len for %#x = %d", pa, n)
		}
	}
}

func TestFaultRefill(t *testing.T) {
	v := mkvm()
	p, _ := Mkpmap(v.Pm)
	tr := &Tracker_t{}
	v.Allocuvm(p, 3, 0, pg)

	_, miss0 := v.Tlb.Info()
	if err := v.Pagefault(p, 3, tr, 0x10, false); err != 0 {
		t.Fatalf("fault: %d", err)
	}
	pte := p.Lookup(0)
	if *pte&defs.PTE_P == 0 || *pte&defs.PTE_T != 0 {
		t.Fatalf("pte not promoted: %#x", *pte)
	}
	_, miss1 := v.Tlb.Info()
	if miss1 != miss0+1 {
		t.Fatalf("refill should miss once: %d -> %d", miss0, miss1)
	}
	// the refill cached the translation; a lookup now hits
	pa, _, hit := v.Tlb.Lookup(3, 0)
	if !hit {
		t.Fatalf("no tlb entry after refill")
	}
	if defs.Pa_t(pa) != defs.Pte_addr(*pte) {
		t.Fatalf("tlb pa %#x != pte pa %#x", pa, defs.Pte_addr(*pte))
	}
}

func TestTrackerDemotesWhenFull(t *testing.T) {
	v := mkvm()
	p, _ := Mkpmap(v.Pm)
	tr := &Tracker_t{}
	n := uint32(defs.MAX_TRACKERS + 1)
	v.Allocuvm(p, 5, 0, n*pg)

	for va := uint32(0); va < n*pg; va += pg {
		if err := v.Pagefault(p, 5, tr, va, false); err != 0 {
			t.Fatalf("fault %#x: %d", va, err)
		}
	}
	// the overflowing fault demoted everything tracked before it
	promoted := 0
	for va := uint32(0); va < n*pg; va += pg {
		pte := p.Lookup(va)
		if *pte&defs.PTE_P != 0 {
			promoted++
		} else if *pte&defs.PTE_T == 0 {
			t.Fatalf("demoted pte lost PTE_T: %#x", *pte)
		}
	}
	if promoted != 1 {
		t.Fatalf("%d pages promoted, want 1", promoted)
	}
}

func TestFaultDuplicateNotRetracked(t *testing.T) {
	v := mkvm()
	p, _ := Mkpmap(v.Pm)
	tr := &Tracker_t{}
	v.Allocuvm(p, 5, 0, pg)
	for i := 0; i < 3; i++ {
		if err := v.Pagefault(p, 5, tr, 0, false); err != 0 {
			t.Fatalf("fault: %d", err)
		}
		// demote again, as the tracker would on overflow; the VA stays
		// tracked so it must not be recorded twice
		pte := p.Lookup(0)
		flags := defs.Pte_flags(*pte)
		flags &^= defs.PTE_P
		flags |= defs.PTE_T
		p.Modifyflags(0, defs.Pte_addr(*pte), flags)
		p.Tlbflush()
	}
	if tr.idx != 1 {
		t.Fatalf("duplicate VA tracked: idx %d", tr.idx)
	}
}

func TestFaultNoPTEFatal(t *testing.T) {
	v := mkvm()
	p, _ := Mkpmap(v.Pm)
	tr := &Tracker_t{}
	if err := v.Pagefault(p, 5, tr, 77*pg, false); err != -defs.EFAULT {
		t.Fatalf("want EFAULT, got %d", err)
	}
}

func TestPteforkCOW(t *testing.T) {
	v := mkvm()
	parent, _ := Mkpmap(v.Pm)
	ptr := &Tracker_t{}
	v.Allocuvm(parent, 1, 0, pg)

	// touch the page so it is Present and writable the hardware way
	if err := v.Pagefault(parent, 1, ptr, 0, false); err != 0 {
		t.Fatalf("parent fault: %d", err)
	}
	ppte := parent.Lookup(0)
	pa := defs.Pte_addr(*ppte)
	v.Pm.Framedata(pa)[0] = 0xaa

	child, _ := Mkpmap(v.Pm)
	doflush, err := v.Ptefork(child, parent, 2, pg)
	if err != 0 {
		t.Fatalf("ptefork: %d", err)
	}
	if !doflush {
		t.Fatalf("writable page should force a flush")
	}
	if *ppte&defs.PTE_C == 0 || *ppte&defs.PTE_W != 0 {
		t.Fatalf("parent pte not COW: %#x", *ppte)
	}
	cpte := child.Lookup(0)
	if defs.Pte_addr(*cpte) != pa {
		t.Fatalf("child maps a different frame")
	}
	if v.Pm.Refcnt(pa) != 2 {
		t.Fatalf("refcnt = %d, want 2", v.Pm.Refcnt(pa))
	}
	if n := v.Ipt.Chainlen(uint32(pa)); n != 2 {
		t.Fatalf("ipt chain = %d, want 2", n)
	}

	// child write fault: copy, repoint, refcounts and chains adjust
	ctr := &Tracker_t{}
	if err := v.Pagefault(child, 2, ctr, 0, true); err != 0 {
		t.Fatalf("cow fault: %d", err)
	}
	newpa := defs.Pte_addr(*child.Lookup(0))
	if newpa == pa {
		t.Fatalf("child still shares the frame")
	}
	if v.Pm.Framedata(newpa)[0] != 0xaa {
		t.Fatalf("page content not copied")
	}
	if v.Pm.Refcnt(pa) != 1 {
		t.Fatalf("old refcnt = %d, want 1", v.Pm.Refcnt(pa))
	}
	if n := v.Ipt.Chainlen(uint32(pa)); n != 1 {
		t.Fatalf("old chain = %d, want 1", n)
	}
	if n := v.Ipt.Chainlen(uint32(newpa)); n != 1 {
		t.Fatalf("new chain = %d, want 1", n)
	}
	if *child.Lookup(0)&defs.PTE_C != 0 {
		t.Fatalf("child pte still COW")
	}
}

func TestCOWLastSharerKeepsFrame(t *testing.T) {
	v := mkvm()
	parent, _ := Mkpmap(v.Pm)
	tr := &Tracker_t{}
	v.Allocuvm(parent, 1, 0, pg)
	v.Pagefault(parent, 1, tr, 0, false)
	pa := defs.Pte_addr(*parent.Lookup(0))

	child, _ := Mkpmap(v.Pm)
	if _, err := v.Ptefork(child, parent, 2, pg); err != 0 {
		t.Fatalf("ptefork failed")
	}
	// the child goes away; the parent is the sole sharer again
	v.Reclaim(child, 2, &Tracker_t{}, pg)
	if v.Pm.Refcnt(pa) != 1 {
		t.Fatalf("refcnt after exit = %d", v.Pm.Refcnt(pa))
	}

	// write fault with refcnt 1 must keep the frame
	if err := v.Pagefault(parent, 1, tr, 0, true); err != 0 {
		t.Fatalf("fault: %d", err)
	}
	ppte := parent.Lookup(0)
	if defs.Pte_addr(*ppte) != pa {
		t.Fatalf("frame replaced needlessly")
	}
	if *ppte&defs.PTE_C != 0 || *ppte&defs.PTE_W == 0 {
		t.Fatalf("flags wrong after sole-sharer cow: %#x", *ppte)
	}
}

func TestReclaim(t *testing.T) {
	v := mkvm()
	p, _ := Mkpmap(v.Pm)
	tr := &Tracker_t{}
	v.Allocuvm(p, 4, 0, 3*pg)
	v.Pagefault(p, 4, tr, 0, false)
	pa, _, _ := p.Sw_vtop(0)

	v.Reclaim(p, 4, tr, 3*pg)
	if n := v.Ipt.Chainlen(pa); n != 0 {
		t.Fatalf("ipt entries survive exit: %d", n)
	}
	if _, _, hit := v.Tlb.Lookup(4, 0); hit {
		t.Fatalf("tlb entry survives exit")
	}
}

func TestCpuAccessCachesUntilFlush(t *testing.T) {
	v := mkvm()
	p, _ := Mkpmap(v.Pm)
	tr := &Tracker_t{}
	cpu := &Cpu_t{}
	v.Allocuvm(p, 6, 0, pg)

	_, m0 := v.Tlb.Info()
	b, err := cpu.Access(v, p, 6, tr, 0x40, true)
	if err != 0 {
		t.Fatalf("access: %d", err)
	}
	b[0] = 0x5a
	_, m1 := v.Tlb.Info()
	if m1 == m0 {
		t.Fatalf("first touch should have missed the software TLB")
	}
	// while the CPU holds the cached PTE, further accesses do not trap
	if _, err := cpu.Access(v, p, 6, tr, 0x44, false); err != 0 {
		t.Fatalf("access: %d", err)
	}
	_, m2 := v.Tlb.Info()
	if m2 != m1 {
		t.Fatalf("cached access trapped: misses %d -> %d", m1, m2)
	}
}

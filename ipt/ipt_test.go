package ipt

import (
	"testing"

	"github.com/singlerr/xv6go/defs"
	"github.com/singlerr/xv6go/mem"
	"github.com/singlerr/xv6go/tlb"
)

func mkipt() (*Ipt_t, *tlb.Tlb_t) {
	pm := &mem.Physmem_t{}
	pm.Kinit1(&mem.Ticks_t{})
	tl := &tlb.Tlb_t{}
	tl.Tlbinit1()
	ip := &Ipt_t{}
	ip.Iptinit1(pm, tl)
	pm.Kinit2()
	tl.Tlbinit2()
	ip.Iptinit2()
	return ip, tl
}

const pg = uint32(defs.PGSIZE)

func TestInsertRemove(t *testing.T) {
	ip, _ := mkipt()
	if err := ip.Insert(0x1000, 5*pg, defs.PTE_U, 3); err != 0 {
		t.Fatalf("insert: %d", err)
	}
	e := ip.Head(5 * pg)
	if e == nil || e.Pid != 3 || e.Va != 0x1000 || e.Pfn != 5 {
		t.Fatalf("bad entry: %+v", e)
	}
	if e.Flags&defs.PTE_P == 0 {
		t.Fatalf("stored flags must carry PTE_P: %#x", e.Flags)
	}
	if !ip.Remove(0x1000, 5*pg, 3) {
		t.Fatalf("remove failed")
	}
	if ip.Head(5*pg) != nil {
		t.Fatalf("entry survives remove")
	}
	if ip.Remove(0x1000, 5*pg, 3) {
		t.Fatalf("double remove succeeded")
	}
}

func TestInsertUpdatesExisting(t *testing.T) {
	ip, _ := mkipt()
	ip.Insert(0x1000, 5*pg, defs.PTE_U, 3)
	ip.Insert(0x1000, 5*pg, defs.PTE_U|defs.PTE_W, 3)
	if n := ip.Chainlen(5 * pg); n != 1 {
		t.Fatalf("update grew the chain: %d", n)
	}
	e := ip.Head(5 * pg)
	if e.Flags&defs.PTE_W == 0 {
		t.Fatalf("flags not refreshed: %#x", e.Flags)
	}
}

func TestChainSharedFrame(t *testing.T) {
	ip, _ := mkipt()
	ip.Insert(0x1000, 7*pg, defs.PTE_U, 1)
	ip.Insert(0x2000, 7*pg, defs.PTE_U, 2)
	ip.Insert(0x3000, 7*pg, defs.PTE_U, 3)
	if n := ip.Chainlen(7 * pg); n != 3 {
		t.Fatalf("chain = %d", n)
	}
	// removing the middle keeps the rest linked
	if !ip.Remove(0x2000, 7*pg, 2) {
		t.Fatalf("remove failed")
	}
	if n := ip.Chainlen(7 * pg); n != 2 {
		t.Fatalf("chain after remove = %d", n)
	}
	seen := map[int]bool{}
	ip.Withchain(7*pg, func(e *Entry_t) {
		for ; e != nil; e = e.Next {
			seen[e.Pid] = true
		}
	})
	if !seen[1] || !seen[3] || seen[2] {
		t.Fatalf("wrong survivors: %v", seen)
	}
}

func TestSlabGrowth(t *testing.T) {
	ip, _ := mkipt()
	// far more entries than one slab page holds; nothing may be lost
	n := 3*entsperpg + 5
	for i := 0; i < n; i++ {
		if err := ip.Insert(uint32(i)*pg, uint32(i)*pg, defs.PTE_U, 1); err != 0 {
			t.Fatalf("insert %d: %d", i, err)
		}
	}
	for i := 0; i < n; i++ {
		e := ip.Head(uint32(i) * pg)
		if e == nil || e.Va != uint32(i)*pg {
			t.Fatalf("entry %d lost", i)
		}
	}
}

func TestInsertInvalidatesTlbSlot(t *testing.T) {
	ip, tl := mkipt()
	tl.Alloc(3, 0x1000, 9*pg, defs.PTE_U)
	ip.Insert(0x1000, 9*pg, defs.PTE_U, 3)
	if _, _, hit := tl.Lookup(3, 0x1000); hit {
		t.Fatalf("stale tlb entry survives remap")
	}
}

func TestPurgepid(t *testing.T) {
	ip, _ := mkipt()
	ip.Insert(0x1000, 4*pg, defs.PTE_U, 1)
	ip.Insert(0x2000, 4*pg, defs.PTE_U, 2)
	ip.Insert(0x5000, 6*pg, defs.PTE_U, 2)
	ip.Purgepid(2)
	if n := ip.Chainlen(4 * pg); n != 1 {
		t.Fatalf("chain 4 = %d", n)
	}
	if n := ip.Chainlen(6 * pg); n != 0 {
		t.Fatalf("chain 6 = %d", n)
	}
	if e := ip.Head(4 * pg); e.Pid != 1 {
		t.Fatalf("wrong survivor: %d", e.Pid)
	}
}

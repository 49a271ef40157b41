package tlb

import (
	"testing"

	"github.com/singlerr/xv6go/defs"
)

func mktlb() *Tlb_t {
	t := &Tlb_t{}
	t.Tlbinit1()
	t.Tlbinit2()
	return t
}

func TestLookupAfterAlloc(t *testing.T) {
	tl := mktlb()
	tl.Alloc(3, 0x4000, 0x9000, defs.PTE_W|defs.PTE_U)
	pa, flags, hit := tl.Lookup(3, 0x4123)
	if !hit {
		t.Fatalf("miss after alloc")
	}
	if pa != 0x9123 {
		t.Fatalf("pa = %#x", pa)
	}
	if flags != defs.PTE_W|defs.PTE_U {
		t.Fatalf("flags = %#x", flags)
	}
}

func TestCounters(t *testing.T) {
	tl := mktlb()
	tl.Lookup(1, 0)
	h, m := tl.Info()
	if h != 0 || m != 1 {
		t.Fatalf("h %d m %d", h, m)
	}
	tl.Alloc(1, 0, 0x1000, 0)
	tl.Lookup(1, 0)
	h, m = tl.Info()
	if h != 1 || m != 1 {
		t.Fatalf("h %d m %d", h, m)
	}
}

func TestInvalOtherEntryKeepsThis(t *testing.T) {
	tl := mktlb()
	tl.Alloc(1, 0x1000, 0x5000, 0)
	tl.Invalpage(1, 0x2000)
	tl.Invalpage(2, 0x1000)
	tl.Invalpid(9)
	if _, _, hit := tl.Lookup(1, 0x1000); !hit {
		t.Fatalf("unrelated invalidation removed the entry")
	}
}

func TestInvalpid(t *testing.T) {
	tl := mktlb()
	tl.Alloc(1, 0x1000, 0x5000, 0)
	tl.Alloc(2, 0x3000, 0x6000, 0)
	tl.Invalpid(1)
	if _, _, hit := tl.Lookup(1, 0x1000); hit {
		t.Fatalf("pid 1 entry survived")
	}
	if _, _, hit := tl.Lookup(2, 0x3000); !hit {
		t.Fatalf("pid 2 entry lost")
	}
}

func TestDirectMappedCollision(t *testing.T) {
	tl := mktlb()
	// same slot: (pid ^ vp) mod NUMTLB equal for these two
	tl.Alloc(0, 0, 0x5000, 0)
	tl.Alloc(0, uint32(defs.NUMTLB*defs.PGSIZE), 0x6000, 0)
	if _, _, hit := tl.Lookup(0, 0); hit {
		t.Fatalf("collision victim survived")
	}
	if pa, _, hit := tl.Lookup(0, uint32(defs.NUMTLB*defs.PGSIZE)); !hit || pa != 0x6000 {
		t.Fatalf("winner missing: %#x %v", pa, hit)
	}
}

func TestFlush(t *testing.T) {
	tl := mktlb()
	tl.Alloc(1, 0x1000, 0x5000, 0)
	tl.Flush()
	if _, _, hit := tl.Lookup(1, 0x1000); hit {
		t.Fatalf("entry survived full flush")
	}
}

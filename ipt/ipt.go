// Package ipt implements the inverted page table: a reverse map from a
// physical frame to every (pid, va) mapping it. Entries come from a slab
// carved out of whole physical frames so the table can grow with demand.
package ipt

import (
	"sync"

	"github.com/singlerr/xv6go/defs"
	"github.com/singlerr/xv6go/mem"
	"github.com/singlerr/xv6go/tlb"
)

// Entry_t mirrors one live user PTE. next chains entries sharing a frame;
// cnext threads the slab free pool.
type Entry_t struct {
	Pfn    uint32
	Pid    int
	Va     uint32
	Flags  defs.Pte_t
	Refcnt int
	Next   *Entry_t
	cnext  *Entry_t
}

// entries per slab page, sized as if the entry were carved out of a frame
const entsperpg = defs.PGSIZE / 32

type Ipt_t struct {
	tablelock sync.Mutex
	slablock  sync.Mutex
	uselock   bool

	hash [defs.IPT_BUCKETS]*Entry_t
	pool *Entry_t
	pm   *mem.Physmem_t
	tlb  *tlb.Tlb_t
}

func (ipt *Ipt_t) Iptinit1(pm *mem.Physmem_t, t *tlb.Tlb_t) {
	ipt.pm = pm
	ipt.tlb = t
	ipt.uselock = false
}

func (ipt *Ipt_t) Iptinit2() {
	ipt.uselock = true
}

// iptalloc pops an entry from the pool, growing the pool by one frame's
// worth of entries when it runs dry. Returns nil when no frame is left.
func (ipt *Ipt_t) iptalloc() *Entry_t {
	if ipt.uselock {
		ipt.slablock.Lock()
	}
	p := ipt.pool
	if p != nil {
		ipt.pool = p.cnext
		if ipt.uselock {
			ipt.slablock.Unlock()
		}
		return p
	}

	// grow: one physical frame backs the next batch of entries. The frame
	// is charged to the kernel, not the current process.
	if _, ok := ipt.pm.Kalloc(-1); !ok {
		if ipt.uselock {
			ipt.slablock.Unlock()
		}
		return nil
	}
	ents := make([]Entry_t, entsperpg)
	for i := range ents {
		ents[i].cnext = ipt.pool
		ipt.pool = &ents[i]
	}
	p = ipt.pool
	ipt.pool = p.cnext
	if ipt.uselock {
		ipt.slablock.Unlock()
	}
	return p
}

func (ipt *Ipt_t) iptrelse(e *Entry_t) {
	*e = Entry_t{}
	if ipt.uselock {
		ipt.slablock.Lock()
	}
	e.cnext = ipt.pool
	ipt.pool = e
	if ipt.uselock {
		ipt.slablock.Unlock()
	}
}

// Insert records the mapping (pid, va) -> pa. An existing entry has its
// flags refreshed; a new one is appended to the tail of the frame's chain.
// The stored flags always carry PTE_P. The matching software-TLB slot is
// invalidated since the mapping changed.
func (ipt *Ipt_t) Insert(va uint32, pa uint32, perm defs.Pte_t, pid int) defs.Err_t {
	idx := pa / uint32(defs.PGSIZE)
	if idx >= defs.IPT_BUCKETS {
		panic("ipt: out of range")
	}
	if ipt.uselock {
		ipt.tablelock.Lock()
	}
	var last *Entry_t
	t := ipt.hash[idx]
	for t != nil {
		if t.Va == va && t.Pid == pid {
			break
		}
		last = t
		t = t.Next
	}
	if t != nil {
		t.Flags = perm | defs.PTE_P
	} else {
		t = ipt.iptalloc()
		if t == nil {
			if ipt.uselock {
				ipt.tablelock.Unlock()
			}
			return -defs.ENOMEM
		}
		t.Flags = perm | defs.PTE_P
		t.Va = va
		t.Pfn = idx
		t.Pid = pid
		t.Refcnt = 0
		t.Next = nil
		if last != nil {
			last.Next = t
			ipt.hash[idx].Refcnt++
		} else {
			ipt.hash[idx] = t
		}
	}
	if ipt.uselock {
		ipt.tablelock.Unlock()
	}
	ipt.tlb.Invalpage(pid, va)
	return 0
}

// Remove unlinks the entry for (pid, va, pa) and returns it to the pool.
// Reports whether an entry was found.
func (ipt *Ipt_t) Remove(va uint32, pa uint32, pid int) bool {
	idx := pa / uint32(defs.PGSIZE)
	if idx >= defs.IPT_BUCKETS {
		return false
	}
	if ipt.uselock {
		ipt.tablelock.Lock()
	}
	head := ipt.hash[idx]
	var prev *Entry_t
	t := head
	for t != nil {
		if t.Va == va && t.Pid == pid {
			break
		}
		prev = t
		t = t.Next
	}
	if t == nil {
		if ipt.uselock {
			ipt.tablelock.Unlock()
		}
		return false
	}
	if prev != nil {
		prev.Next = t.Next
	} else {
		ipt.hash[idx] = t.Next
	}
	if head != nil && head != t {
		head.Refcnt--
	}
	ipt.iptrelse(t)
	if ipt.uselock {
		ipt.tablelock.Unlock()
	}
	return true
}

// Head returns the first entry of the chain for pa's frame. Callers walk
// the chain under Withchain to keep the traversal atomic.
func (ipt *Ipt_t) Head(pa uint32) *Entry_t {
	idx := pa / uint32(defs.PGSIZE)
	if idx >= defs.IPT_BUCKETS {
		return nil
	}
	return ipt.hash[idx]
}

// Withchain runs f over the chain for pa under the table lock.
func (ipt *Ipt_t) Withchain(pa uint32, f func(*Entry_t)) {
	if ipt.uselock {
		ipt.tablelock.Lock()
	}
	f(ipt.Head(pa))
	if ipt.uselock {
		ipt.tablelock.Unlock()
	}
}

// Chainlen reports how many entries map pa's frame.
func (ipt *Ipt_t) Chainlen(pa uint32) int {
	n := 0
	ipt.Withchain(pa, func(e *Entry_t) {
		for ; e != nil; e = e.Next {
			n++
		}
	})
	return n
}

// Purgepid removes every entry owned by pid, across all buckets. Called at
// process exit after the pages themselves are unmapped.
func (ipt *Ipt_t) Purgepid(pid int) {
	if ipt.uselock {
		ipt.tablelock.Lock()
	}
	for idx := range ipt.hash {
		head := ipt.hash[idx]
		var prev *Entry_t
		t := head
		for t != nil {
			next := t.Next
			if t.Pid == pid {
				if prev != nil {
					prev.Next = next
				} else {
					ipt.hash[idx] = next
				}
				if head != t && ipt.hash[idx] != nil {
					ipt.hash[idx].Refcnt--
				}
				ipt.iptrelse(t)
			} else {
				prev = t
			}
			t = next
		}
	}
	if ipt.uselock {
		ipt.tablelock.Unlock()
	}
}

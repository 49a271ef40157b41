package vm

import (
	"github.com/singlerr/xv6go/defs"
)

// User-memory operations. These modify PTEs for a process and keep the
// inverted page table in sync: every PTE carrying PTE_P or PTE_T has
// exactly one IPT entry.

// Allocuvm grows the user image from oldsz to newsz. New pages are mapped
// software-managed (PTE_T, not present) so the first touch faults into the
// refill path, and the backing frames record the owner pid.
func (v *Vm_t) Allocuvm(p *Pmap_t, pid int, oldsz, newsz uint32) (uint32, defs.Err_t) {
	if newsz >= defs.KERNBASE {
		return 0, -defs.ENOMEM
	}
	if newsz < oldsz {
		return oldsz, 0
	}
	p.Lock()
	defer p.Unlock()
	for a := defs.Pgroundup(oldsz); a < newsz; a += uint32(defs.PGSIZE) {
		// page table first, so runs of data frames stay consecutive
		pte := p.walk(a, true)
		if pte == nil {
			v.dealloc1(p, pid, defs.Pgroundup(oldsz), a)
			return 0, -defs.ENOMEM
		}
		pa, ok := v.Pm.Kalloc(pid)
		if !ok {
			v.dealloc1(p, pid, defs.Pgroundup(oldsz), a)
			return 0, -defs.ENOMEM
		}
		clearpg(v.Pm.Framedata(pa))
		if *pte&(defs.PTE_P|defs.PTE_T) != 0 {
			panic("allocuvm: remap")
		}
		*pte = defs.Pte_t(pa) | defs.PTE_T | defs.PTE_W | defs.PTE_U
	}
	// IPT entries go in after all data frames are taken, so a frame the
	// IPT slab grows into does not split the run
	for a := defs.Pgroundup(oldsz); a < newsz; a += uint32(defs.PGSIZE) {
		pa := defs.Pte_addr(*p.walk(a, false))
		if err := v.Ipt.Insert(a, uint32(pa), defs.PTE_T|defs.PTE_W|defs.PTE_U, pid); err != 0 {
			return 0, err
		}
	}
	p.tlbflush1()
	return newsz, 0
}

// Deallocuvm shrinks the user image from oldsz down to newsz.
func (v *Vm_t) Deallocuvm(p *Pmap_t, pid int, oldsz, newsz uint32) uint32 {
	if newsz >= oldsz {
		return oldsz
	}
	p.Lock()
	v.dealloc1(p, pid, defs.Pgroundup(newsz), defs.Pgroundup(oldsz))
	p.Unlock()
	p.Tlbflush()
	return newsz
}

func (v *Vm_t) dealloc1(p *Pmap_t, pid int, from, to uint32) {
	for a := from; a < to; a += uint32(defs.PGSIZE) {
		pte := p.walk(a, false)
		if pte == nil || *pte&(defs.PTE_P|defs.PTE_T) == 0 {
			continue
		}
		pa := defs.Pte_addr(*pte)
		v.Ipt.Remove(a, uint32(pa), pid)
		v.Tlb.Invalpage(pid, a)
		v.Pm.Kfree(pa)
		*pte = 0
	}
}

// Ptefork builds child's user mappings as copies of parent's over [0, sz).
// Writable pages are downgraded to PTE_C in both address spaces and the
// shared frame's refcount goes up; the parent's hardware TLB must be
// flushed afterwards (the caller owns that, once true is returned).
func (v *Vm_t) Ptefork(child, parent *Pmap_t, childpid int, sz uint32) (bool, defs.Err_t) {
	parent.Lock()
	defer parent.Unlock()
	doflush := false
	for a := uint32(0); a < sz; a += uint32(defs.PGSIZE) {
		pte := parent.walk(a, false)
		if pte == nil || *pte&(defs.PTE_P|defs.PTE_T) == 0 {
			continue
		}
		pa := defs.Pte_addr(*pte)
		flags := defs.Pte_flags(*pte)
		if flags&defs.PTE_W != 0 {
			flags &^= defs.PTE_W
			flags |= defs.PTE_C
			*pte = defs.Pte_t(pa) | flags
			doflush = true
		}
		if err := child.Mappage(a, pa, flags); err != 0 {
			return doflush, err
		}
		v.Pm.Refup(pa)
		if err := v.Ipt.Insert(a, uint32(pa), flags, childpid); err != 0 {
			return doflush, err
		}
	}
	return doflush, 0
}

// Reclaim tears down a dead process's translation state: VA tracker,
// software-TLB entries, IPT entries, user frames, and the page tables.
func (v *Vm_t) Reclaim(p *Pmap_t, pid int, tr *Tracker_t, sz uint32) {
	tr.Reset()
	v.Deallocuvm(p, pid, sz, 0)
	v.Ipt.Purgepid(pid)
	v.Tlb.Invalpid(pid)
	p.Freepmap()
}

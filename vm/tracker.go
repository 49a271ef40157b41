package vm

import (
	"github.com/singlerr/xv6go/defs"
)

// Tracker_t records the VAs the fault handler has temporarily promoted to
// Present. Keeping user PTEs non-present (PTE_T) is what forces re-traps;
// the tracker remembers which pages currently carry PTE_P so they can be
// demoted again, otherwise every PTE would end up Present and the software
// TLB would stop seeing traffic.
type Tracker_t struct {
	vas [defs.MAX_TRACKERS]struct {
		va    uint32
		valid bool
	}
	idx int
}

func (tr *Tracker_t) Reset() {
	for i := range tr.vas {
		tr.vas[i].valid = false
	}
	tr.idx = 0
}

// track1 records va. Duplicates are not re-tracked; a full tracker is
// drained first. Caller holds the page-directory lock.
func (v *Vm_t) track1(p *Pmap_t, tr *Tracker_t, va uint32) {
	va = defs.Pgrounddown(va)
	for i := 0; i < tr.idx; i++ {
		if tr.vas[i].valid && tr.vas[i].va == va {
			return
		}
	}
	if tr.idx >= defs.MAX_TRACKERS {
		v.droptrackers1(p, tr)
	}
	tr.vas[tr.idx].va = va
	tr.vas[tr.idx].valid = true
	tr.idx++
}

// droptrackers1 demotes every tracked VA: the Present bit is stripped and
// PTE_T reasserted, so the next access to any of them faults again. Caller
// holds the page-directory lock and flushes the hardware TLB afterwards.
func (v *Vm_t) droptrackers1(p *Pmap_t, tr *Tracker_t) {
	for i := 0; i < defs.MAX_TRACKERS; i++ {
		t := &tr.vas[i]
		if !t.valid {
			continue
		}
		t.valid = false
		pte := p.walk(t.va, false)
		if pte == nil {
			continue
		}
		perm := defs.Pte_flags(*pte)
		perm &^= defs.PTE_P
		perm |= defs.PTE_T
		*pte = defs.Pte_t(defs.Pte_addr(*pte)) | perm
	}
	tr.idx = 0
}

// Droptrackers is droptrackers1 for callers not holding the directory
// lock: demote everything and flush. Exit resets the tracker instead.
func (v *Vm_t) Droptrackers(p *Pmap_t, tr *Tracker_t) {
	p.Lock()
	v.droptrackers1(p, tr)
	p.Unlock()
	p.Tlbflush()
}

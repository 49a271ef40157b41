// Package tlb implements the software translation cache: a direct-mapped
// array of (pid, va_page) -> (pa_page, flags) entries with hit/miss
// accounting, standing in for the hardware TLB the fault handler emulates.
package tlb

import (
	"sync"

	"github.com/singlerr/xv6go/defs"
)

type tlbent_t struct {
	pid   int
	va    uint32 // page number
	pa    uint32 // page number
	flags defs.Pte_t
	valid bool
}

type Tlb_t struct {
	sync.Mutex
	entries [defs.NUMTLB]tlbent_t
	uselock bool
	hits    uint32
	misses  uint32
}

func tx(pid int, vp uint32) uint32 {
	return (uint32(pid) ^ vp) & (defs.NUMTLB - 1)
}

func (t *Tlb_t) Tlbinit1() {
	t.uselock = false
	for i := range t.entries {
		t.entries[i] = tlbent_t{}
	}
	t.hits = 0
	t.misses = 0
}

func (t *Tlb_t) Tlbinit2() {
	t.uselock = true
}

// Lookup probes the slot for (pid, va). On a hit the full physical address
// (page | offset) and the cached flags are returned. Every probe counts
// toward the hit/miss totals.
func (t *Tlb_t) Lookup(pid int, va uint32) (uint32, defs.Pte_t, bool) {
	vp := va >> defs.PGSHIFT
	idx := tx(pid, vp)
	if t.uselock {
		t.Lock()
	}
	e := &t.entries[idx]
	if e.valid && e.pid == pid && e.va == vp {
		pa := e.pa<<defs.PGSHIFT | va&uint32(defs.PGSIZE-1)
		flags := e.flags
		t.hits++
		if t.uselock {
			t.Unlock()
		}
		return pa, flags, true
	}
	t.misses++
	if t.uselock {
		t.Unlock()
	}
	return 0, 0, false
}

// Alloc installs an entry, overwriting whatever occupied the slot.
func (t *Tlb_t) Alloc(pid int, va uint32, pa uint32, flags defs.Pte_t) {
	vp := va >> defs.PGSHIFT
	pp := pa >> defs.PGSHIFT
	idx := tx(pid, vp)
	if t.uselock {
		t.Lock()
	}
	t.entries[idx] = tlbent_t{pid: pid, va: vp, pa: pp, flags: flags, valid: true}
	if t.uselock {
		t.Unlock()
	}
}

// Invalpid drops every entry owned by pid. Called at process exit.
func (t *Tlb_t) Invalpid(pid int) {
	if t.uselock {
		t.Lock()
	}
	for i := range t.entries {
		if t.entries[i].valid && t.entries[i].pid == pid {
			t.entries[i].valid = false
		}
	}
	if t.uselock {
		t.Unlock()
	}
}

// Invalpage drops the entry for (pid, va) if present. Called when a mapping
// changes.
func (t *Tlb_t) Invalpage(pid int, va uint32) {
	vp := va >> defs.PGSHIFT
	idx := tx(pid, vp)
	if t.uselock {
		t.Lock()
	}
	e := &t.entries[idx]
	if e.valid && e.pid == pid && e.va == vp {
		e.valid = false
	}
	if t.uselock {
		t.Unlock()
	}
}

func (t *Tlb_t) Flush() {
	if t.uselock {
		t.Lock()
	}
	for i := range t.entries {
		t.entries[i].valid = false
	}
	if t.uselock {
		t.Unlock()
	}
}

func (t *Tlb_t) Info() (uint32, uint32) {
	if t.uselock {
		t.Lock()
	}
	h, m := t.hits, t.misses
	if t.uselock {
		t.Unlock()
	}
	return h, m
}

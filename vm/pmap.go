// Package vm implements the software side of address translation: a
// two-level page directory over simulated frames, the pure-software walker,
// fork-time COW marking, and the page-fault state machine that drives the
// software TLB.
package vm

import (
	"sync"

	"github.com/singlerr/xv6go/defs"
	"github.com/singlerr/xv6go/mem"
)

func pdx(va uint32) int {
	return int(va >> 22)
}

func ptx(va uint32) int {
	return int(va>>defs.PGSHIFT) & 0x3ff
}

// Pmap_t is one process's page directory. The embedded mutex serializes
// PTE modification for the process; the tlbver counter is the lcr3
// analogue consumed by Cpu_t.
type Pmap_t struct {
	sync.Mutex
	pm     *mem.Physmem_t
	dir    defs.Pa_t
	tlbver uint64
}

func Mkpmap(pm *mem.Physmem_t) (*Pmap_t, bool) {
	pa, ok := pm.Kalloc(-1)
	if !ok {
		return nil, false
	}
	p := &Pmap_t{pm: pm, dir: pa}
	clearpg(pm.Framedata(pa))
	return p, true
}

func clearpg(pg *mem.Bytepg_t) {
	for i := range pg {
		pg[i] = 0
	}
}

func (p *Pmap_t) ptes(pa defs.Pa_t) *[1024]defs.Pte_t {
	return mem.Pg2ptes(p.pm.Framedata(pa))
}

// walk returns the PTE slot for va, optionally creating the page table it
// lives in. nil if the level is absent (or cannot be allocated).
func (p *Pmap_t) walk(va uint32, create bool) *defs.Pte_t {
	dir := p.ptes(p.dir)
	pde := dir[pdx(va)]
	if pde&defs.PTE_P == 0 {
		if !create {
			return nil
		}
		pa, ok := p.pm.Kalloc(-1)
		if !ok {
			return nil
		}
		clearpg(p.pm.Framedata(pa))
		pde = defs.Pte_t(pa) | defs.PTE_P | defs.PTE_W | defs.PTE_U
		dir[pdx(va)] = pde
	}
	pt := p.ptes(defs.Pte_addr(pde))
	return &pt[ptx(va)]
}

// Lookup returns the PTE slot for va without allocating.
func (p *Pmap_t) Lookup(va uint32) *defs.Pte_t {
	return p.walk(va, false)
}

// Sw_vtop performs the walk in software, never consulting the simulated
// MMU: PDE index, PDE present check, PTE fetch, frame | offset. The
// returned flags are the raw PTE flags.
func (p *Pmap_t) Sw_vtop(va uint32) (uint32, defs.Pte_t, bool) {
	pte := p.walk(va, false)
	if pte == nil || *pte&(defs.PTE_P|defs.PTE_T) == 0 {
		return 0, 0, false
	}
	pa := uint32(defs.Pte_addr(*pte)) | va&uint32(defs.PGSIZE-1)
	return pa, defs.Pte_flags(*pte), true
}

// Modifyflags points va at pa with exactly the given flags.
func (p *Pmap_t) Modifyflags(va uint32, pa defs.Pa_t, flags defs.Pte_t) bool {
	pte := p.walk(va, false)
	if pte == nil {
		return false
	}
	*pte = defs.Pte_t(pa) | flags
	return true
}

// Mappage installs a mapping, allocating the page table if needed.
func (p *Pmap_t) Mappage(va uint32, pa defs.Pa_t, flags defs.Pte_t) defs.Err_t {
	pte := p.walk(va, true)
	if pte == nil {
		return -defs.ENOMEM
	}
	if *pte&(defs.PTE_P|defs.PTE_T) != 0 {
		panic("mappage: remap")
	}
	*pte = defs.Pte_t(pa) | flags
	return 0
}

// Tlbflush invalidates the simulated hardware TLB for this address space.
func (p *Pmap_t) Tlbflush() {
	p.Lock()
	p.tlbver++
	p.Unlock()
}

// tlbflush1 is Tlbflush for callers already holding the directory lock.
func (p *Pmap_t) tlbflush1() {
	p.tlbver++
}

func (p *Pmap_t) tlbversion() uint64 {
	p.Lock()
	v := p.tlbver
	p.Unlock()
	return v
}

// Freepmap releases the page-table pages and the directory itself. User
// frames must already be unmapped.
func (p *Pmap_t) Freepmap() {
	dir := p.ptes(p.dir)
	for i := range dir {
		if dir[i]&defs.PTE_P != 0 {
			p.pm.Kfree(defs.Pte_addr(dir[i]))
			dir[i] = 0
		}
	}
	p.pm.Kfree(p.dir)
}

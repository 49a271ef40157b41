package vm

import (
	"github.com/singlerr/xv6go/defs"
)

// Cpu_t models the MMU-side translation cache of the core a process runs
// on. Once the fault handler marks a PTE Present, the CPU may cache it and
// later accesses to the page do not trap until the address space's
// hardware TLB is flushed.
type Cpu_t struct {
	ver     uint64
	entries map[uint32]defs.Pte_t
}

func (cpu *Cpu_t) cached(p *Pmap_t, vapg uint32) (defs.Pte_t, bool) {
	if v := p.tlbversion(); v != cpu.ver || cpu.entries == nil {
		cpu.entries = make(map[uint32]defs.Pte_t)
		cpu.ver = v
	}
	pte, ok := cpu.entries[vapg]
	return pte, ok
}

// Access performs one user load or store at va. It consults the CPU cache
// first, then the page tables; a non-present PTE (or a store through a
// read-only one) raises a page fault into fault. The returned slice is the
// byte window of the page starting at va.
func (cpu *Cpu_t) Access(v *Vm_t, p *Pmap_t, pid int, tr *Tracker_t, va uint32, write bool) ([]uint8, defs.Err_t) {
	vapg := defs.Pgrounddown(va)
	for try := 0; try < 4; try++ {
		pte, ok := cpu.cached(p, vapg)
		if !ok {
			p.Lock()
			slot := p.walk(vapg, false)
			if slot != nil {
				pte = *slot
			}
			p.Unlock()
			if slot != nil && pte&defs.PTE_P != 0 && (!write || pte&defs.PTE_W != 0) {
				cpu.entries[vapg] = pte
				ok = true
			}
		}
		if ok && pte&defs.PTE_P != 0 && (!write || pte&defs.PTE_W != 0) {
			pa := defs.Pte_addr(pte) + defs.Pa_t(va-vapg)
			return v.Pm.Dmap8(pa), 0
		}
		if err := v.Pagefault(p, pid, tr, va, write); err != 0 {
			return nil, err
		}
	}
	panic("access: fault loop")
}

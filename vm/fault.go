package vm

import (
	"github.com/apex/log"

	"github.com/singlerr/xv6go/defs"
	"github.com/singlerr/xv6go/ipt"
	"github.com/singlerr/xv6go/mem"
	"github.com/singlerr/xv6go/tlb"
)

// Vm_t bundles the translation-layer singletons the fault handler operates
// over. One per machine.
type Vm_t struct {
	Pm  *mem.Physmem_t
	Ipt *ipt.Ipt_t
	Tlb *tlb.Tlb_t
}

// Pagefault dispatches a T_PGFLT for (pid, va). errwrite is the write bit
// of the fault error code. Returns 0 when the fault was resolved,
// -EFAULT when the process must die, and the IPT's error when the COW
// path cannot record the new mapping.
//
// The state machine over (errwrite, PTE_C, PTE_P, PTE_T):
//  1. no PTE: fatal.
//  2. write fault with PTE_C: COW. A shared frame is duplicated and the
//     PTE repointed; a frame with refcnt 1 just gets PTE_C cleared and
//     PTE_W restored.
//  3. neither PTE_T nor PTE_P, user range: rescue to PTE_T|PTE_U and fall
//     through. Kernel range: fatal.
//  4. PTE_T without PTE_P: software-TLB refill, track the VA, promote the
//     PTE to Present.
//  5. anything else: fatal.
//
// The hardware TLB is flushed only after all memory state is updated.
func (v *Vm_t) Pagefault(p *Pmap_t, pid int, tr *Tracker_t, va uint32, errwrite bool) defs.Err_t {
	vapg := defs.Pgrounddown(va)

	p.Lock()
	defer p.Unlock()

	pte := p.walk(vapg, false)
	if pte == nil {
		log.Errorf("page fault - pid %d: addr %#x flags <no pte> -- kill proc", pid, va)
		return -defs.EFAULT
	}

	handled := false

	if errwrite && *pte&defs.PTE_C != 0 {
		pa := defs.Pte_addr(*pte)
		idx := uint32(pa) / uint32(defs.PGSIZE)
		if idx >= defs.PFNNUM {
			panic("out of range")
		}
		refcnt := v.Pm.Refcnt(pa)
		if refcnt > 1 {
			newpa, ok := v.Pm.Kalloc(pid)
			if !ok {
				log.Errorf("COW: out of memory -- kill proc with pid %d", pid)
				return -defs.EFAULT
			}
			old := v.Pm.Framedata(pa)
			copy(v.Pm.Framedata(newpa)[:], old[:])
			flags := defs.Pte_flags(*pte)
			flags &^= defs.PTE_C
			flags |= defs.PTE_W
			*pte = defs.Pte_t(newpa) | flags
			// the VA now maps a different frame
			v.Ipt.Remove(vapg, uint32(pa), pid)
			if err := v.Ipt.Insert(vapg, uint32(newpa), flags, pid); err != 0 {
				return err
			}
			v.Pm.Kfree(pa)
		} else {
			*pte &^= defs.PTE_C
			*pte |= defs.PTE_W
		}
		p.tlbflush1()
		handled = true
	}

	if *pte&(defs.PTE_T|defs.PTE_P) == 0 {
		if vapg < defs.KERNBASE {
			f := defs.Pte_flags(*pte)
			f |= defs.PTE_T | defs.PTE_U
			*pte = defs.Pte_t(defs.Pte_addr(*pte)) | f
			p.tlbflush1()
		} else {
			log.Errorf("page fault - pid %d: addr %#x flags %d -- kill proc", pid, va, defs.Pte_flags(*pte))
			return -defs.EFAULT
		}
	}

	if *pte&defs.PTE_P == 0 && *pte&defs.PTE_T != 0 {
		pa := uint32(defs.Pte_addr(*pte))
		flags := defs.Pte_flags(*pte)
		if rpa, _, hit := v.Tlb.Lookup(pid, vapg); hit {
			if defs.Pgrounddown(rpa) != pa {
				v.Tlb.Alloc(pid, vapg, pa, flags)
			}
		} else {
			v.Tlb.Alloc(pid, vapg, pa, flags)
		}
		v.track1(p, tr, vapg)
		flags &^= defs.PTE_T
		flags |= defs.PTE_P
		*pte = defs.Pte_t(pa) | flags
		p.tlbflush1()
		handled = true
	}

	if !handled {
		log.Errorf("page fault - pid %d: unexpected state addr %#x pte %#x -- kill proc", pid, va, *pte)
		return -defs.EFAULT
	}
	return 0
}

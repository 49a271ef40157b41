package kernel

import (
	"fmt"

	"github.com/singlerr/xv6go/defs"
	"github.com/singlerr/xv6go/ipt"
	"github.com/singlerr/xv6go/mem"
	"github.com/singlerr/xv6go/proc"
)

// Syscalls. Thin translators between user programs and the subsystems;
// every call returns a negative value on error.

// Sys_hello_number greets on the kernel console and returns n*2.
func (k *Kernel_t) Sys_hello_number(n int) int {
	fmt.Fprintf(k.Cons, "Hello, xv6! Your number is %d\n", n)
	return n * 2
}

// Sys_get_procinfo fills out the record for pid; pid <= 0 means the
// caller.
func (k *Kernel_t) Sys_get_procinfo(p *proc.Proc_t, pid int) (proc.Procinfo_t, int) {
	if pid <= 0 {
		pid = p.Pid
	}
	pi, ok := k.Pt.Procinfo(pid)
	if !ok {
		return proc.Procinfo_t{}, -1
	}
	return pi, 0
}

// Sys_vtop software-walks the caller's page directory. PTE_T is rewritten
// to PTE_P on the way out; user programs only know about Present. Returns
// 1 with (pa, flags) on success, -1 when va is unmapped.
func (k *Kernel_t) Sys_vtop(p *proc.Proc_t, va uint32) (uint32, uint32, int) {
	pa, flags, ok := p.Pgdir.Sw_vtop(va)
	if !ok {
		return 0, 0, -1
	}
	// observe the translation through the software TLB so vtop traffic
	// shows up in the hit/miss counters
	vapg := defs.Pgrounddown(va)
	if rpa, _, hit := k.Tlb.Lookup(p.Pid, vapg); !hit || defs.Pgrounddown(rpa) != defs.Pgrounddown(pa) {
		k.Tlb.Alloc(p.Pid, vapg, defs.Pgrounddown(pa), flags)
	}
	if flags&defs.PTE_T != 0 {
		flags &^= defs.PTE_T
		flags |= defs.PTE_P
	}
	return pa, uint32(flags), 1
}

// Vlist_t is one phys2virt record.
type Vlist_t struct {
	Pid   int
	Va    uint32
	Flags uint32
}

// Sys_phys2virt copies up to max (pid, va, flags) entries from the IPT
// chain of pa's frame.
func (k *Kernel_t) Sys_phys2virt(p *proc.Proc_t, pa uint32, max int) ([]Vlist_t, int) {
	if max <= 0 {
		return nil, -1
	}
	var out []Vlist_t
	k.Ipt.Withchain(pa, func(e *ipt.Entry_t) {
		for ; e != nil && len(out) < max; e = e.Next {
			flags := e.Flags
			if flags&defs.PTE_T != 0 {
				flags &^= defs.PTE_T
				flags |= defs.PTE_P
			}
			out = append(out, Vlist_t{Pid: e.Pid, Va: e.Va, Flags: uint32(flags) & 0x1f})
		}
	})
	return out, len(out)
}

// Sys_dump_physmem_info streams at most max frame records in frame-index
// order.
func (k *Kernel_t) Sys_dump_physmem_info(p *proc.Proc_t, max int) ([]mem.Physframeinfo_t, int) {
	if max <= 0 {
		return nil, -1
	}
	out := k.Pm.Dump(max)
	return out, len(out)
}

// Sys_tlbinfo reports the software-TLB counters. Both destinations are
// validated before either is written.
func (k *Kernel_t) Sys_tlbinfo(p *proc.Proc_t, hits *uint32, misses *uint32) int {
	if hits == nil || misses == nil {
		return -1
	}
	h, m := k.Tlb.Info()
	*hits = h
	*misses = m
	return 0
}

// Sys_sbrk grows (or shrinks) the caller's image, returning the old
// break.
func (k *Kernel_t) Sys_sbrk(p *proc.Proc_t, n int) (uint32, int) {
	old, err := k.Pt.Grow(p, n)
	if err != 0 {
		return 0, -1
	}
	return old, 0
}

// Sys_fork clones the caller with COW mappings.
func (k *Kernel_t) Sys_fork(p *proc.Proc_t) (*proc.Proc_t, int) {
	child, err := k.Pt.Fork(p)
	if err != 0 {
		return nil, -1
	}
	return child, child.Pid
}

// Sys_exit reclaims the process's translation resources.
func (k *Kernel_t) Sys_exit(p *proc.Proc_t) {
	k.Pt.Exit(p)
}

func (k *Kernel_t) Sys_snapshot_create() int {
	return k.Snap.Create()
}

func (k *Kernel_t) Sys_snapshot_rollback(id int) int {
	return k.Snap.Rollback(id)
}

func (k *Kernel_t) Sys_snapshot_delete(id int) int {
	return k.Snap.Delete(id)
}

// Sys_get_addrs copies the direct-address array (plus the indirect
// pointer) of the file at path.
func (k *Kernel_t) Sys_get_addrs(path string) ([]uint32, int) {
	addrs, r := k.Fs.Fs_getaddrs(path)
	if r < 0 {
		return nil, -1
	}
	return addrs[:], 0
}

// Sys_get_indirect_addrs copies the addresses held by the file's indirect
// block.
func (k *Kernel_t) Sys_get_indirect_addrs(path string) ([]uint32, int) {
	addrs, r := k.Fs.Fs_getindirectaddrs(path)
	if r < 0 {
		return nil, -1
	}
	return addrs[:], 0
}

// Package proc carries the minimal process table the translation layer
// needs: enough state to own a page directory, a VA tracker, and a
// simulated CPU, plus fork/exit with COW semantics.
package proc

import (
	"sync"

	"github.com/singlerr/xv6go/defs"
	"github.com/singlerr/xv6go/vm"
)

const NPROC = 64

type Proc_t struct {
	Pid     int
	Ppid    int
	State   int
	Sz      uint32
	Name    string
	Killed  bool
	Pgdir   *vm.Pmap_t
	Tracker vm.Tracker_t
	Cpu     vm.Cpu_t
}

type Ptable_t struct {
	sync.Mutex
	procs   map[int]*Proc_t
	nextpid int
	vm      *vm.Vm_t
}

func Mkptable(v *vm.Vm_t) *Ptable_t {
	return &Ptable_t{
		procs:   make(map[int]*Proc_t, NPROC),
		nextpid: 1,
		vm:      v,
	}
}

// Spawn creates a fresh runnable process with an empty address space.
func (pt *Ptable_t) Spawn(name string) (*Proc_t, defs.Err_t) {
	pt.Lock()
	if len(pt.procs) >= NPROC {
		pt.Unlock()
		return nil, -defs.ENOMEM
	}
	pid := pt.nextpid
	pt.nextpid++
	pt.Unlock()

	pgdir, ok := vm.Mkpmap(pt.vm.Pm)
	if !ok {
		return nil, -defs.ENOMEM
	}
	p := &Proc_t{
		Pid:   pid,
		Ppid:  0,
		State: defs.RUNNING,
		Name:  name,
		Pgdir: pgdir,
	}
	pt.Lock()
	pt.procs[pid] = p
	pt.Unlock()
	return p, 0
}

// Fork clones parent. Writable user pages become COW (PTE_C) in both
// address spaces and the shared frames gain a reference.
func (pt *Ptable_t) Fork(parent *Proc_t) (*Proc_t, defs.Err_t) {
	child, err := pt.Spawn(parent.Name)
	if err != 0 {
		return nil, err
	}
	child.Ppid = parent.Pid
	child.Sz = parent.Sz
	doflush, err := pt.vm.Ptefork(child.Pgdir, parent.Pgdir, child.Pid, parent.Sz)
	if doflush {
		parent.Pgdir.Tlbflush()
	}
	if err != 0 {
		pt.Exit(child)
		return nil, err
	}
	child.Pgdir.Tlbflush()
	return child, 0
}

// Grow is the sbrk analogue. Returns the old break.
func (pt *Ptable_t) Grow(p *Proc_t, n int) (uint32, defs.Err_t) {
	old := p.Sz
	if n > 0 {
		sz, err := pt.vm.Allocuvm(p.Pgdir, p.Pid, p.Sz, p.Sz+uint32(n))
		if err != 0 {
			return 0, err
		}
		p.Sz = sz
	} else if n < 0 {
		p.Sz = pt.vm.Deallocuvm(p.Pgdir, p.Pid, p.Sz, p.Sz-uint32(-n))
	}
	return old, 0
}

// Exit reclaims every translation resource the process holds: tracker,
// software-TLB entries, IPT entries, user frames, page tables.
func (pt *Ptable_t) Exit(p *Proc_t) {
	pt.vm.Reclaim(p.Pgdir, p.Pid, &p.Tracker, p.Sz)
	p.State = defs.ZOMBIE
	pt.Lock()
	delete(pt.procs, p.Pid)
	pt.Unlock()
}

func (pt *Ptable_t) Lookup(pid int) *Proc_t {
	pt.Lock()
	p := pt.procs[pid]
	pt.Unlock()
	return p
}

// Access performs one load or store in p's address space, faulting as the
// hardware would. A killed process stays killed.
func (p *Proc_t) Access(v *vm.Vm_t, va uint32, write bool) ([]uint8, defs.Err_t) {
	if p.Killed {
		return nil, -defs.EFAULT
	}
	b, err := p.Cpu.Access(v, p.Pgdir, p.Pid, &p.Tracker, va, write)
	if err != 0 {
		p.Killed = true
	}
	return b, err
}

// Procinfo_t is the get_procinfo record.
type Procinfo_t struct {
	Pid   int
	Ppid  int
	State int
	Sz    uint32
	Name  string
}

func (pt *Ptable_t) Procinfo(pid int) (Procinfo_t, bool) {
	pt.Lock()
	defer pt.Unlock()
	p, ok := pt.procs[pid]
	if !ok {
		return Procinfo_t{}, false
	}
	name := p.Name
	if len(name) > 15 {
		name = name[:15]
	}
	return Procinfo_t{Pid: p.Pid, Ppid: p.Ppid, State: p.State, Sz: p.Sz, Name: name}, true
}

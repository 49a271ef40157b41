// Package kernel boots the simulated machine and exposes the syscall
// surface: the address-translation subsystems over the frame tracker, and
// the snapshotting file system over a disk image.
package kernel

import (
	"io"
	"os"
	"time"

	"github.com/singlerr/xv6go/fs"
	"github.com/singlerr/xv6go/ipt"
	"github.com/singlerr/xv6go/mem"
	"github.com/singlerr/xv6go/proc"
	"github.com/singlerr/xv6go/snap"
	"github.com/singlerr/xv6go/tlb"
	"github.com/singlerr/xv6go/vm"
)

type Kernel_t struct {
	Ticks *mem.Ticks_t
	Pm    *mem.Physmem_t
	Tlb   *tlb.Tlb_t
	Ipt   *ipt.Ipt_t
	Vm    *vm.Vm_t
	Pt    *proc.Ptable_t
	Fs    *fs.Fs_t
	Snap  *snap.Mgr_t

	Cons  io.Writer
	stopc chan struct{}
}

// tick length of the simulated clock
const tickdur = time.Millisecond

// Boot brings the machine up over the given disk: two-phase init of the
// frame tracker, TLB, and IPT, then the file system (journal recovery
// included) and snapshot metadata.
func Boot(disk fs.Disk_i) (*Kernel_t, error) {
	k := &Kernel_t{Cons: os.Stdout}
	k.Ticks = &mem.Ticks_t{}

	k.Pm = &mem.Physmem_t{}
	k.Pm.Kinit1(k.Ticks)
	k.Tlb = &tlb.Tlb_t{}
	k.Tlb.Tlbinit1()
	k.Ipt = &ipt.Ipt_t{}
	k.Ipt.Iptinit1(k.Pm, k.Tlb)
	k.Vm = &vm.Vm_t{Pm: k.Pm, Ipt: k.Ipt, Tlb: k.Tlb}
	k.Pt = proc.Mkptable(k.Vm)

	k.Pm.Kinit2()
	k.Tlb.Tlbinit2()
	k.Ipt.Iptinit2()

	f, err := fs.StartFS(disk)
	if err != nil {
		return nil, err
	}
	k.Fs = f
	k.Fs.SetConsole(func(b []uint8) {
		k.Cons.Write(b)
	})
	k.Snap = snap.Mkmgr(f)

	k.stopc = make(chan struct{})
	go k.clock()
	return k, nil
}

func (k *Kernel_t) clock() {
	t := time.NewTicker(tickdur)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			k.Ticks.Tick()
		case <-k.stopc:
			return
		}
	}
}

// Shutdown stops the clock and flushes the disk.
func (k *Kernel_t) Shutdown() {
	close(k.stopc)
	k.Fs.StopFS()
}

// Sleepticks blocks the caller for n clock ticks.
func (k *Kernel_t) Sleepticks(n uint32) {
	target := k.Ticks.Now() + n
	for k.Ticks.Now() < target {
		time.Sleep(tickdur)
	}
}

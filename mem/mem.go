package mem

import (
	"sync"
	"unsafe"

	"github.com/singlerr/xv6go/defs"
)

type Bytepg_t [4096]uint8

// Pg2ptes views a frame as an array of page-table entries.
func Pg2ptes(pg *Bytepg_t) *[1024]defs.Pte_t {
	return (*[1024]defs.Pte_t)(unsafe.Pointer(pg))
}

// Pg2words views a frame as an array of 32-bit words.
func Pg2words(pg *Bytepg_t) *[1024]uint32 {
	return (*[1024]uint32)(unsafe.Pointer(pg))
}

// Ticks_t is the kernel tick counter. Last in the lock order; never held
// across another acquire.
type Ticks_t struct {
	sync.Mutex
	ticks uint32
}

func (t *Ticks_t) Now() uint32 {
	t.Lock()
	c := t.ticks
	t.Unlock()
	return c
}

func (t *Ticks_t) Tick() {
	t.Lock()
	t.ticks++
	t.Unlock()
}

// Physframeinfo_t is one record streamed out by Dump.
type Physframeinfo_t struct {
	Frame_index int
	Allocated   int
	Pid         int
	Start_tick  uint32
}

type physpg_t struct {
	allocated  int
	pid        int
	start_tick uint32
	refcnt     int
	// index into pgs of next page on the free list, -1 terminates
	nexti int
	data  *Bytepg_t
}

const nilidx = -1

// Physmem_t tracks every simulated physical frame. The embedded mutex is
// the frame-tracker lock (pf_info); the allocator free list has its own.
type Physmem_t struct {
	sync.Mutex
	pgs      []physpg_t
	freelock sync.Mutex
	freei    int
	uselock  bool
	ticks    *Ticks_t
}

var Physmem = &Physmem_t{}

// Kinit1 places every frame on the free list. Runs single-threaded at boot,
// before locking is enabled by Kinit2.
func (phys *Physmem_t) Kinit1(ticks *Ticks_t) {
	phys.ticks = ticks
	phys.uselock = false
	phys.pgs = make([]physpg_t, defs.PFNNUM)
	phys.freei = nilidx
	for i := defs.PFNNUM - 1; i >= 0; i-- {
		pg := &phys.pgs[i]
		pg.pid = -1
		pg.nexti = phys.freei
		phys.freei = i
	}
}

func (phys *Physmem_t) Kinit2() {
	phys.uselock = true
}

func pfx(pa defs.Pa_t) int {
	return int(uint32(pa) >> defs.PGSHIFT)
}

// Kalloc pops one frame off the free list. The returned frame has refcnt 1
// and records pid as its owner; pass -1 for kernel-owned frames. Returns
// false when physical memory is exhausted.
func (phys *Physmem_t) Kalloc(pid int) (defs.Pa_t, bool) {
	var curticks uint32
	if phys.ticks != nil {
		curticks = phys.ticks.Now()
	}
	if phys.uselock {
		phys.freelock.Lock()
	}
	idx := phys.freei
	if idx == nilidx {
		if phys.uselock {
			phys.freelock.Unlock()
		}
		return 0, false
	}
	phys.freei = phys.pgs[idx].nexti

	if phys.uselock {
		phys.Lock()
	}
	pg := &phys.pgs[idx]
	pg.allocated = 1
	pg.start_tick = curticks
	pg.refcnt = 1
	if pg.data == nil {
		pg.data = &Bytepg_t{}
	}
	if pid >= 0 {
		pg.pid = pid
	}
	if phys.uselock {
		phys.Unlock()
		phys.freelock.Unlock()
	}
	return defs.Pa_t(idx << defs.PGSHIFT), true
}

// Kfree drops one reference. The frame returns to the free list and its
// metadata resets only when the count reaches zero.
func (phys *Physmem_t) Kfree(pa defs.Pa_t) {
	idx := pfx(pa)
	if uint32(pa)%uint32(defs.PGSIZE) != 0 || idx >= defs.PFNNUM {
		panic("kfree: out of range")
	}
	if phys.uselock {
		phys.Lock()
	}
	pg := &phys.pgs[idx]
	if pg.refcnt > 0 {
		pg.refcnt--
	}
	if pg.refcnt == 0 {
		// fill with junk to catch dangling refs
		if pg.data != nil {
			for i := range pg.data {
				pg.data[i] = 1
			}
		}
		if phys.uselock {
			phys.freelock.Lock()
		}
		pg.nexti = phys.freei
		phys.freei = idx
		if phys.uselock {
			phys.freelock.Unlock()
		}
		pg.allocated = 0
		pg.pid = -1
		pg.start_tick = 0
	}
	if phys.uselock {
		phys.Unlock()
	}
}

func (phys *Physmem_t) Refup(pa defs.Pa_t) {
	idx := pfx(pa)
	if idx >= defs.PFNNUM {
		panic("refup: out of range")
	}
	phys.Lock()
	pg := &phys.pgs[idx]
	if pg.refcnt <= 0 {
		panic("refup: free frame")
	}
	pg.refcnt++
	phys.Unlock()
}

func (phys *Physmem_t) Refcnt(pa defs.Pa_t) int {
	idx := pfx(pa)
	if idx >= defs.PFNNUM {
		panic("refcnt: out of range")
	}
	phys.Lock()
	c := phys.pgs[idx].refcnt
	phys.Unlock()
	return c
}

// Setowner records the owner pid of an allocated frame after the fact.
func (phys *Physmem_t) Setowner(pa defs.Pa_t, pid int) {
	idx := pfx(pa)
	phys.Lock()
	if phys.pgs[idx].allocated != 0 {
		phys.pgs[idx].pid = pid
	}
	phys.Unlock()
}

// Framedata returns the backing bytes of an allocated frame.
func (phys *Physmem_t) Framedata(pa defs.Pa_t) *Bytepg_t {
	idx := pfx(pa)
	if idx >= defs.PFNNUM {
		panic("framedata: out of range")
	}
	phys.Lock()
	d := phys.pgs[idx].data
	phys.Unlock()
	if d == nil {
		panic("framedata: frame never allocated")
	}
	return d
}

// Dmap8 returns the frame bytes starting at the page offset of pa.
func (phys *Physmem_t) Dmap8(pa defs.Pa_t) []uint8 {
	pg := phys.Framedata(pa)
	off := uint32(pa) % uint32(defs.PGSIZE)
	return pg[off:]
}

// Dump copies up to max frame records, frame-index ascending, atomically
// with respect to Kalloc/Kfree.
func (phys *Physmem_t) Dump(max int) []Physframeinfo_t {
	if max <= 0 {
		return nil
	}
	if max > defs.PFNNUM {
		max = defs.PFNNUM
	}
	out := make([]Physframeinfo_t, 0, max)
	phys.Lock()
	for i := 0; i < defs.PFNNUM && len(out) < max; i++ {
		pg := &phys.pgs[i]
		fi := 0
		if pg.allocated != 0 {
			fi = i
		}
		out = append(out, Physframeinfo_t{
			Frame_index: fi,
			Allocated:   pg.allocated,
			Pid:         pg.pid,
			Start_tick:  pg.start_tick,
		})
	}
	phys.Unlock()
	return out
}

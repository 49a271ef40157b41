package defs

// Machine geometry. The simulated machine uses 32-bit physical and virtual
// addresses with x86-style two-level paging.
const (
	PGSHIFT uint = 12
	PGSIZE  int  = 1 << PGSHIFT

	// number of physical frames the frame tracker manages
	PFNNUM = 60000

	// top of the user half of the address space; kernel mappings live above
	KERNBASE uint32 = 0x80000000
)

type Pa_t uint32
type Pte_t uint32

const (
	PTE_P Pte_t = 1 << 0
	PTE_W Pte_t = 1 << 1
	PTE_U Pte_t = 1 << 2
	// software-managed: translatable but deliberately non-present so the
	// next access traps into the SW-TLB refill path
	PTE_T Pte_t = 1 << 9
	// COW pending: non-writable and the frame is shared
	PTE_C Pte_t = 1 << 10

	PTE_ADDR  Pte_t = 0xfffff000
	PTE_FLAGS Pte_t = 0x00000fff
)

func Pte_addr(pte Pte_t) Pa_t {
	return Pa_t(pte & PTE_ADDR)
}

func Pte_flags(pte Pte_t) Pte_t {
	return pte & PTE_FLAGS
}

func Pgrounddown(a uint32) uint32 {
	return a &^ uint32(PGSIZE-1)
}

func Pgroundup(a uint32) uint32 {
	return (a + uint32(PGSIZE) - 1) &^ uint32(PGSIZE-1)
}

// Software translation layer sizes.
const (
	IPT_BUCKETS  = 60000
	NUMTLB       = 128
	MAX_TRACKERS = 32
)

// Errnos. Negated when returned, like biscuit's Err_t.
type Err_t int

const (
	EPERM  Err_t = 1
	ENOENT Err_t = 2
	EIO    Err_t = 5
	EBADF  Err_t = 9
	ENOMEM Err_t = 12
	EFAULT Err_t = 14
	EEXIST Err_t = 17
	ENOTDIR Err_t = 20
	EISDIR Err_t = 21
	EINVAL Err_t = 22
	ENOSPC Err_t = 28
)

// Snapshot syscall results (spec'd numeric codes, not errnos).
const (
	SNAP_ERR       = -1
	SNAP_NOINODES  = -2
)

type Inum_t int

// Process states, in the order user tools expect to decode them.
const (
	UNUSED = iota
	EMBRYO
	SLEEPING
	RUNNABLE
	RUNNING
	ZOMBIE
)

package cmd

import (
	"fmt"
	"strconv"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/singlerr/xv6go/defs"
)

// The memory commands boot a scratch machine, spawn simulated processes,
// and drive the translation syscalls against them.

var (
	pfindMax      int
	memdumpAll    bool
	memdumpPid    int
	stressPages   int
	stressTicks   int
	stressWrite   bool
	stressWorkers int
	vtopPages     int
)

func init() {
	pfindCmd.Flags().IntVarP(&pfindMax, "max", "m", 20, "max entries to list")
	memdumpCmd.Flags().BoolVarP(&memdumpAll, "all", "a", false, "include free frames")
	memdumpCmd.Flags().IntVarP(&memdumpPid, "pid", "p", 0, "only frames owned by pid")
	memstressCmd.Flags().IntVarP(&stressPages, "pages", "n", 10, "pages to allocate")
	memstressCmd.Flags().IntVarP(&stressTicks, "ticks", "t", 200, "ticks to hold the pages")
	memstressCmd.Flags().BoolVarP(&stressWrite, "write", "w", false, "write each page")
	memstressCmd.Flags().IntVarP(&stressWorkers, "procs", "j", 1, "concurrent processes")
	vtopCmd.Flags().IntVarP(&vtopPages, "pages", "n", 8, "pages to map before walking")
	rootCmd.AddCommand(vtopCmd)
	rootCmd.AddCommand(pfindCmd)
	rootCmd.AddCommand(memdumpCmd)
	rootCmd.AddCommand(memstressCmd)
}

var vtopCmd = &cobra.Command{
	Use:   "vtop <va>",
	Short: "Software-walk a process's page tables from va upward",
	Long: heredoc.Doc(`
		Boots a scratch machine, grows a fresh process by a few pages
		(left untouched), then calls the vtop syscall for each page starting
		at va until translation fails. Each line shows the translation and
		the software-TLB counters at the time of the call.`),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		va, err := parseu32(args[0])
		if err != nil {
			return err
		}
		k, err := bootmem()
		if err != nil {
			return err
		}
		defer k.Shutdown()
		p, perr := k.Pt.Spawn("vtop")
		if perr != 0 {
			return fmt.Errorf("spawn failed")
		}
		if _, r := k.Sys_sbrk(p, vtopPages*defs.PGSIZE); r < 0 {
			return fmt.Errorf("sbrk failed")
		}
		for {
			pa, flags, r := k.Sys_vtop(p, va)
			if r <= 0 {
				break
			}
			var hits, misses uint32
			if k.Sys_tlbinfo(p, &hits, &misses) < 0 {
				return fmt.Errorf("tlbinfo error!")
			}
			fmt.Printf("VA= %#x -> PA= %#x, flags= %d, hit= %d, miss= %d\n",
				va, pa, flags, hits, misses)
			va += uint32(defs.PGSIZE)
		}
		return nil
	},
}

var pfindCmd = &cobra.Command{
	Use:   "pfind <pa>",
	Short: "List every (pid, va) mapping of a physical page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pa, err := parseu32(args[0])
		if err != nil {
			return err
		}
		if pfindMax <= 0 {
			return fmt.Errorf("max must bigger than 0")
		}
		k, err := bootmem()
		if err != nil {
			return err
		}
		defer k.Shutdown()

		// a parent and a fork give the inverted table something to say
		p, perr := k.Pt.Spawn("pfind")
		if perr != 0 {
			return fmt.Errorf("spawn failed")
		}
		if _, r := k.Sys_sbrk(p, 4*defs.PGSIZE); r < 0 {
			return fmt.Errorf("sbrk failed")
		}
		if _, r := k.Sys_fork(p); r < 0 {
			return fmt.Errorf("fork failed")
		}

		list, n := k.Sys_phys2virt(p, pa, pfindMax)
		if n < 0 {
			return fmt.Errorf("phys2virt error!")
		}
		fmt.Printf("%#x -> ", pa)
		for _, e := range list {
			fmt.Printf("pid=%d,va_page=%d,flags=%d ", e.Pid, e.Va, e.Flags)
		}
		fmt.Printf("\n")
		return nil
	},
}

var memdumpCmd = &cobra.Command{
	Use:   "memdump",
	Short: "Dump per-frame metadata from the frame tracker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := bootmem()
		if err != nil {
			return err
		}
		defer k.Shutdown()
		p, perr := k.Pt.Spawn("memdump")
		if perr != 0 {
			return fmt.Errorf("spawn failed")
		}
		if _, r := k.Sys_sbrk(p, 8*defs.PGSIZE); r < 0 {
			return fmt.Errorf("sbrk failed")
		}

		buf, n := k.Sys_dump_physmem_info(p, defs.PFNNUM)
		if n < 0 {
			return fmt.Errorf("memdump: dump_physmem_info failed")
		}
		fmt.Printf("[memdump] pid=%d\n", p.Pid)
		fmt.Printf("[frame#]\t[alloc]\t[pid]\t[start_tick]\n")
		total := 0
		for i := 0; i < n; i++ {
			// -p wins over -a: only that pid's frames are shown
			if memdumpPid > 0 && buf[i].Pid != memdumpPid {
				continue
			}
			if memdumpPid <= 0 && !memdumpAll && buf[i].Allocated == 0 {
				continue
			}
			fmt.Printf("%d\t\t%d\t%d\t%d\n",
				buf[i].Frame_index, buf[i].Allocated, buf[i].Pid, buf[i].Start_tick)
			if buf[i].Allocated != 0 {
				total++
			}
		}
		fmt.Printf("%d frames allocated (%s)\n", total,
			humanize.IBytes(uint64(total)*uint64(defs.PGSIZE)))
		return nil
	},
}

var memstressCmd = &cobra.Command{
	Use:   "memstress",
	Short: "Allocate and optionally dirty pages, then hold them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := bootmem()
		if err != nil {
			return err
		}
		defer k.Shutdown()

		var eg errgroup.Group
		for w := 0; w < stressWorkers; w++ {
			eg.Go(func() error {
				p, perr := k.Pt.Spawn("memstress")
				if perr != 0 {
					return fmt.Errorf("spawn failed")
				}
				dw := 0
				if stressWrite {
					dw = 1
				}
				fmt.Printf("[memstress] pid=%d pages=%d hold=%d ticks write=%d\n",
					p.Pid, stressPages, stressTicks, dw)
				if _, r := k.Sys_sbrk(p, stressPages*defs.PGSIZE); r < 0 {
					return fmt.Errorf("[memstress] sbrk failed")
				}
				if stressWrite {
					for i := 0; i < stressPages; i++ {
						b, aerr := p.Access(k.Vm, uint32(i*defs.PGSIZE), true)
						if aerr != 0 {
							return fmt.Errorf("[memstress] write fault pid=%d", p.Pid)
						}
						b[0] = uint8(i & 0xff)
					}
				}
				k.Sleepticks(uint32(stressTicks))
				fmt.Printf("[memstress] pid=%d done\n", p.Pid)
				k.Sys_exit(p)
				return nil
			})
		}
		return eg.Wait()
	},
}

func parseu32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

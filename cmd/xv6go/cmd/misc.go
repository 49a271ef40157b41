package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/singlerr/xv6go/defs"
)

func init() {
	rootCmd.AddCommand(helloCmd)
	rootCmd.AddCommand(psinfoCmd)
}

var helloCmd = &cobra.Command{
	Use:   "hello",
	Short: "Exercise the hello_number syscall",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := bootmem()
		if err != nil {
			return err
		}
		defer k.Shutdown()
		res := k.Sys_hello_number(5)
		fmt.Printf("hello_number(5) returned %d\n", res)
		res = k.Sys_hello_number(-7)
		fmt.Printf("hello_number(-7) returned %d\n", res)
		return nil
	},
}

func state2str(s int) string {
	switch s {
	case defs.UNUSED:
		return "UNUSED"
	case defs.EMBRYO:
		return "EMBRYO"
	case defs.SLEEPING:
		return "SLEEPING"
	case defs.RUNNABLE:
		return "RUNNABLE"
	case defs.RUNNING:
		return "RUNNING"
	case defs.ZOMBIE:
		return "ZOMBIE"
	}
	return "UNKNOWN"
}

var psinfoCmd = &cobra.Command{
	Use:   "psinfo [pid]",
	Short: "Show one process's table entry",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := bootmem()
		if err != nil {
			return err
		}
		defer k.Shutdown()
		p, perr := k.Pt.Spawn("psinfo")
		if perr != 0 {
			return fmt.Errorf("spawn failed")
		}
		if _, r := k.Sys_sbrk(p, 4*defs.PGSIZE); r < 0 {
			return fmt.Errorf("sbrk failed")
		}
		pid := 0
		if len(args) == 1 {
			fmt.Sscanf(args[0], "%d", &pid)
		}
		info, r := k.Sys_get_procinfo(p, pid)
		if r < 0 {
			return fmt.Errorf("psinfo: failed (pid=%d)", pid)
		}
		fmt.Printf("PID=%d PPID=%d STATE=%s SZ=%d NAME=%s\n",
			info.Pid, info.Ppid, state2str(info.State), info.Sz, info.Name)
		return nil
	},
}

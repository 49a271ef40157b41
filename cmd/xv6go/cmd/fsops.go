package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/singlerr/xv6go/fs"
)

func init() {
	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(mkTestFileCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(printAddrCmd)
}

var mkfsCmd = &cobra.Command{
	Use:   "mkfs",
	Short: "Create an empty file system image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		disk, err := fs.CreateFiledisk(diskpath())
		if err != nil {
			return err
		}
		defer disk.Close()
		return fs.Mkfs(disk)
	},
}

var mkTestFileCmd = &cobra.Command{
	Use:   "mk_test_file <path>",
	Short: "Write the canonical 12-block test file plus a spillover line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, disk, err := bootdisk()
		if err != nil {
			return err
		}
		defer disk.Close()
		defer k.Shutdown()

		buf := make([]uint8, 512)
		buf[511] = '\n'
		for i := 0; i < 12; i++ {
			buf[0] = uint8(i%10) + '0'
			if k.Fs.Fs_write(args[0], buf, 0, true) < 0 {
				return fmt.Errorf("write error for %s", args[0])
			}
		}
		if k.Fs.Fs_write(args[0], []uint8("hello\n"), 0, true) < 0 {
			return fmt.Errorf("write error for %s", args[0])
		}
		return nil
	},
}

var appendCmd = &cobra.Command{
	Use:   "append <path> <string>",
	Short: "Append a string to a file, creating it if needed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, disk, err := bootdisk()
		if err != nil {
			return err
		}
		defer disk.Close()
		defer k.Shutdown()
		if k.Fs.Fs_write(args[0], []uint8(args[1]), 0, true) < 0 {
			return fmt.Errorf("append: write failed")
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, disk, err := bootdisk()
		if err != nil {
			return err
		}
		defer disk.Close()
		defer k.Shutdown()
		data, r := k.Fs.Fs_read(args[0])
		if r < 0 {
			return fmt.Errorf("cat: cannot open %s", args[0])
		}
		os.Stdout.Write(data)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Unlink a file or empty directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, disk, err := bootdisk()
		if err != nil {
			return err
		}
		defer disk.Close()
		defer k.Shutdown()
		if k.Fs.Fs_unlink(args[0]) < 0 {
			return fmt.Errorf("rm: failed to delete %s", args[0])
		}
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) == 1 {
			path = args[0]
		}
		k, disk, err := bootdisk()
		if err != nil {
			return err
		}
		defer disk.Close()
		defer k.Shutdown()
		ents, r := k.Fs.Fs_ls(path)
		if r < 0 {
			return fmt.Errorf("ls: cannot open %s", path)
		}
		dircolor := color.New(color.FgBlue, color.Bold)
		for _, e := range ents {
			name := e.Name
			if e.Itype == fs.T_DIR {
				name = dircolor.Sprint(name)
			}
			fmt.Printf("%-16s %d %d %d\n", name, e.Itype, e.Inum, e.Size)
		}
		return nil
	},
}

var printAddrCmd = &cobra.Command{
	Use:   "print_addr <path>",
	Short: "Print the block addresses a file's inode references",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, disk, err := bootdisk()
		if err != nil {
			return err
		}
		defer disk.Close()
		defer k.Shutdown()

		addrs, r := k.Sys_get_addrs(args[0])
		if r < 0 {
			return fmt.Errorf("cannot get addresses for %s", args[0])
		}
		for i := 0; i < fs.NDIRECT; i++ {
			if addrs[i] != 0 {
				fmt.Printf("addr[%d]: %x\n", i, addrs[i])
			}
		}
		if addrs[fs.NDIRECT] != 0 {
			fmt.Printf("addr[%d]: %x(INDIRECT POINTER)\n", fs.NDIRECT, addrs[fs.NDIRECT])
			if ind, r := k.Sys_get_indirect_addrs(args[0]); r >= 0 {
				for j := range ind {
					if ind[j] != 0 {
						fmt.Printf("addr[%d]->[%d](bn: %d): %x\n",
							fs.NDIRECT, j, fs.NDIRECT+j, ind[j])
					}
				}
			}
		}
		return nil
	},
}

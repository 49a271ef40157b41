package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	snapCmd.AddCommand(snapCreateCmd)
	snapCmd.AddCommand(snapRollbackCmd)
	snapCmd.AddCommand(snapDeleteCmd)
	rootCmd.AddCommand(snapCmd)
}

var snapCmd = &cobra.Command{
	Use:   "snap",
	Short: "Whole-filesystem snapshots: create, rollback, delete",
}

var snapCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the live tree",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		k, disk, err := bootdisk()
		if err != nil {
			return err
		}
		defer disk.Close()
		defer k.Shutdown()
		id := k.Sys_snapshot_create()
		switch id {
		case -1:
			return fmt.Errorf("snapshot_create failed")
		case -2:
			return fmt.Errorf("snapshot_create failed: out of inodes")
		}
		fmt.Printf("snapshot created with id: %d\n", id)
		return nil
	},
}

var snapRollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Restore the live tree from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		k, disk, err := bootdisk()
		if err != nil {
			return err
		}
		defer disk.Close()
		defer k.Shutdown()
		switch k.Sys_snapshot_rollback(id) {
		case -1:
			return fmt.Errorf("snapshot_rollback failed for id: %d", id)
		case -2:
			return fmt.Errorf("snapshot_rollback failed for id: %d, out of inodes", id)
		}
		fmt.Printf("snapshot_rollback succeeded with snapshot id: %d\n", id)
		return nil
	},
}

var snapDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		k, disk, err := bootdisk()
		if err != nil {
			return err
		}
		defer disk.Close()
		defer k.Shutdown()
		if k.Sys_snapshot_delete(id) < 0 {
			return fmt.Errorf("snapshot_delete failed for id: %d", id)
		}
		fmt.Printf("deleted snapshot id: %d\n", id)
		return nil
	},
}

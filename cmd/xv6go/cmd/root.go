package cmd

import (
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Verbose enables debug logging
	Verbose bool
	diskimg string
)

var rootCmd = &cobra.Command{
	Use:   "xv6go",
	Short: "A teaching kernel: software address translation and COW filesystem snapshots",
	Long: heredoc.Doc(`
		xv6go boots a simulated xv6-style machine in user space. The memory
		commands (vtop, pfind, memdump, memstress) drive the software
		translation layer: inverted page table, software TLB, and the
		copy-on-write fault handler. The disk commands (mkfs, append, cat,
		snap, ...) run against a persistent disk image holding a journaled
		file system with whole-filesystem snapshots.`),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute runs the root command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihander.Default)

	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&diskimg, "disk", "d", "fs.img", "disk image")
	viper.BindPFlag("disk", rootCmd.PersistentFlags().Lookup("disk"))
	viper.SetEnvPrefix("xv6go")
	viper.AutomaticEnv()
}

func diskpath() string {
	return viper.GetString("disk")
}

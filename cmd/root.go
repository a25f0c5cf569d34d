package cmd

import (
	"fmt"
	"github.com/ValentinKolb/dMon/cmd/simulate"
	"github.com/ValentinKolb/dMon/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dmon",
		Short: "distributed lock manager for clustered monitors",
		Long: fmt.Sprintf(`dMon (v%s)

A distributed lock manager written in Go. It grants read, write and
concurrent locks to the threads of a cluster of nodes, implements
monitor wait/notify across nodes and hands out greedy node leases
that are recalled on contention.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dMon",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dMon v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(simulate.SimulateCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

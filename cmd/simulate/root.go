package simulate

import (
	"encoding/csv"
	"fmt"
	"github.com/ValentinKolb/dMon/cmd/util"
	"github.com/ValentinKolb/dMon/lib/lockstats"
	"github.com/ValentinKolb/dMon/rpc/common"
	"github.com/ValentinKolb/dMon/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"io"
	"os"
	"strconv"
	"time"
)

var (
	simConfig = common.SimulationConfig{}

	// SimulateCmd runs an in-process contention simulation
	SimulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-process lock contention simulation",
		Long: `Run an in-process lock contention simulation. Simulated nodes connect to a lock server
in the same process and their threads lock, wait on and notify a set of shared locks. Every
request and event goes through the configured serializer. Nodes answer recalls like a real
client would. The run ends with the per-lock statistics of the lock manager.

The configuration can be set via command line flags or environment variables. The format of
the environment variables is DMON_<flag> (e.g. DMON_LOCK_POLICY=altruistic)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "nodes"
	SimulateCmd.Flags().Int(key, 3, util.WrapString("Number of simulated nodes"))
	key = "threads"
	SimulateCmd.Flags().Int(key, 4, util.WrapString("Number of threads per node"))
	key = "locks"
	SimulateCmd.Flags().Int(key, 8, util.WrapString("Number of distinct locks the threads contend on"))
	key = "ops"
	SimulateCmd.Flags().Int(key, 1000, util.WrapString("Number of lock operations per thread"))
	key = "read-ratio"
	SimulateCmd.Flags().Float64(key, 0.2, util.WrapString("Share of operations that take a read lock (0..1)"))
	key = "wait-ratio"
	SimulateCmd.Flags().Float64(key, 0.05, util.WrapString("Share of write operations that wait on the monitor (0..1). Write operations notify all waiters if this is not 0"))
	key = "seed"
	SimulateCmd.Flags().Int64(key, 0, util.WrapString("Random seed (0 = current time)"))
	key = "metrics"
	SimulateCmd.Flags().Bool(key, false, util.WrapString("Print the process wide lock metrics in the Prometheus text format"))
	key = "csv"
	SimulateCmd.Flags().String(key, "", util.WrapString("Optional path to save the per-lock statistics as CSV"))

	util.SetupServerFlags(SimulateCmd)
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	simConfig = common.SimulationConfig{
		Nodes:     viper.GetInt("nodes"),
		Threads:   viper.GetInt("threads"),
		Locks:     viper.GetInt("locks"),
		Ops:       viper.GetInt("ops"),
		ReadRatio: viper.GetFloat64("read-ratio"),
		WaitRatio: viper.GetFloat64("wait-ratio"),
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	config := util.GetServerConfig()
	if err := common.InitLoggers(config); err != nil {
		return err
	}

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	srv, err := server.NewLockServer(config, s, nil)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	seed := viper.GetInt64("seed")
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	fmt.Println("Lock contention simulation")
	fmt.Println(config.String())
	fmt.Println(simConfig.String())
	fmt.Printf("  %-22s: %d\n\n", "Seed", seed)

	result, err := Run(srv, s, simConfig, seed)
	if err != nil {
		return err
	}
	fmt.Println(result.String())

	stats := srv.Manager().Stats()
	printStats(os.Stdout, stats.Stats())

	if viper.GetBool("metrics") {
		fmt.Println()
		stats.WritePrometheus(os.Stdout)
	}

	// Write statistics to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting statistics to CSV: %s\n", csvPath)
		if err := writeStatsToCSV(csvPath, stats.Stats(), config); err != nil {
			return fmt.Errorf("failed to export statistics to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	if result.Violations > 0 {
		return fmt.Errorf("%d mutual exclusion violations", result.Violations)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// printStats prints the per-lock statistics as a table
func printStats(w io.Writer, stats []lockstats.LockStat) {
	fmt.Fprintf(w, "%-16s %9s %9s %7s %6s %9s %12s %12s %6s\n",
		"LOCK", "REQUESTS", "RELEASES", "PENDING", "HOPS", "WITHDRAWN", "AVG HELD", "AVG WAIT", "DEPTH")
	for _, s := range stats {
		fmt.Fprintf(w, "%-16s %9d %9d %7d %6d %9d %12s %12s %6.2f\n",
			s.LockID, s.Requests, s.Releases, s.Pending, s.Hops, s.Withdrawn,
			s.AvgHeldTime.Round(time.Microsecond), s.AvgWaitTime.Round(time.Microsecond), s.AvgNestedDepth)
	}
}

// writeStatsToCSV writes the per-lock statistics to a CSV file
func writeStatsToCSV(csvPath string, stats []lockstats.LockStat, config common.ServerConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Lock", "Requests", "Releases", "Pending", "Hops", "Withdrawn",
		"AvgHeldNs", "AvgWaitNs", "AvgNestedDepth",
		"Policy", "RecallTimeout", "Serializer",
		"Nodes", "Threads", "Locks", "Ops",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, s := range stats {
		row := []string{
			string(s.LockID),
			strconv.FormatInt(s.Requests, 10),
			strconv.FormatInt(s.Releases, 10),
			strconv.FormatInt(s.Pending, 10),
			strconv.FormatInt(s.Hops, 10),
			strconv.FormatInt(s.Withdrawn, 10),
			strconv.FormatInt(s.AvgHeldTime.Nanoseconds(), 10),
			strconv.FormatInt(s.AvgWaitTime.Nanoseconds(), 10),
			strconv.FormatFloat(s.AvgNestedDepth, 'f', 2, 64),
			config.Policy,
			config.RecallTimeout.String(),
			config.Serializer,
			strconv.Itoa(simConfig.Nodes),
			strconv.Itoa(simConfig.Threads),
			strconv.Itoa(simConfig.Locks),
			strconv.Itoa(simConfig.Ops),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for lock %s: %v", s.LockID, err)
		}
	}

	return nil
}

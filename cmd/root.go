package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/kelly-sim/kelly-sim/sim"
	"github.com/kelly-sim/kelly-sim/sim/store"
	"github.com/kelly-sim/kelly-sim/sim/trace"
)

var (
	// CLI flags; each overrides the scenario file only when set explicitly.
	scenarioPath   string  // YAML scenario file
	seed           int64   // Seed for all stochastic processes
	horizon        float64 // Total simulated time
	sampleInterval float64 // Allocation/record cadence
	price          float64 // Static unit price
	delta          float64 // System reservation
	arrivalRate    float64 // Arrivals per unit time
	departureRate  float64 // Departures per unit time
	biddingRate    float64 // Bid revisions per unit time
	policy         string  // best_response or gradient_descent
	learningRate   float64 // Gradient step size
	priceInterval  float64 // PriceAdjustment cadence, 0 disables

	logLevel   string // Log verbosity level
	traceLevel string // Transition trace verbosity
	jsonOut    string // Results JSON path
	dbPath     string // SQLite results database
	runLabel   string // Label stored with the run
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "kelly-sim",
	Short: "Discrete-event simulator for Kelly proportional-share markets",
}

// runCmd executes the simulation using parameters from the scenario and flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the market simulation",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if !trace.IsValidTraceLevel(traceLevel) {
			logrus.Fatalf("Invalid trace level: %s", traceLevel)
		}

		cfg, err := loadScenario(scenarioPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		applyFlagOverrides(cmd, &cfg)

		if !sim.IsValidBiddingPolicy(string(cfg.Policy)) {
			logrus.Fatalf("Unknown bidding policy %q (want best_response or gradient_descent)", cfg.Policy)
		}

		st := trace.NewSimulationTrace(trace.TraceLevel(traceLevel))
		cfg.Observer = st.Record

		logrus.Infof("Starting simulation with %d agents, horizon=%.2f, price=%.3f, delta=%.3f, policy=%s",
			len(cfg.Agents), cfg.Horizon, cfg.Price, cfg.Delta, cfg.Policy)
		startTime := time.Now()

		s, err := sim.NewSimulator(cfg)
		if err != nil {
			logrus.Fatalf("Failed to build simulator: %v", err)
		}
		results, err := s.Run()
		if err != nil {
			logrus.Fatalf("Simulation aborted: %v", err)
		}

		results.Print(os.Stdout)
		if st.Level != trace.TraceLevelNone && st.Level != "" {
			printTraceSummary(trace.Summarize(st))
		}
		logrus.Infof("Wall time: %v", time.Since(startTime))

		if jsonOut != "" {
			if err := writeResultsJSON(jsonOut, results); err != nil {
				logrus.Fatalf("Failed to write results: %v", err)
			}
		}
		if dbPath != "" {
			if err := saveRun(dbPath, runLabel, cfg, results); err != nil {
				logrus.Fatalf("Failed to save run: %v", err)
			}
		}

		logrus.Info("Simulation complete.")
	},
}

// applyFlagOverrides copies explicitly set flags onto cfg so that flag
// defaults never clobber values from the scenario file.
func applyFlagOverrides(cmd *cobra.Command, cfg *sim.Config) {
	flags := cmd.Flags()
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("horizon") {
		cfg.Horizon = horizon
	}
	if flags.Changed("sample-interval") {
		cfg.SampleInterval = sampleInterval
	}
	if flags.Changed("price") {
		cfg.Price = price
	}
	if flags.Changed("delta") {
		cfg.Delta = delta
	}
	if flags.Changed("arrival-rate") {
		cfg.Rates.Arrival = arrivalRate
	}
	if flags.Changed("departure-rate") {
		cfg.Rates.Departure = departureRate
	}
	if flags.Changed("bidding-rate") {
		cfg.Rates.Bidding = biddingRate
	}
	if flags.Changed("policy") {
		cfg.Policy = sim.BiddingPolicy(policy)
	}
	if flags.Changed("learning-rate") {
		cfg.LearningRate = learningRate
	}
	if flags.Changed("price-adjustment-interval") {
		cfg.PriceAdjustmentInterval = priceInterval
	}
}

func writeResultsJSON(path string, r *sim.Results) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	logrus.Infof("Results written to %s", path)
	return nil
}

// saveRun appends a run to the SQLite database at path. The database is
// closed before returning, also on failure.
func saveRun(path, label string, cfg sim.Config, r *sim.Results) error {
	db, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open results database: %w", err)
	}
	_, err = db.SaveRun(label, cfg, r)
	if cerr := db.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close results database: %w", cerr)
	}
	return err
}

func printTraceSummary(ts *trace.TraceSummary) {
	fmt.Println("=== Transition Trace ===")
	fmt.Printf("Transitions          : %d (%d applied, %d discarded)\n",
		ts.TotalTransitions, ts.AppliedCount, ts.DiscardedCount)
	fmt.Printf("Agents Seen          : %d\n", ts.UniqueAgents)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	defaults := sim.DefaultConfig()

	runCmd.Flags().StringVar(&scenarioPath, "config", "", "YAML scenario file (defaults to the baseline market)")
	runCmd.Flags().Int64Var(&seed, "seed", defaults.Seed, "Seed for all stochastic processes")
	runCmd.Flags().Float64Var(&horizon, "horizon", defaults.Horizon, "Total simulated time")
	runCmd.Flags().Float64Var(&sampleInterval, "sample-interval", defaults.SampleInterval, "Interval between allocation snapshots")
	runCmd.Flags().Float64Var(&price, "price", defaults.Price, "Static unit price")
	runCmd.Flags().Float64Var(&delta, "delta", defaults.Delta, "System reservation added to the bid denominator")
	runCmd.Flags().Float64Var(&arrivalRate, "arrival-rate", defaults.Rates.Arrival, "Agent arrivals per unit time")
	runCmd.Flags().Float64Var(&departureRate, "departure-rate", defaults.Rates.Departure, "Agent departures per unit time")
	runCmd.Flags().Float64Var(&biddingRate, "bidding-rate", defaults.Rates.Bidding, "Bid revisions per unit time")
	runCmd.Flags().StringVar(&policy, "policy", string(defaults.Policy), "Bidding policy (best_response, gradient_descent)")
	runCmd.Flags().Float64Var(&learningRate, "learning-rate", defaults.LearningRate, "Step size for gradient_descent")
	runCmd.Flags().Float64Var(&priceInterval, "price-adjustment-interval", 0, "Interval between price adjustment events (0 disables)")

	runCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&traceLevel, "trace-level", "none", "Transition trace level (none, applied, all)")
	runCmd.Flags().StringVar(&jsonOut, "results", "", "Write results as JSON to this path")
	runCmd.Flags().StringVar(&dbPath, "db", "", "Append the run to this SQLite database")
	runCmd.Flags().StringVar(&runLabel, "label", "run", "Label stored with the run in --db")

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}

// MOEX Advisor — portfolio recommendations for the Moscow Exchange.
//
// Main CLI entrypoint using cobra command framework.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"moexadvisor/api"
	"moexadvisor/internal/analyzer"
	"moexadvisor/internal/config"
	"moexadvisor/internal/monitor"
	"moexadvisor/pkg/models"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "moexadvisor",
	Short: "MOEX Advisor — AI portfolio recommendations for the Moscow Exchange",
	Long: `MOEX Advisor analyzes an equity portfolio against Moscow Exchange
trading history, market news, and IFRS statements, and produces a
BUY/HOLD/SELL recommendation per ticker with rebalancing guidance.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Logging.Level = lvl
		}
		setupLogging(cfg.Logging)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures the global zerolog logger.
func setupLogging(lc config.LoggingConfig) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if lc.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("MOEX Advisor %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Analyze Command ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze [TICKER=QTY ...]",
	Short: "Analyze a portfolio and print recommendations",
	Long: `Analyze a portfolio given as TICKER=QTY arguments or a JSON file.

Examples:
  moexadvisor analyze SBER=100 GAZP=50
  moexadvisor analyze --file portfolio.json
  moexadvisor analyze SBER=100 --json --perf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		asJSON, _ := cmd.Flags().GetBool("json")
		showPerf, _ := cmd.Flags().GetBool("perf")

		positions, err := parsePositions(args, file)
		if err != nil {
			return err
		}

		mon := monitor.New()
		pa, err := analyzer.FromConfig(cfg, mon)
		if err != nil {
			return fmt.Errorf("pipeline setup failed: %w", err)
		}

		report, err := pa.Analyze(cmd.Context(), positions)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			printReport(report)
		}

		if showPerf {
			fmt.Println()
			fmt.Println(pa.PerformanceReport())
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().String("file", "", "JSON file with {\"TICKER\": quantity} positions")
	analyzeCmd.Flags().Bool("json", false, "print the full report as JSON")
	analyzeCmd.Flags().Bool("perf", false, "print the pipeline performance report")
}

// parsePositions builds the ticker→quantity map from CLI args or a JSON file.
func parsePositions(args []string, file string) (map[string]int, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read portfolio file: %w", err)
		}
		var positions map[string]int
		if err := json.Unmarshal(data, &positions); err != nil {
			return nil, fmt.Errorf("parse portfolio file: %w", err)
		}
		return positions, nil
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("provide positions as TICKER=QTY arguments or via --file")
	}
	positions := make(map[string]int, len(args))
	for _, arg := range args {
		ticker, qtyStr, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid position %q, expected TICKER=QTY", arg)
		}
		qty, err := strconv.Atoi(qtyStr)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity in %q: %w", arg, err)
		}
		positions[ticker] = qty
	}
	return positions, nil
}

// printReport renders the portfolio report as a readable text table.
func printReport(report *models.PortfolioReport) {
	fmt.Println("=== PORTFOLIO RECOMMENDATIONS ===")
	for _, res := range report.Results {
		flag := ""
		if res.Degraded {
			flag = " (degraded)"
		}
		price := "-"
		if res.PriceKnown {
			price = res.LastPrice.String()
		}
		fmt.Printf("%-8s %-5s confidence=%.2f last=%s%s\n",
			res.Ticker, res.Recommendation, res.Confidence, price, flag)
		if advice, ok := report.Rebalancing[res.Ticker]; ok && advice.WeightKnown {
			fmt.Printf("         weight=%s delta=%s  %s\n",
				advice.CurrentWeight.StringFixed(4), advice.WeightDelta.StringFixed(4), advice.Note)
		}
	}

	s := report.Summary
	fmt.Println()
	fmt.Printf("Summary: %d positions | BUY %d / HOLD %d / SELL %d | avg confidence %.2f | degraded %d\n",
		s.TotalPositions, s.BuyCount, s.HoldCount, s.SellCount, s.AvgConfidence, s.DegradedCount)
	fmt.Printf("Risk: %s\n", report.RiskNote)

	tickers := make([]string, 0, len(report.Rebalancing))
	for t, a := range report.Rebalancing {
		if !a.WeightKnown {
			tickers = append(tickers, t)
		}
	}
	if len(tickers) > 0 {
		sort.Strings(tickers)
		fmt.Printf("Note: no price evidence for %s; weights exclude these positions\n", strings.Join(tickers, ", "))
	}
}

// --- Serve Command (API Server) ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		mon := monitor.New()
		srv, err := api.NewServer(cfg, mon)
		if err != nil {
			return fmt.Errorf("server setup failed: %w", err)
		}
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		return srv.ListenAndServe(addr)
	},
}

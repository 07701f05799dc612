package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcpserver "mobile-crawler/mcp"
)

const appVersion = "0.3.1"

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "mobile-crawler",
		Short:   "AI-driven autonomous Android app crawler",
		Long:    "mobile-crawler explores Android apps autonomously: it screenshots the device,\nasks a vision model which UI actions to take next, executes them over ADB and\nrecords every screen, action and model exchange.",
		Version: appVersion,
		// Errors are printed once in main
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newCrawlCommand())
	root.AddCommand(newListCommand())
	root.AddCommand(newMCPCommand())
	return root
}

func initAppLogging(cfg *Config) {
	logCfg := DefaultLogConfig()
	logCfg.Level = ParseLogLevel(cfg.Log.Level)
	if cfg.Log.File {
		logCfg = PersistentLogConfig(cfg.DataDir)
		logCfg.Level = ParseLogLevel(cfg.Log.Level)
	}
	if err := InitLogger(logCfg); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: file logging unavailable:", err)
	}
}

// ========================================
// crawl
// ========================================

func newCrawlCommand() *cobra.Command {
	var (
		deviceID    string
		appPackage  string
		maxSteps    int
		maxDuration int
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl an app on a connected device until a limit is reached",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()
			defer CloseLogger()
			initAppLogging(app.Config())

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// First signal asks for a graceful stop, second aborts
			sigChan := make(chan os.Signal, 2)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				fmt.Fprintln(os.Stderr, "Stop requested, finishing current step (interrupt again to abort)")
				if err := app.StopCrawl(); err != nil {
					cancel()
					return
				}
				<-sigChan
				cancel()
			}()

			runID, err := app.RunCrawl(ctx, deviceID, appPackage, CrawlOptions{
				MaxSteps:           maxSteps,
				MaxDurationSeconds: maxDuration,
			})
			if err != nil {
				return err
			}

			summary, err := app.GetRunSummary(runID)
			if err != nil {
				return fmt.Errorf("crawl finished but summary unavailable: %w", err)
			}
			printRunSummary(cmd, summary)
			return nil
		},
	}

	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "device ID (from 'list devices')")
	cmd.Flags().StringVarP(&appPackage, "package", "p", "", "Android package name of the app to crawl")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step limit for this run (0 = configured default)")
	cmd.Flags().IntVar(&maxDuration, "max-duration", 0, "wall-clock limit in seconds (0 = configured default)")
	cmd.MarkFlagRequired("device")
	cmd.MarkFlagRequired("package")
	return cmd
}

func printRunSummary(cmd *cobra.Command, s *RunSummary) {
	out := cmd.OutOrStdout()
	r := s.Run
	fmt.Fprintf(out, "\nRun %s finished: %s\n", r.ID, r.Status)
	fmt.Fprintf(out, "  Package:        %s\n", r.AppPackage)
	fmt.Fprintf(out, "  Steps:          %d\n", r.TotalSteps)
	fmt.Fprintf(out, "  Unique screens: %d\n", r.UniqueScreens)
	fmt.Fprintf(out, "  Actions:        %d\n", s.ActionCount)
	fmt.Fprintf(out, "  Model attempts: %d\n", s.AIAttempts)
	if r.EndTime > r.StartTime {
		fmt.Fprintf(out, "  Duration:       %s\n", time.Duration(r.EndTime-r.StartTime)*time.Millisecond)
	}
}

// ========================================
// list
// ========================================

func newListCommand() *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "list {runs|devices|models}",
		Short: "List crawl runs, connected devices, or available models",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "table" && format != "json" {
				fmt.Fprintf(os.Stderr, "Error: invalid format %q (want table or json)\n", format)
				os.Exit(2)
			}

			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()
			initAppLogging(app.Config())

			switch args[0] {
			case "runs":
				return listRuns(cmd, app, limit, format)
			case "devices":
				return listDevices(cmd, app, format)
			case "models":
				return listModels(cmd, app, format)
			default:
				fmt.Fprintf(os.Stderr, "Error: unknown list target %q (want runs, devices or models)\n", args[0])
				os.Exit(2)
				return nil
			}
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	cmd.Flags().StringVar(&format, "format", "table", "output format: table or json")
	return cmd
}

func listRuns(cmd *cobra.Command, app *App, limit int, format string) error {
	runs, err := app.ListRuns(limit)
	if err != nil {
		return err
	}

	if format == "json" {
		return printJSON(cmd, runs)
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No crawl runs recorded")
		return nil
	}
	fmt.Fprintf(out, "%-36s  %-28s  %-20s  %-11s  %5s  %7s\n", "RUN ID", "PACKAGE", "STARTED", "STATUS", "STEPS", "SCREENS")
	for _, r := range runs {
		started := time.UnixMilli(r.StartTime).Format("2006-01-02 15:04:05")
		fmt.Fprintf(out, "%-36s  %-28s  %-20s  %-11s  %5d  %7d\n",
			r.ID, r.AppPackage, started, r.Status, r.TotalSteps, r.UniqueScreens)
	}
	return nil
}

func listDevices(cmd *cobra.Command, app *App, format string) error {
	devices, err := app.ListDevices(cmd.Context())
	if err != nil {
		return err
	}

	if format == "json" {
		return printJSON(cmd, devices)
	}

	out := cmd.OutOrStdout()
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices connected")
		return nil
	}
	fmt.Fprintf(out, "%-24s  %-10s  %-16s  %-16s\n", "DEVICE ID", "STATE", "MODEL", "BRAND")
	for _, d := range devices {
		fmt.Fprintf(out, "%-24s  %-10s  %-16s  %-16s\n", d.ID, d.State, d.Model, d.Brand)
	}
	return nil
}

func listModels(cmd *cobra.Command, app *App, format string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	models, err := app.ListModels(ctx)
	if err != nil {
		return err
	}

	if format == "json" {
		return printJSON(cmd, models)
	}

	out := cmd.OutOrStdout()
	if len(models) == 0 {
		fmt.Fprintln(out, "No models available")
		return nil
	}
	for _, m := range models {
		fmt.Fprintln(out, m)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// ========================================
// mcp
// ========================================

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run as an MCP server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()
			defer CloseLogger()
			initAppLogging(app.Config())

			return mcpserver.NewMCPServer(app, appVersion).Start()
		},
	}
}

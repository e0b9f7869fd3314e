package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/org/agentwall/internal/redteam"
	"github.com/spf13/cobra"
)

func redteamCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "redteam", Short: "Adversarial prompt suites"}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a red-team suite against the firewall",
		Long: `Render every template of a suite with each payload, send the prompts to
POST /firewall/evaluate and report detection and false-positive rates.
Exits non-zero when the score is below --min-score.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("suite")
			suite, err := redteam.LoadSuite(path)
			if err != nil {
				return err
			}
			if t := tenantFlag(cmd); t != "" {
				suite.TenantID = t
			}
			if r, _ := cmd.Flags().GetString("route"); r != "" {
				suite.Route = r
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := newClient()
			remote := redteam.NewRemote(client.addr, client.token).WithClient(client.http)
			report, err := redteam.NewHarness(remote).Run(ctx, suite)
			if err != nil {
				return err
			}

			if outputFormat == "json" {
				printJSON(report)
			} else {
				verbose, _ := cmd.Flags().GetBool("verbose")
				printReport(report, verbose)
			}

			minScore, _ := cmd.Flags().GetFloat64("min-score")
			if report.Score < minScore {
				return fmt.Errorf("score %.1f is below %.1f", report.Score, minScore)
			}
			return nil
		},
	}
	runCmd.Flags().String("suite", "", "Suite YAML file")
	runCmd.Flags().String("tenant", "", "Tenant ID (overrides the suite)")
	runCmd.Flags().String("route", "", "Route (overrides the suite)")
	runCmd.Flags().Float64("min-score", 0, "Fail when the score is below this percentage")
	runCmd.Flags().BoolP("verbose", "v", false, "Print every case, not only failures")
	runCmd.MarkFlagRequired("suite") //nolint:errcheck

	cmd.AddCommand(runCmd)
	return cmd
}

func printReport(r *redteam.Report, verbose bool) {
	fmt.Printf("Suite: %s\n\n", r.Suite)
	for _, c := range r.Results {
		if c.Passed && !verbose {
			continue
		}
		mark := "✓"
		if !c.Passed {
			mark = "✗"
		}
		line := fmt.Sprintf("  %s %s [%s] expected %s, got %s", mark, c.Template, c.Category, c.Expected, c.Decision)
		if c.Error != "" {
			line += " (" + c.Error + ")"
		}
		fmt.Println(line)
		if !c.Passed {
			fmt.Printf("      prompt: %s\n", truncate(c.Prompt, 100))
		}
	}

	fmt.Println()
	for _, cat := range r.Categories {
		fmt.Printf("  %-24s %d/%d\n", cat.Category, cat.Passed, cat.Total)
	}
	fmt.Println()
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Cases:           %d (%d passed, %d failed, %d errors)\n", r.Total, r.Passed, r.Failed, r.Errors)
	fmt.Printf("Detection rate:  %.1f%% (%d/%d)\n", r.DetectionRate*100, r.Detected, r.ExpectedBlocks)
	fmt.Printf("False positives: %.1f%% (%d/%d)\n", r.FalsePositiveRate*100, r.FalsePositives, r.ExpectedAllows)
	fmt.Printf("Score:           %.1f\n", r.Score)
	fmt.Printf("Duration:        %s\n", r.Duration.Round(time.Millisecond))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

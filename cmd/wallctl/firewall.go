package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// --- evaluate ---

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate [payload]",
		Short: "Run a payload through the firewall without calling the upstream",
		Long:  `Run a payload through the firewall. The payload is the argument, or stdin when omitted.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload string
			if len(args) > 0 {
				payload = args[0]
			} else {
				data, err := readStdin()
				if err != nil {
					printError(err.Error())
					return nil
				}
				payload = data
			}
			route, _ := cmd.Flags().GetString("route")
			phase, _ := cmd.Flags().GetString("phase")
			rc := map[string]any{
				"tenantId": tenantFlag(cmd),
				"route":    route,
			}
			for flag, field := range map[string]string{
				"agent":   "agentId",
				"user":    "userId",
				"api-key": "apiKeyId",
			} {
				if v, _ := cmd.Flags().GetString(flag); v != "" {
					rc[field] = v
				}
			}
			result, err := newClient().post("/firewall/evaluate", map[string]any{
				"context": rc,
				"phase":   phase,
				"payload": payload,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			if outputFormat == "table" {
				delete(result, "policies")
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant ID")
	cmd.Flags().String("route", "/", "Route of the request")
	cmd.Flags().String("phase", "input", "Phase: input or output")
	cmd.Flags().String("agent", "", "Agent ID")
	cmd.Flags().String("user", "", "User ID")
	cmd.Flags().String("api-key", "", "API key ID")
	return cmd
}

func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// --- mode ---

func modeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mode", Short: "Show or change the global firewall mode"}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the firewall mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/firewall/mode", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	})

	setCmd := &cobra.Command{
		Use:   "set [enforce|shadow|off]",
		Short: "Change the firewall mode, kill switch or fail mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if len(args) > 0 {
				body["mode"] = args[0]
			}
			if cmd.Flags().Changed("enabled") {
				body["enabled"], _ = cmd.Flags().GetBool("enabled")
			}
			if fm, _ := cmd.Flags().GetString("fail-mode"); fm != "" {
				body["failMode"] = fm
			}
			if len(body) == 0 {
				printError("nothing to change")
				return nil
			}
			result, err := newClient().put("/firewall/mode", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	setCmd.Flags().Bool("enabled", true, "Turn the firewall on or off")
	setCmd.Flags().String("fail-mode", "", "Fail mode: open or closed")

	cmd.AddCommand(setCmd)
	return cmd
}

// --- stats / audit ---

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show firewall decision counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if t := tenantFlag(cmd); t != "" {
				q.Set("tenantId", t)
			}
			result, err := newClient().get("/stats", q)
			if err != nil {
				printError(err.Error())
				return nil
			}
			if outputFormat == "table" {
				top := map[string]any{"topCategories": result["topCategories"]}
				delete(result, "topCategories")
				printResult(result)
				fmt.Println()
				printList(top, "topCategories", "category", "count")
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant ID")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if t := tenantFlag(cmd); t != "" {
				q.Set("tenantId", t)
			}
			if v, _ := cmd.Flags().GetString("action"); v != "" {
				q.Set("action", v)
			}
			if v, _ := cmd.Flags().GetString("request-id"); v != "" {
				q.Set("requestId", v)
			}
			if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
				q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}
			limit, _ := cmd.Flags().GetInt("limit")
			q.Set("limit", fmt.Sprint(limit))
			result, err := newClient().get("/audit", q)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printList(result, "events", "timestamp", "tenantId", "action", "decision", "category", "actor", "requestId")
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant ID")
	cmd.Flags().String("action", "", "Only events with this action, e.g. firewall_block")
	cmd.Flags().String("request-id", "", "Only events of this request")
	cmd.Flags().Duration("since", 0, "Only events newer than this, e.g. 1h")
	cmd.Flags().Int("limit", 50, "Maximum events")
	return cmd
}

// --- breakers / signatures ---

func breakersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "breakers",
		Short: "Show circuit breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/sys/breakers", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printList(result, "breakers", "name", "state", "failures", "successes", "lastFailureTime")
			return nil
		},
	}
}

func signaturesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "signatures", Short: "Threat signature commands"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active threat signatures",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/signatures", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			if outputFormat == "table" {
				fmt.Printf("version %v\n\n", cell(result["version"]))
			}
			printList(result, "signatures", "id", "category", "severity", "source", "pattern")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Reload signatures from the configured file",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/signatures/sync", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	})
	return cmd
}

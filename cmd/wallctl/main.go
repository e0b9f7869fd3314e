package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wallctl",
	Short: "agentwall CLI",
	Long:  "A CLI for managing policies, bindings and the request firewall in agentwall.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(bindingCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(modeCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(breakersCmd())
	rootCmd.AddCommand(signaturesCmd())
	rootCmd.AddCommand(redteamCmd())
}

// --- login / status ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login [token]",
		Short: "Save the API address and token to the CLI config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) > 0 {
				token = args[0]
			} else {
				fmt.Print("Token: ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				token = strings.TrimSpace(scanner.Text())
			}
			if addr, _ := cmd.Flags().GetString("address"); addr != "" {
				cfg.Address = addr
			}
			if tenant, _ := cmd.Flags().GetString("tenant"); tenant != "" {
				cfg.Tenant = tenant
			}
			cfg.Token = token
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Config saved to " + configPath())
			return nil
		},
	}
	cmd.Flags().String("address", "", "API address, e.g. https://agentwall.internal:8443")
	cmd.Flags().String("tenant", "", "Default tenant for tenant-scoped commands")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/sys/health", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

// tenantFlag returns --tenant, falling back to the configured default.
func tenantFlag(cmd *cobra.Command) string {
	if t, _ := cmd.Flags().GetString("tenant"); t != "" {
		return t
	}
	return cfg.Tenant
}

// readJSONFile decodes a JSON document from path, or stdin when path is "-".
func readJSONFile(path string, v any) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

func bindingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "binding", Short: "Manage policy bindings"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if t := tenantFlag(cmd); t != "" {
				q.Set("tenantId", t)
			}
			if p, _ := cmd.Flags().GetString("policy"); p != "" {
				q.Set("policyId", p)
			}
			result, err := newClient().get("/bindings", q)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printList(result, "bindings", "id", "policyId", "apiKeyId", "userId", "agentId", "routePrefix", "isActive")
			return nil
		},
	}
	listCmd.Flags().String("tenant", "", "Tenant ID")
	listCmd.Flags().String("policy", "", "Only bindings of this policy")

	createCmd := &cobra.Command{
		Use:   "create <policy-id>",
		Short: "Bind a policy; with no scope flags the binding is tenant-global",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"policyId": args[0],
				"tenantId": tenantFlag(cmd),
			}
			for flag, field := range map[string]string{
				"api-key":      "apiKeyId",
				"user":         "userId",
				"agent":        "agentId",
				"route-prefix": "routePrefix",
			} {
				if v, _ := cmd.Flags().GetString(flag); v != "" {
					body[field] = v
				}
			}
			if inactive, _ := cmd.Flags().GetBool("inactive"); inactive {
				body["isActive"] = false
			}
			result, err := newClient().post("/bindings", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("tenant", "", "Tenant ID")
	createCmd.Flags().String("api-key", "", "Scope to an API key ID")
	createCmd.Flags().String("user", "", "Scope to a user ID")
	createCmd.Flags().String("agent", "", "Scope to an agent ID")
	createCmd.Flags().String("route-prefix", "", "Scope to routes with this prefix")
	createCmd.Flags().Bool("inactive", false, "Create the binding disabled")

	cmd.AddCommand(listCmd, createCmd,
		setBindingActiveCmd("enable", "Enable a binding", true),
		setBindingActiveCmd("disable", "Disable a binding", false))

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete("/bindings/" + url.PathEscape(args[0])); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Binding deleted.")
			return nil
		},
	})
	return cmd
}

func setBindingActiveCmd(verb, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().put("/bindings/"+url.PathEscape(args[0]), map[string]any{"isActive": active})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

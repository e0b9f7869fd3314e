package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

// --- policy ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage firewall policies"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if t := tenantFlag(cmd); t != "" {
				q.Set("tenantId", t)
			}
			if cmd.Flags().Changed("active") {
				active, _ := cmd.Flags().GetBool("active")
				if active {
					q.Set("isActive", "true")
				} else {
					q.Set("isActive", "false")
				}
			}
			result, err := newClient().get("/policies", q)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printList(result, "policies", "id", "name", "priority", "mode", "isActive")
			return nil
		},
	}
	listCmd.Flags().String("tenant", "", "Tenant ID")
	listCmd.Flags().Bool("active", true, "Filter on active state")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a policy with its rules and bindings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/policies/"+url.PathEscape(args[0]), nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			if outputFormat == "table" {
				if p, ok := result["policy"].(map[string]any); ok {
					delete(p, "rules")
					printResult(p)
				}
				printList(result, "rules", "id", "name", "action", "severity", "isActive")
				printList(result, "bindings", "id", "apiKeyId", "userId", "agentId", "routePrefix", "isActive")
				return nil
			}
			printResult(result)
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"tenantId": tenantFlag(cmd),
				"name":     args[0],
			}
			if d, _ := cmd.Flags().GetString("description"); d != "" {
				body["description"] = d
			}
			if m, _ := cmd.Flags().GetString("mode"); m != "" {
				body["mode"] = m
			}
			if cmd.Flags().Changed("priority") {
				body["priority"], _ = cmd.Flags().GetInt("priority")
			}
			if inactive, _ := cmd.Flags().GetBool("inactive"); inactive {
				body["isActive"] = false
			}
			result, err := newClient().post("/policies", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("tenant", "", "Tenant ID")
	createCmd.Flags().String("description", "", "Description")
	createCmd.Flags().Int("priority", 0, "Priority, lower runs first (default: next free)")
	createCmd.Flags().String("mode", "", "Mode: enforce, shadow, off (default: enforce)")
	createCmd.Flags().Bool("inactive", false, "Create the policy disabled")

	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			for _, name := range []string{"name", "description", "mode"} {
				if cmd.Flags().Changed(name) {
					body[name], _ = cmd.Flags().GetString(name)
				}
			}
			if cmd.Flags().Changed("priority") {
				body["priority"], _ = cmd.Flags().GetInt("priority")
			}
			if cmd.Flags().Changed("active") {
				body["isActive"], _ = cmd.Flags().GetBool("active")
			}
			if len(body) == 0 {
				printError("nothing to update")
				return nil
			}
			result, err := newClient().put("/policies/"+url.PathEscape(args[0]), body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	updateCmd.Flags().String("name", "", "New name")
	updateCmd.Flags().String("description", "", "New description")
	updateCmd.Flags().Int("priority", 0, "New priority")
	updateCmd.Flags().String("mode", "", "New mode: enforce, shadow, off")
	updateCmd.Flags().Bool("active", true, "Enable or disable the policy")

	syncCmd := &cobra.Command{
		Use:   "sync <id>",
		Short: "Push a policy to the edge validator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/policies/"+url.PathEscape(args[0])+"/sync", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd, createCmd, updateCmd, syncCmd)
	return cmd
}

// --- rule ---

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage policy rules"}

	listCmd := &cobra.Command{
		Use:   "list <policy-id>",
		Short: "List a policy's rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/policies/"+url.PathEscape(args[0])+"/rules", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printList(result, "rules", "id", "name", "action", "severity", "isActive")
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <policy-id>",
		Short: "Add a rule to a policy",
		Long: `Add a rule to a policy. The rule is read from --file (JSON, "-" for stdin)
or built from flags; --regex, --signature and --pii each add one condition
and several are OR-ed together.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := ruleBody(cmd)
			if err != nil {
				printError(err.Error())
				return nil
			}
			result, err := newClient().post("/policies/"+url.PathEscape(args[0])+"/rules", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("file", "", "Rule JSON file")
	createCmd.Flags().String("name", "", "Rule name")
	createCmd.Flags().String("description", "", "Description")
	createCmd.Flags().String("action", "block", "Action: block, sanitize, warn, transform")
	createCmd.Flags().String("severity", "medium", "Severity: low, medium, high, critical")
	createCmd.Flags().String("replacement", "", "Replacement text for sanitize/transform")
	createCmd.Flags().String("phase", "", "Restrict conditions to input or output")
	createCmd.Flags().StringArray("regex", nil, "Regex condition (repeatable)")
	createCmd.Flags().StringSlice("signature", nil, "Signature category condition (repeatable)")
	createCmd.Flags().StringSlice("pii", nil, "PII types condition, e.g. email,ssn")

	cmd.AddCommand(listCmd, createCmd)
	return cmd
}

func ruleBody(cmd *cobra.Command) (map[string]any, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		body := map[string]any{}
		if err := readJSONFile(file, &body); err != nil {
			return nil, err
		}
		return body, nil
	}

	phase, _ := cmd.Flags().GetString("phase")
	leaf := func(c map[string]any) map[string]any {
		if phase != "" {
			c["phase"] = phase
		}
		return c
	}
	var conds []map[string]any
	regexes, _ := cmd.Flags().GetStringArray("regex")
	for _, p := range regexes {
		conds = append(conds, leaf(map[string]any{"type": "regex", "regex": map[string]any{"pattern": p}}))
	}
	sigs, _ := cmd.Flags().GetStringSlice("signature")
	for _, c := range sigs {
		conds = append(conds, leaf(map[string]any{"type": "signature", "signature": map[string]any{"category": c}}))
	}
	if pii, _ := cmd.Flags().GetStringSlice("pii"); len(pii) > 0 {
		conds = append(conds, leaf(map[string]any{"type": "pii", "pii": map[string]any{"types": pii}}))
	}

	body := map[string]any{}
	for _, name := range []string{"name", "description", "action", "severity", "replacement"} {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			body[name] = v
		}
	}
	switch len(conds) {
	case 0:
	case 1:
		body["conditions"] = conds[0]
	default:
		body["conditions"] = map[string]any{"type": "or", "conditions": conds}
	}
	return body, nil
}

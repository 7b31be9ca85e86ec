package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type ruleStrings struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List configured allow/deny rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		var rules ruleStrings
		if err := apiGet("/api/rules", &rules); err != nil {
			return err
		}
		fmt.Println("allow:")
		for _, r := range rules.Allow {
			fmt.Printf("  %s\n", r)
		}
		fmt.Println("deny:")
		for _, r := range rules.Deny {
			fmt.Printf("  %s\n", r)
		}
		return nil
	},
}

var allowCmd = &cobra.Command{
	Use:   "allow \"<rule>\"",
	Short: "Add an always-allow rule, e.g. allow \"network(*.github.com)\"",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Added bool `json:"added"`
		}
		if err := apiPost("/api/rules", map[string]string{"type": "allow", "rule": args[0]}, &out); err != nil {
			return err
		}
		if out.Added {
			fmt.Println("rule added")
		} else {
			fmt.Println("rule not added (unparseable or duplicate)")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd, allowCmd)
}

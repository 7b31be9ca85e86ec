package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// permissionRequest mirrors internal/queue.PermissionRequest's JSON shape,
// redeclared here so the CLI has no import dependency on the daemon's
// internal packages.
type permissionRequest struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"createdAt"`
}

var approveAllCategory string
var denyAllCategory string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print pending permission requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Pending []permissionRequest `json:"pending"`
		}
		if err := apiGet("/api/queue", &out); err != nil {
			return err
		}
		if len(out.Pending) == 0 {
			fmt.Println("no pending requests")
			return nil
		}
		for _, r := range out.Pending {
			fmt.Printf("%s\t%s\t%s\n", r.ID, r.Category, r.Description)
		}
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <id...>",
	Short: "Approve one or more pending requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		if approveAllCategory != "" {
			var out struct {
				Count int `json:"count"`
			}
			if err := apiPost("/api/queue/bulk", map[string]string{
				"category":   approveAllCategory,
				"status":     "approved",
				"resolvedBy": "cli",
			}, &out); err != nil {
				return err
			}
			fmt.Printf("approved %d requests\n", out.Count)
			return nil
		}
		for _, id := range args {
			var out struct {
				OK bool `json:"ok"`
			}
			if err := apiPost("/api/queue/"+id+"/approve", map[string]interface{}{"resolvedBy": "cli"}, &out); err != nil {
				fmt.Printf("%s: error: %v\n", id, err)
				continue
			}
			fmt.Printf("%s: approved\n", id)
		}
		return nil
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <id...>",
	Short: "Deny one or more pending requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		if denyAllCategory != "" {
			var out struct {
				Count int `json:"count"`
			}
			if err := apiPost("/api/queue/bulk", map[string]string{
				"category":   denyAllCategory,
				"status":     "denied",
				"resolvedBy": "cli",
			}, &out); err != nil {
				return err
			}
			fmt.Printf("denied %d requests\n", out.Count)
			return nil
		}
		for _, id := range args {
			var out struct {
				OK bool `json:"ok"`
			}
			if err := apiPost("/api/queue/"+id+"/deny", map[string]interface{}{"resolvedBy": "cli"}, &out); err != nil {
				fmt.Printf("%s: error: %v\n", id, err)
				continue
			}
			fmt.Printf("%s: denied\n", id)
		}
		return nil
	},
}

func init() {
	approveCmd.Flags().StringVar(&approveAllCategory, "all", "", "approve every pending request in this category instead of passing ids")
	denyCmd.Flags().StringVar(&denyAllCategory, "all", "", "deny every pending request in this category instead of passing ids")
	rootCmd.AddCommand(listCmd, approveCmd, denyCmd)
}

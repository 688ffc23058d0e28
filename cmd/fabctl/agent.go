package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

var (
	agentClassFilter      string
	agentCapabilityFilter string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Discover live agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents, optionally filtered by class or capability",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if agentClassFilter != "" {
			q.Set("class", agentClassFilter)
		}
		if agentCapabilityFilter != "" {
			q.Set("capability", agentCapabilityFilter)
		}
		c := newAPIClient(apiAddr)
		var out []map[string]any
		path := "/v1/agents"
		if enc := q.Encode(); enc != "" {
			path += "?" + enc
		}
		if err := c.do("GET", path, nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect file resource locks",
}

var lockInspectCmd = &cobra.Command{
	Use:   "inspect [path]",
	Short: "Show the current holder(s) of a file resource lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("path", args[0])
		c := newAPIClient(apiAddr)
		var out map[string]any
		if err := c.do("GET", "/v1/locks?"+q.Encode(), nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	agentListCmd.Flags().StringVar(&agentClassFilter, "class", "", "filter by task class")
	agentListCmd.Flags().StringVar(&agentCapabilityFilter, "capability", "", "filter by advertised capability")
	agentCmd.AddCommand(agentListCmd)
	lockCmd.AddCommand(lockInspectCmd)
}

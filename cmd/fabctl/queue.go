package main

import "github.com/spf13/cobra"

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Pause and resume per-class queues",
}

var pauseReason string

var queuePauseCmd = &cobra.Command{
	Use:   "pause [class]",
	Short: "Pause claims for a class",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(apiAddr)
		return c.do("POST", "/v1/queues/"+args[0]+"/pause", map[string]string{"reason": pauseReason}, nil)
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume [class]",
	Short: "Resume claims for a class",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(apiAddr)
		return c.do("POST", "/v1/queues/"+args[0]+"/resume", nil, nil)
	},
}

func init() {
	queuePauseCmd.Flags().StringVar(&pauseReason, "reason", "", "reason recorded for the audit trail")
	queueCmd.AddCommand(queuePauseCmd, queueResumeCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var (
	taskClass      string
	taskPriority   string
	taskPayload    string
	taskTimeoutMS  int64
	taskMaxRetries int
)

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new task",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(apiAddr)
		body := map[string]any{
			"class":       taskClass,
			"priority":    taskPriority,
			"payload":     []byte(taskPayload),
			"timeout_ms":  taskTimeoutMS,
			"max_retries": taskMaxRetries,
		}
		var out struct {
			ID string `json:"id"`
		}
		if err := c.do("POST", "/v1/tasks", body, &out); err != nil {
			return err
		}
		fmt.Println(out.ID)
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get [class] [id]",
	Short: "Fetch a task by class and id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(apiAddr)
		var out map[string]any
		if err := c.do("GET", "/v1/tasks/"+args[0]+"/"+args[1], nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var (
	reprioPriority string
	reprioReason   string
)

var taskReprioritizeCmd = &cobra.Command{
	Use:   "reprioritize [class] [id]",
	Short: "Change a pending task's priority",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(apiAddr)
		body := map[string]string{"priority": reprioPriority, "reason": reprioReason}
		return c.do("POST", "/v1/tasks/"+args[0]+"/"+args[1]+"/reprioritize", body, nil)
	},
}

func init() {
	taskSubmitCmd.Flags().StringVar(&taskClass, "class", "", "task class (required)")
	taskSubmitCmd.Flags().StringVar(&taskPriority, "priority", "normal", "priority band")
	taskSubmitCmd.Flags().StringVar(&taskPayload, "payload", "", "task payload (raw bytes)")
	taskSubmitCmd.Flags().Int64Var(&taskTimeoutMS, "timeout-ms", 30000, "execution timeout in milliseconds")
	taskSubmitCmd.Flags().IntVar(&taskMaxRetries, "max-retries", 3, "maximum retry attempts")
	_ = taskSubmitCmd.MarkFlagRequired("class")

	taskReprioritizeCmd.Flags().StringVar(&reprioPriority, "priority", "", "new priority band (required)")
	taskReprioritizeCmd.Flags().StringVar(&reprioReason, "reason", "", "reason recorded for the audit trail")
	_ = taskReprioritizeCmd.MarkFlagRequired("priority")

	taskCmd.AddCommand(taskSubmitCmd, taskGetCmd, taskReprioritizeCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

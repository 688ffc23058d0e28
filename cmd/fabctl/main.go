// Command fabctl is the operator CLI for a running fabapi control surface:
// submit, inspect and reprioritize tasks, pause and resume queues, list
// agents, inspect locks, and tail the live event feed (§6). It has no
// consensus voting command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var apiAddr string

var rootCmd = &cobra.Command{
	Use:   "fabctl",
	Short: "Operate a task fabric fabapi control surface",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8088", "fabapi base URL")
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(watchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

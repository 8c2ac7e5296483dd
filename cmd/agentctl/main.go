// Command agentctl is an operator CLI for the orchestration core's HTTP
// API: submit a task, cancel or look up an execution.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "agentctl - orchestration core operator CLI",
	Long:  `agentctl submits tasks to and inspects executions on an orchestra operator API.`,
}

var (
	apiAddr string
	token   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "operator API address")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("ORCHESTRA_TOKEN"), "operator bearer token (defaults to $ORCHESTRA_TOKEN)")

	rootCmd.AddCommand(submitCmd, cancelCmd, getCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

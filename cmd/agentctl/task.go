package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	submitPayload string
)

var submitCmd = &cobra.Command{
	Use:   "submit <agent-name>",
	Short: "Submit a task to an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel a queued or running execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var getCmd = &cobra.Command{
	Use:   "get <execution-id>",
	Short: "Look up an execution's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the operator API's liveness",
	RunE:  runHealth,
}

func init() {
	submitCmd.Flags().StringVar(&submitPayload, "payload", "{}", "task payload as a JSON object")
}

type submitResult struct {
	ExecutionID string `json:"execution_id"`
	TraceID     string `json:"trace_id"`
	Status      string `json:"status"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(submitPayload), &payload); err != nil {
		return fmt.Errorf("--payload must be a JSON object: %w", err)
	}

	raw, err := doRequest(http.MethodPost, "/v1/tasks", map[string]any{
		"agent_name": args[0],
		"payload":    payload,
	})
	if err != nil {
		return err
	}

	var result submitResult
	if err := decodeEnvelope(raw, &result); err != nil {
		return err
	}
	fmt.Printf("execution_id: %s\ntrace_id:     %s\nstatus:       %s\n", result.ExecutionID, result.TraceID, result.Status)
	return nil
}

type cancelResult struct {
	Cancelled      bool   `json:"cancelled"`
	PreviousStatus string `json:"previous_status"`
}

func runCancel(cmd *cobra.Command, args []string) error {
	raw, err := doRequest(http.MethodPost, "/v1/tasks/"+args[0]+"/cancel", nil)
	if err != nil {
		return err
	}

	var result cancelResult
	if err := decodeEnvelope(raw, &result); err != nil {
		return err
	}
	fmt.Printf("cancelled:       %t\nprevious_status: %s\n", result.Cancelled, result.PreviousStatus)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	raw, err := doRequest(http.MethodGet, "/v1/tasks/"+args[0], nil)
	if err != nil {
		return err
	}

	var pretty map[string]any
	if err := decodeEnvelope(raw, &pretty); err != nil {
		return err
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	raw, err := doRequest(http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

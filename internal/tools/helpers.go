// Package tools provides shared helper utilities for MCP tool handlers.
package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jamesprial/pvebatch/internal/safety"
	"github.com/jamesprial/pvebatch/internal/vm"
	"github.com/mark3labs/mcp-go/mcp"
)

// ConfirmationArg is the argument name destructive tools read the token from.
const ConfirmationArg = "confirmation_token"

// JSONResult marshals v to indented JSON and returns an mcp.CallToolResult.
func JSONResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("error marshaling result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// ErrorResult returns an mcp.CallToolResult that describes an error condition.
// The result is flagged as an error so clients can tell it apart from data.
func ErrorResult(msg string) *mcp.CallToolResult {
	res := mcp.NewToolResultText("error: " + msg)
	res.IsError = true
	return res
}

// LogAudit records a tool invocation. A nil logger is a no-op.
func LogAudit(audit *safety.AuditLogger, toolName string, vmid int, params map[string]any, err error, start time.Time) {
	audit.Record(safety.SourceMCP, toolName, vmid, params, err, start)
}

// ConfirmPrompt issues a confirmation token bound to toolName and resource and
// returns the prompt telling the caller how to proceed.
func ConfirmPrompt(confirm *safety.ConfirmationTracker, toolName, resource, description string) *mcp.CallToolResult {
	token := confirm.RequestConfirmation(toolName, resource, description)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Confirmation required for %s on %q.\n\n%s\n\nTo proceed, call %s again with the same arguments and %s=%q.",
		toolName, resource, description, toolName, ConfirmationArg, token,
	))
}

// VMIDArg reads a required VMID argument.
func VMIDArg(req mcp.CallToolRequest, key string) (int, error) {
	id := req.GetInt(key, 0)
	if id <= 0 {
		return 0, fmt.Errorf("%s must be a positive VMID", key)
	}
	return id, nil
}

// VMIDListArg reads a VMID list argument in the `100,101-105` form.
func VMIDListArg(req mcp.CallToolRequest, key string) ([]int, error) {
	raw := req.GetString(key, "")
	if raw == "" {
		return nil, nil
	}
	ids, err := vm.ParseIDList(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return ids, nil
}

package mcpserver

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/captcharelay/pkg/relayclient"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *relayclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *relayclient.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleRelayHealth reports relay liveness.
func (h *Handlers) HandleRelayHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	health, err := h.client.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Relay is unreachable: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Relay status: %s\nMessage: %s\nVariant: %s\nVersion: %s",
		health.Status, health.Message, health.Variant, health.Version)), nil
}

// HandleVerifyToken submits a token and formats the decision. A rejected
// token is a normal result; only relay-side failures are tool errors.
func (h *Handlers) HandleVerifyToken(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := strings.TrimSpace(req.GetString("token", ""))
	if token == "" {
		return mcp.NewToolResultError("token is required"), nil
	}

	d, status, err := h.client.Verify(ctx, token)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification request failed: %v", err)), nil
	}

	text := formatDecision(d)
	if status != http.StatusOK {
		return mcp.NewToolResultError(fmt.Sprintf("Relay answered %d.\n%s", status, text)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleVerificationStats summarizes recent verifications.
func (h *Handlers) HandleVerificationStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := h.client.Stats(ctx, req.GetString("window", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch stats: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Window: %s\n", s.Window)
	fmt.Fprintf(&sb, "Verifications: %d\n", s.Stats.Total)
	fmt.Fprintf(&sb, "Pass rate: %.1f%%\n", s.Stats.PassRate*100)
	if s.Stats.AvgScore != nil {
		fmt.Fprintf(&sb, "Average score: %.2f\n", *s.Stats.AvgScore)
	}
	fmt.Fprintf(&sb, "Average upstream latency: %.0fms\n", s.Stats.AvgLatencyMs)

	if len(s.Stats.ByOutcome) > 0 {
		outcomes := make([]string, 0, len(s.Stats.ByOutcome))
		for o := range s.Stats.ByOutcome {
			outcomes = append(outcomes, o)
		}
		sort.Strings(outcomes)
		sb.WriteString("By outcome:\n")
		for _, o := range outcomes {
			fmt.Fprintf(&sb, "  %s: %d\n", o, s.Stats.ByOutcome[o])
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

func formatDecision(d *relayclient.Decision) string {
	var sb strings.Builder
	if d.Success {
		sb.WriteString("Token PASSED\n")
	} else {
		sb.WriteString("Token REJECTED\n")
	}
	fmt.Fprintf(&sb, "Message: %s\n", d.Message)
	if d.Score != nil {
		fmt.Fprintf(&sb, "Score: %s\n", strconv.FormatFloat(*d.Score, 'f', -1, 64))
	}
	if d.Action != "" {
		fmt.Fprintf(&sb, "Action: %s\n", d.Action)
	}
	if d.Hostname != "" {
		fmt.Fprintf(&sb, "Hostname: %s\n", d.Hostname)
	}
	if d.Timestamp != "" {
		fmt.Fprintf(&sb, "Issued: %s\n", d.Timestamp)
	}
	return sb.String()
}

package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the relay MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolRelayHealth = mcp.NewTool("relay_health",
	mcp.WithDescription(
		"Check that the reCAPTCHA verification relay is up. "+
			"Reports which upstream variant (legacy or enterprise) it verifies against."),
)

var ToolVerifyToken = mcp.NewTool("verify_recaptcha_token",
	mcp.WithDescription(
		"Verify a reCAPTCHA token produced by a browser client. "+
			"Returns whether the token passed, its risk score (0.0 bot to 1.0 human), "+
			"the action and hostname it was issued for, and the relay's message. "+
			"Tokens are single use: verifying the same token twice fails the second time."),
	mcp.WithString("token",
		mcp.Required(),
		mcp.Description("The reCAPTCHA response token from grecaptcha.execute")),
)

var ToolVerificationStats = mcp.NewTool("verification_stats",
	mcp.WithDescription(
		"Summarize recent verifications: totals by outcome, pass rate, average score and latency."),
	mcp.WithString("window",
		mcp.Description("Look-back window as a duration (e.g. '1h', '30m'). Defaults to 24h.")),
)

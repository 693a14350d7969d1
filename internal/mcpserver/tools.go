package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Clinscale MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckAccess = mcp.NewTool("check_access",
	mcp.WithDescription(
		"Check whether a team is entitled to use a feature right now. "+
			"Returns allowed/denied with the reason (not in plan, or quota exhausted), "+
			"remaining quota for the month, and the cheapest plan that grants the feature. "+
			"This is a read-only check and does not record any usage."),
	mcp.WithString("team_id",
		mcp.Description("Team id (e.g. 'team_...'). Defaults to the configured team.")),
	mcp.WithString("feature",
		mcp.Required(),
		mcp.Description("Feature key to check"),
		mcp.Enum("scale_preview", "scale_download", "api_access", "copyright_ticket")),
)

var ToolGetTeamBilling = mcp.NewTool("get_team_billing",
	mcp.WithDescription(
		"Get a team's subscription state: effective plan, raw subscription status "+
			"(active, trialing, past_due, canceled), and when the current billing period ends. "+
			"Teams that never subscribed read as the free plan."),
	mcp.WithString("team_id",
		mcp.Description("Team id (e.g. 'team_...'). Defaults to the configured team.")),
)

var ToolGetUsage = mcp.NewTool("get_usage",
	mcp.WithDescription(
		"Get a team's feature usage for the current monthly period. "+
			"Shows, per feature, whether the plan grants it, the quota limit, "+
			"how much has been consumed, and how much remains."),
	mcp.WithString("team_id",
		mcp.Description("Team id (e.g. 'team_...'). Defaults to the configured team.")),
)

var ToolListPlans = mcp.NewTool("list_plans",
	mcp.WithDescription(
		"List the Clinscale plan catalogue: free, starter, and enterprise, "+
			"with the features and monthly quotas each plan grants."),
)

var ToolRequiredPlan = mcp.NewTool("required_plan",
	mcp.WithDescription(
		"Find the cheapest plan that grants a feature. "+
			"Use this to tell a user what they would need to upgrade to."),
	mcp.WithString("feature",
		mcp.Required(),
		mcp.Description("Feature key to look up"),
		mcp.Enum("scale_preview", "scale_download", "api_access", "copyright_ticket")),
)

package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("reconcile_job",
		mcp.WithPromptDescription("Review what a job would copy, then run it once the result looks right"),
		mcp.WithArgument("jobName",
			mcp.ArgumentDescription("Name of the configured job"),
			mcp.RequiredArgument(),
		),
	), s.handleReconcilePrompt)

	s.mcp.AddPrompt(mcp.NewPrompt("investigate_run",
		mcp.WithPromptDescription("Explain why a run ended partial or in error"),
		mcp.WithArgument("runId",
			mcp.ArgumentDescription("Run id as listed by list_sync_runs"),
			mcp.RequiredArgument(),
		),
	), s.handleInvestigatePrompt)
}

func (s *Server) handleReconcilePrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	job := req.Params.Arguments["jobName"]
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Reconcile job %s", job),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Reconcile the layersync job %q.

1. Call preview_sync with jobName=%q and summarize: records matched, records missing from the destination, records only in the destination, and any normalizationFailures.
2. Show a few of the records that would be written.
3. If anything looks wrong (unexpected volume, malformed geometry, wrong key columns), stop and explain.
4. Otherwise call run_sync_job with jobName=%q and confirm=true, then report submitted vs accepted and any failed chunks.`, job, job, job),
				},
			},
		},
	}, nil
}

func (s *Server) handleInvestigatePrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	runID := req.Params.Arguments["runId"]
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Investigate run %s", runID),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf("Read the resource %s%s. Group the per-chunk errors and per-record failures by cause, say which records were skipped during normalization and why, and suggest what to fix before the next run.", runURIPrefix, runID),
				},
			},
		},
	}, nil
}

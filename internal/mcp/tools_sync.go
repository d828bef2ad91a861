package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"layersync/internal/etl"
)

func (s *Server) registerSyncTools() {
	s.mcp.AddTool(mcp.NewTool("list_sync_jobs",
		mcp.WithDescription("List the reconciliation jobs defined in the layersync config: source, destination, key columns and schedule"),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleListSyncJobs)

	s.mcp.AddTool(mcp.NewTool("list_endpoint_types",
		mcp.WithDescription("List the endpoint types a job can read from or write to, with their configuration fields"),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleListEndpointTypes)

	s.mcp.AddTool(mcp.NewTool("preview_sync",
		mcp.WithDescription("Compute which records a job would copy into its destination, without writing anything. Give either jobName or jobJSON."),
		mcp.WithString("jobName", mcp.Description("Name of a configured job")),
		mcp.WithString("jobJSON", mcp.Description(`Ad-hoc job as JSON: {"name","source":{type,...},"destination":{type,...},"keys":[...]}`)),
		mcp.WithNumber("maxRows", mcp.Description("Maximum records to return (default 20)")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handlePreviewSync)

	s.mcp.AddTool(mcp.NewTool("run_sync_job",
		mcp.WithDescription("🛑 DESTRUCTIVE: Run a configured job and append the missing records to its destination. Without confirm=true this only reports what would be written."),
		mcp.WithString("jobName", mcp.Description("Name of a configured job"), mcp.Required()),
		mcp.WithBoolean("confirm", mcp.Description("Set to true to actually write")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleRunSyncJob)

	s.mcp.AddTool(mcp.NewTool("list_sync_runs",
		mcp.WithDescription("List recent runs, newest first"),
		mcp.WithString("jobName", mcp.Description("Only runs of this job (default: all jobs)")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 20)")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleListSyncRuns)

	s.mcp.AddTool(mcp.NewTool("check_connections",
		mcp.WithDescription("Probe every configured portal (token generation) and database (open + ping) and report which ones fail"),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleCheckConnections)
}

// jobSummary is what list_sync_jobs reports per job.
type jobSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Keys        []string `json:"keys"`
	Schedule    string   `json:"schedule,omitempty"`
	DryRun      bool     `json:"dryRun,omitempty"`
}

func (s *Server) handleListSyncJobs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logCall(ctx, "list_sync_jobs")
	jobs := s.sync.ListJobs()
	out := make([]jobSummary, len(jobs))
	for i, j := range jobs {
		out[i] = jobSummary{
			Name:        j.Name,
			Description: j.Description,
			Source:      j.Source.Identity(),
			Destination: j.Destination.Identity(),
			Keys:        j.Keys,
			Schedule:    j.Schedule,
			DryRun:      j.DryRun,
		}
	}
	return jsonResult(out)
}

func (s *Server) handleListEndpointTypes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logCall(ctx, "list_endpoint_types")
	return jsonResult(s.sync.ListEndpointTypes())
}

func (s *Server) handlePreviewSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	jobName := req.GetString("jobName", "")
	jobJSON := req.GetString("jobJSON", "")
	maxRows := intArg(args, "maxRows", 20)
	s.logCall(ctx, "preview_sync", zap.String("job", jobName))

	switch {
	case jobName != "":
		preview, err := s.sync.PreviewJob(ctx, jobName, maxRows)
		if err != nil {
			return nil, fmt.Errorf("preview %s: %w", jobName, err)
		}
		return jsonResult(preview)
	case jobJSON != "":
		var job etl.SyncJob
		if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
			return nil, fmt.Errorf("parse jobJSON: %w", err)
		}
		if job.Name == "" {
			job.Name = "adhoc"
		}
		preview, err := s.sync.Preview(ctx, &job, maxRows)
		if err != nil {
			return nil, fmt.Errorf("preview: %w", err)
		}
		return jsonResult(preview)
	default:
		return nil, fmt.Errorf("jobName or jobJSON is required")
	}
}

func (s *Server) handleRunSyncJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobName := req.GetString("jobName", "")
	if jobName == "" {
		return nil, fmt.Errorf("jobName is required")
	}
	confirm := boolArg(req.GetArguments(), "confirm")
	s.logCall(ctx, "run_sync_job", zap.String("job", jobName), zap.Bool("confirm", confirm))

	result, err := s.sync.RunJob(ctx, jobName, !confirm)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", jobName, err)
	}
	if !confirm && result.Status == etl.StatusDryRun {
		result.Message += "; call again with confirm=true to write them"
	}
	return jsonResult(result)
}

func (s *Server) handleListSyncRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobName := req.GetString("jobName", "")
	limit := intArg(req.GetArguments(), "limit", 20)
	s.logCall(ctx, "list_sync_runs", zap.String("job", jobName))

	runs, err := s.sync.ListRunLogs(ctx, jobName, limit)
	if err != nil {
		return nil, err
	}
	return jsonResult(runs)
}

func (s *Server) handleCheckConnections(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logCall(ctx, "check_connections")
	return jsonResult(s.sync.CheckConnections(ctx))
}

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const runURIPrefix = "layersync://runs/"

func (s *Server) registerResources() {
	// ── layersync://jobs ───────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		"layersync://jobs",
		"Configured Jobs",
		mcp.WithMIMEType("application/json"),
	), s.handleJobsResource)

	// ── layersync://runs/{runId} ───────────────────────
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(
			runURIPrefix+"{runId}",
			"Run Detail",
		),
		s.handleRunResource,
	)
}

func (s *Server) handleJobsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(s.sync.ListJobs(), "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "layersync://jobs",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRunResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	runID := runIDFromURI(uri)
	if runID == "" {
		return nil, fmt.Errorf("could not extract runId from URI: %s", uri)
	}

	run, err := s.sync.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// runIDFromURI extracts the id from "layersync://runs/{id}".
func runIDFromURI(uri string) string {
	id, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok || strings.Contains(id, "/") {
		return ""
	}
	return id
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	registryURI   = "parley://tools/registry"
	runURIPrefix  = "parley://runs/"
	runURIPattern = "parley://runs/{id}"
)

func (s *Server) registerResources() {
	// parley://tools/registry: the tool catalog with input schemas.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			registryURI,
			"Tool Registry",
			mcplib.WithResourceDescription("Tools Parley can run, with input schemas and confirmation requirements"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRegistry,
	)

	// parley://runs/{id}: a run and its steps.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURIPattern,
			"Run",
			mcplib.WithTemplateDescription("A run owned by the caller, with its recorded steps"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)
}

func (s *Server) handleRegistry(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.catalog.List(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal registry: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      registryURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseRunURI extracts the run ID from parley://runs/{id}.
func parseRunURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	raw = strings.TrimSuffix(raw, "/")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("mcp: empty run id in URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: run id is not a UUID: %s", uri)
	}
	return id, nil
}

func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	user, ok := caller(ctx)
	if !ok {
		return nil, fmt.Errorf("mcp: authentication required")
	}
	uri := request.Params.URI
	runID, err := parseRunURI(uri)
	if err != nil {
		return nil, err
	}
	detail, err := s.runDetail(ctx, user, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run %s: %w", runID, err)
	}
	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal run: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

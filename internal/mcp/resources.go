package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const runURIPrefix = "kotae://runs/"

func (s *Server) registerResources() {
	// kotae://runs/{id}: the polling view of one run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURIPrefix+"{id}",
			"Run",
			mcplib.WithTemplateDescription("Status, sub-question counts and usage of an answer run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)
}

func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	owner, err := ownerFrom(ctx)
	if err != nil {
		return nil, err
	}
	uri := request.Params.URI
	runID, err := parseRunURI(uri)
	if err != nil {
		return nil, err
	}

	view, err := s.engine.Status(ctx, runID, owner)
	if err != nil {
		return nil, fmt.Errorf("mcp: run %s: %w", runID, err)
	}
	data, err := json.MarshalIndent(view, "", "  ")
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

func parseRunURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	id, err := uuid.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	return id, nil
}

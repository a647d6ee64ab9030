// Package mcp exposes the memory graph to agents as MCP tools over the
// stdio transport, using the MCP SDK
// (github.com/modelcontextprotocol/go-sdk/mcp) and calling internal
// packages directly.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/graphstore"
	"github.com/fyrsmithlabs/ideagraph/internal/ingest"
	"github.com/fyrsmithlabs/ideagraph/internal/retrieval"
	"github.com/fyrsmithlabs/ideagraph/internal/session"
)

// Server exposes ingestion, retrieval, graph, and session operations as
// MCP tools.
type Server struct {
	mcp      *mcp.Server
	pipeline *ingest.Pipeline
	engine   *retrieval.Engine
	sessions *session.Manager
	store    *graphstore.Store
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "ideagraphd").
	Name string

	// Version is the server version (default: "1.0.0").
	Version string

	// Logger for structured logging.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ideagraphd",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server over the given services.
func NewServer(
	cfg *Config,
	pipeline *ingest.Pipeline,
	engine *retrieval.Engine,
	sessions *session.Manager,
	store *graphstore.Store,
) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if pipeline == nil {
		return nil, fmt.Errorf("ingest pipeline is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("retrieval engine is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if store == nil {
		return nil, fmt.Errorf("graph store is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:      mcpServer,
		pipeline: pipeline,
		engine:   engine,
		sessions: sessions,
		store:    store,
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Close closes the server's backing store.
func (s *Server) Close() error {
	s.logger.Info("closing MCP server")
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("store close: %w", err)
	}
	return nil
}

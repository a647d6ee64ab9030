// Package httpapi exposes the memory graph over HTTP JSON, mirroring
// the MCP tool surface for callers that are not MCP clients.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ideagraph/internal/graphstore"
	"github.com/fyrsmithlabs/ideagraph/internal/ingest"
	"github.com/fyrsmithlabs/ideagraph/internal/retrieval"
	"github.com/fyrsmithlabs/ideagraph/internal/schema"
	"github.com/fyrsmithlabs/ideagraph/internal/session"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides HTTP endpoints over the graph services.
type Server struct {
	echo     *echo.Echo
	pipeline *ingest.Pipeline
	engine   *retrieval.Engine
	sessions *session.Manager
	store    *graphstore.Store
	logger   *zap.Logger
	config   *Config
}

// NewServer creates the HTTP server and registers its routes.
func NewServer(
	pipeline *ingest.Pipeline,
	engine *retrieval.Engine,
	sessions *session.Manager,
	store *graphstore.Store,
	logger *zap.Logger,
	cfg *Config,
) (*Server, error) {
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
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9464}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		pipeline: pipeline,
		engine:   engine,
		sessions: sessions,
		store:    store,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/v1")
	v1.POST("/memory/ingest", s.handleIngest)
	v1.POST("/context/retrieve", s.handleRetrieve)
	v1.GET("/blocks/:id", s.handleBlockGet)
	v1.POST("/graph/traverse", s.handleTraverse)
	v1.POST("/sessions", s.handleSessionStart)
	v1.GET("/sessions/:id", s.handleSessionGet)
	v1.POST("/sessions/:id/turns", s.handleSessionTurn)
	v1.POST("/sessions/:id/close", s.handleSessionClose)
	v1.POST("/chains/:id/fork", s.handleChainFork)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// IngestRequest is the request body for POST /v1/memory/ingest.
type IngestRequest struct {
	ScopeID    string `json:"scope_id"`
	Text       string `json:"text"`
	SourceKind string `json:"source_kind,omitempty"`
	SourceID   string `json:"source_id,omitempty"`
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ScopeID == "" || req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "scope_id and text are required")
	}

	res, err := s.pipeline.Ingest(c.Request().Context(), ingest.Request{
		ScopeID: req.ScopeID,
		Text:    req.Text,
		Source: schema.SourceRef{
			SourceKind: req.SourceKind,
			SourceID:   req.SourceID,
		},
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// RetrieveRequest is the request body for POST /v1/context/retrieve.
type RetrieveRequest struct {
	ScopeID     string `json:"scope_id"`
	Query       string `json:"query"`
	TokenBudget int    `json:"token_budget"`
	Intent      string `json:"intent,omitempty"`
}

func (s *Server) handleRetrieve(c echo.Context) error {
	var req RetrieveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ScopeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "scope_id is required")
	}

	res, err := s.engine.RetrieveContext(c.Request().Context(), retrieval.Query{
		Text:        req.Query,
		ScopeID:     req.ScopeID,
		TokenBudget: req.TokenBudget,
		Intent:      retrieval.Intent(req.Intent),
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// BlockResponse is the response body for GET /v1/blocks/:id.
type BlockResponse struct {
	Block *schema.Block  `json:"block"`
	Links []*schema.Link `json:"links,omitempty"`
}

func (s *Server) handleBlockGet(c echo.Context) error {
	ctx := c.Request().Context()
	block, err := s.store.GetBlock(ctx, c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	links, err := s.store.LinksFor(ctx, block.ID)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, BlockResponse{Block: block, Links: links})
}

// TraverseRequest is the request body for POST /v1/graph/traverse.
type TraverseRequest struct {
	SeedIDs   []string `json:"seed_ids"`
	LinkTypes []string `json:"link_types,omitempty"`
	Direction string   `json:"direction,omitempty"`
	MaxHops   int      `json:"max_hops,omitempty"`
}

// TraverseResponse is the response body for POST /v1/graph/traverse.
type TraverseResponse struct {
	Blocks []*schema.Block `json:"blocks"`
}

func (s *Server) handleTraverse(c echo.Context) error {
	var req TraverseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.SeedIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "seed_ids is required")
	}

	linkTypes := make([]schema.LinkType, 0, len(req.LinkTypes))
	for _, lt := range req.LinkTypes {
		linkTypes = append(linkTypes, schema.LinkType(lt))
	}
	if len(linkTypes) == 0 {
		linkTypes = schema.AllLinkTypes()
	}

	ctx := c.Request().Context()
	ids, err := s.store.Traverse(ctx, graphstore.TraverseRequest{
		SeedIDs:   req.SeedIDs,
		LinkTypes: linkTypes,
		Direction: graphstore.Direction(req.Direction),
		MaxHops:   req.MaxHops,
	})
	if err != nil {
		return s.mapError(err)
	}

	blocks := make([]*schema.Block, 0, len(ids))
	for _, id := range ids {
		b, err := s.store.GetBlock(ctx, id)
		if err != nil {
			return s.mapError(err)
		}
		blocks = append(blocks, b)
	}
	return c.JSON(http.StatusOK, TraverseResponse{Blocks: blocks})
}

// SessionStartRequest is the request body for POST /v1/sessions.
type SessionStartRequest struct {
	ScopeID string `json:"scope_id"`
}

func (s *Server) handleSessionStart(c echo.Context) error {
	var req SessionStartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	st, err := s.sessions.StartSession(c.Request().Context(), req.ScopeID)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, st)
}

func (s *Server) handleSessionGet(c echo.Context) error {
	st, err := s.sessions.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// SessionTurnRequest is the request body for POST /v1/sessions/:id/turns.
type SessionTurnRequest struct {
	Focus            []string          `json:"focus,omitempty"`
	Summary          string            `json:"summary,omitempty"`
	PendingQuestions []string          `json:"pending_questions,omitempty"`
	ActiveEntities   map[string]string `json:"active_entities,omitempty"`
	Topic            string            `json:"topic,omitempty"`
	StepInput        string            `json:"step_input,omitempty"`
	StepOutput       string            `json:"step_output,omitempty"`
	StepBlockIDs     []string          `json:"step_block_ids,omitempty"`
}

func (s *Server) handleSessionTurn(c echo.Context) error {
	var req SessionTurnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	update := session.TurnUpdate{
		Focus:                  req.Focus,
		LastInteractionSummary: req.Summary,
		PendingQuestions:       req.PendingQuestions,
		ActiveEntities:         req.ActiveEntities,
		Topic:                  req.Topic,
	}
	if req.StepInput != "" || req.StepOutput != "" || len(req.StepBlockIDs) > 0 {
		update.Step = &schema.ChainStep{
			InputSummary:       req.StepInput,
			OutputSummary:      req.StepOutput,
			ReferencedBlockIDs: req.StepBlockIDs,
		}
	}

	st, err := s.sessions.Touch(c.Request().Context(), c.Param("id"), update)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleSessionClose(c echo.Context) error {
	st, err := s.sessions.CloseSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// ChainForkRequest is the request body for POST /v1/chains/:id/fork.
type ChainForkRequest struct {
	SessionID string `json:"session_id"`
	Topic     string `json:"topic,omitempty"`
	AtStep    int    `json:"at_step"`
}

func (s *Server) handleChainFork(c echo.Context) error {
	var req ChainForkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	chain, err := s.sessions.ForkChain(c.Request().Context(), c.Param("id"), req.SessionID, req.Topic, req.AtStep)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, chain)
}

// mapError translates the error taxonomy to HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, schema.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, schema.ErrSchemaViolation), errors.Is(err, schema.ErrDanglingLink):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, schema.ErrSessionClosed), errors.Is(err, schema.ErrChainConcluded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error("internal error", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

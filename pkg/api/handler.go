package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/phenomenon0/dealscout/core"
	"github.com/phenomenon0/dealscout/pkg/deals"
	"github.com/phenomenon0/dealscout/pkg/keepa"
	"github.com/phenomenon0/dealscout/pkg/pipeline"
)

// scoreRequest is the body of POST /arbitrage/score.
type scoreRequest struct {
	Query string `json:"query"`
}

// Health handles GET /healthz requests
func (s *Server) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// ListDeals handles GET /deals/today requests
func (s *Server) ListDeals(c *gin.Context) {
	filter, err := parseFilter(c.Query("minScore"), c.Query("decision"))
	if err != nil {
		s.handleError(c, err, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	report, err := s.service.ListDeals(ctx, filter)
	if err != nil {
		s.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// ScoreItem handles POST /arbitrage/score requests
func (s *Server) ScoreItem(c *gin.Context) {
	var req scoreRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.handleError(c, err, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.handleError(c, pipeline.ErrEmptyQuery, http.StatusBadRequest, pipeline.ErrEmptyQuery.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	deal, err := s.service.ScoreOne(ctx, req.Query)
	if err != nil {
		s.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, deal)
}

// ListTools handles GET /tools requests
func (s *Server) ListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.tools.Descriptors()})
}

// InvokeTool handles POST /tools/:name requests
func (s *Server) InvokeTool(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.tools.Lookup(name); !ok {
		s.handleError(c, fmt.Errorf("unknown tool %q", name), http.StatusNotFound, "unknown tool "+name)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		s.handleError(c, err, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		s.handleError(c, errors.New("malformed json"), http.StatusBadRequest, "invalid request body")
		return
	}

	res := s.tools.Execute(c.Request.Context(), name, body)
	status := http.StatusOK
	if res.Status != core.ToolComplete {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, res)
}

func parseFilter(minScore, decision string) (pipeline.Filter, error) {
	var f pipeline.Filter
	if v := strings.TrimSpace(minScore); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("minScore must be an integer")
		}
		if n < 0 || n > 100 {
			return f, fmt.Errorf("minScore must be between 0 and 100")
		}
		f.MinScore = n
	}
	if v := strings.TrimSpace(decision); v != "" {
		d, err := deals.ParseDecision(v)
		if err != nil {
			return f, fmt.Errorf("decision must be one of BUY, WATCH, PASS")
		}
		f.Decision = d
	}
	return f, nil
}

// handleServiceError maps pipeline errors onto status codes.
func (s *Server) handleServiceError(c *gin.Context, err error) {
	var nf *pipeline.NotFoundError
	switch {
	case errors.As(err, &nf):
		s.handleError(c, err, http.StatusNotFound, nf.Error())
	case errors.Is(err, pipeline.ErrEmptyQuery), errors.Is(err, pipeline.ErrMultipleIDs):
		s.handleError(c, err, http.StatusBadRequest, err.Error())
	case errors.Is(err, keepa.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		c.Header("Retry-After", RetryAfterSeconds)
		s.handleError(c, err, http.StatusServiceUnavailable, "upstream provider unavailable, retry later")
	default:
		s.handleError(c, err, http.StatusInternalServerError, err.Error())
	}
}

// handleError logs the error and sends appropriate HTTP response
func (s *Server) handleError(c *gin.Context, err error, statusCode int, userMessage string) {
	requestID := requestIDFrom(c)

	level := slog.LevelWarn
	if statusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(c.Request.Context(), level, "API error",
		slog.String("request_id", requestID),
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("error", err.Error()),
		slog.Int("status_code", statusCode),
	)

	c.JSON(statusCode, gin.H{
		"error":      userMessage,
		"request_id": requestID,
	})
}

func requestIDFrom(c *gin.Context) string {
	if v, ok := c.Get(RequestIDContextKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return "unknown"
}

// Package gateway serves the client-facing GraphQL endpoint and keeps the
// active composed schema up to date.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/Ensembl/ensembl-thoas/internal/composer"
	"github.com/Ensembl/ensembl-thoas/internal/executor"
	"github.com/Ensembl/ensembl-thoas/internal/metrics"
	"github.com/Ensembl/ensembl-thoas/internal/middleware"
	"github.com/Ensembl/ensembl-thoas/internal/planner"
)

// SchemaSource supplies the active composed schema. Current returns nil
// until a composition has succeeded.
type SchemaSource interface {
	Current() *composer.ComposedSchema
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Schemas  SchemaSource
	Planner  *planner.Planner
	Executor *executor.Executor
	// RequestTimeout bounds one operation. Zero means no limit beyond the
	// client connection.
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Handler is the GraphQL endpoint.
type Handler struct {
	schemas  SchemaSource
	planner  *planner.Planner
	executor *executor.Executor
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewHandler creates the GraphQL endpoint.
func NewHandler(opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		schemas:  opts.Schemas,
		planner:  opts.Planner,
		executor: opts.Executor,
		timeout:  opts.RequestTimeout,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

var errEmptyQuery = errors.New("query is required")

// ServeHTTP answers GET and POST GraphQL requests. Every well-formed request
// gets 200; malformed bodies get 400 (413 when too large) and 503 is used
// only while no schema has been composed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	req, err := parseRequest(r)
	if err != nil {
		if errors.Is(err, middleware.ErrBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
			return
		}
		h.logger.Debug("malformed graphql request", "error", err,
			"request_id", middleware.RequestIDFromContext(r.Context()))
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	cs := h.schemas.Current()
	if cs == nil {
		writeError(w, http.StatusServiceUnavailable, "no composed schema is available", executor.CodeServiceUnavailable)
		return
	}

	plan, err := h.planner.Plan(cs, *req)
	if err == nil && r.Method == http.MethodGet && plan.Operation.Operation == ast.Mutation {
		err = &planner.PlanningError{Errors: gqlerror.List{{
			Message:    "mutations cannot be sent with GET",
			Extensions: map[string]interface{}{"code": planner.CodeValidationFailed},
		}}}
	}
	if err != nil {
		var perr *planner.PlanningError
		if !errors.As(err, &perr) {
			h.logger.Error("planning failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error", "")
			return
		}
		h.metrics.RecordPlanningError(perr.Code())
		h.metrics.RecordOperation("unknown", "error")
		writeJSON(w, http.StatusOK, executor.ErrorResponse(perr.Errors))
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	resp := h.executor.Execute(ctx, plan)
	h.metrics.RecordOperation(string(plan.Operation.Operation), outcome(resp))
	if len(resp.Errors) > 0 {
		h.logger.Debug("operation completed with errors",
			"operation", plan.Operation.Name,
			"errors", len(resp.Errors),
			"request_id", middleware.RequestIDFromContext(ctx))
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseRequest(r *http.Request) (*planner.Request, error) {
	var req planner.Request

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		req.Query = q.Get("query")
		req.OperationName = q.Get("operationName")
		if vars := q.Get("variables"); vars != "" {
			if err := json.Unmarshal([]byte(vars), &req.Variables); err != nil {
				return nil, fmt.Errorf("invalid variables: %w", err)
			}
		}

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("invalid request body: %w", err)
		}
	}

	if req.Query == "" {
		return nil, errEmptyQuery
	}
	return &req, nil
}

func outcome(resp *executor.Response) string {
	switch {
	case len(resp.Errors) == 0:
		return "success"
	case resp.Data == nil:
		return "error"
	default:
		return "partial"
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	e := &gqlerror.Error{Message: message}
	if code != "" {
		e.Extensions = map[string]interface{}{"code": code}
	}
	writeJSON(w, status, executor.ErrorResponse(gqlerror.List{e}))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// SchemaHandler serves the composed schema as SDL text.
func SchemaHandler(schemas SchemaSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		cs := schemas.Current()
		if cs == nil {
			http.Error(w, "no composed schema is available", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Schema-Hash", cs.Hash)
		_, _ = io.WriteString(w, cs.SDL)
	})
}

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ensembl/ensembl-thoas/internal/coalesce"
	"github.com/Ensembl/ensembl-thoas/internal/middleware"
	"github.com/Ensembl/ensembl-thoas/internal/planner"
	"github.com/Ensembl/ensembl-thoas/internal/tracing"
)

type subgraphRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type subgraphResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []subgraphError `json:"errors"`
}

func kindOf(f *planner.Fetch) string {
	if f.Entity != nil {
		return "entities"
	}
	return f.Operation
}

// fetch runs one fetch node and merges its result into st.
func (e *Executor) fetch(ctx context.Context, st *state, f *planner.Fetch) {
	ctx, span := tracing.Start(ctx, "graphql.fetch",
		attribute.String("graphql.subgraph", f.Subgraph),
		attribute.Int("graphql.fetch.id", f.ID),
		attribute.String("graphql.fetch.kind", kindOf(f)),
	)
	defer span.End()

	vars := make(map[string]interface{}, len(f.Variables)+1)
	for _, name := range f.Variables {
		if v, ok := st.vars[name]; ok {
			vars[name] = v
		}
	}

	var groups [][]target
	if f.Entity != nil {
		st.mu.Lock()
		reps, g := representations(st.data, f)
		st.mu.Unlock()
		if len(reps) == 0 {
			return
		}
		groups = g
		vars[f.Entity.Variable] = reps
		span.SetAttributes(attribute.Int("graphql.fetch.representations", len(reps)))
	}

	if err := ctx.Err(); err != nil {
		e.fail(ctx, st, f, &TimeoutError{Subgraph: f.Subgraph, Err: err, Caller: true})
		return
	}

	body, err := e.send(ctx, f, vars)
	if err != nil {
		e.fail(ctx, st, f, err)
		return
	}

	var resp subgraphResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		e.fail(ctx, st, f, &TransportError{Subgraph: f.Subgraph, Err: fmt.Errorf("decoding response: %w", err)})
		return
	}
	data, err := decodeData(resp.Data)
	if err != nil {
		e.fail(ctx, st, f, &TransportError{Subgraph: f.Subgraph, Err: fmt.Errorf("decoding data: %w", err)})
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if f.Entity == nil {
		st.mergeRoot(f, data, resp.Errors)
		return
	}
	if err := st.mergeEntities(f, data, groups, resp.Errors); err != nil {
		e.metrics.RecordSubgraphError(f.Subgraph, CodeInvalidResponse)
		st.errors = append(st.errors, newError(err.Error(), failurePath(f), CodeInvalidResponse, f.Subgraph))
	}
}

// send posts the fetch, sharing identical in-flight query fetches.
func (e *Executor) send(ctx context.Context, f *planner.Fetch, vars map[string]interface{}) ([]byte, error) {
	url, err := e.subgraphs.AddressOf(f.Subgraph)
	if err != nil {
		return nil, &TransportError{Subgraph: f.Subgraph, Err: err}
	}
	headers, timeout := e.subgraphs.Settings(f.Subgraph)

	payload, err := json.Marshal(subgraphRequest{Query: f.Query, Variables: vars})
	if err != nil {
		return nil, &TransportError{Subgraph: f.Subgraph, Err: fmt.Errorf("encoding request: %w", err)}
	}

	do := func(ctx context.Context) ([]byte, error) {
		return e.post(ctx, f, url, headers, timeout, payload)
	}
	if e.coalescer == nil || f.Operation == "mutation" {
		return do(ctx)
	}

	body, shared, err := e.coalescer.Do(ctx, coalesce.Key(f.Subgraph, url, string(payload)), do)
	if shared {
		e.metrics.RecordCoalesced(f.Subgraph)
	}
	if err != nil {
		var te *TransportError
		var to *TimeoutError
		if !errors.As(err, &te) && !errors.As(err, &to) {
			// this request stopped waiting for the shared fetch
			return nil, &TimeoutError{Subgraph: f.Subgraph, Err: err, Caller: true}
		}
	}
	return body, err
}

func (e *Executor) post(parent context.Context, f *planner.Fetch, url string, headers map[string]string, timeout time.Duration, payload []byte) ([]byte, error) {
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Subgraph: f.Subgraph, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if id := middleware.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(middleware.RequestIDHeader, id)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		e.metrics.RecordSubgraphFetch(f.Subgraph, kindOf(f), 0, time.Since(start))
		return nil, classify(parent, ctx, f.Subgraph, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponseSize+1))
	e.metrics.RecordSubgraphFetch(f.Subgraph, kindOf(f), resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, classify(parent, ctx, f.Subgraph, err)
	}

	if int64(len(body)) > e.maxResponseSize {
		return nil, &TransportError{Subgraph: f.Subgraph, Err: fmt.Errorf("response exceeds %d bytes", e.maxResponseSize)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Subgraph: f.Subgraph, StatusCode: resp.StatusCode}
	}
	if !gjson.ValidBytes(body) {
		return nil, &TransportError{Subgraph: f.Subgraph, Err: errors.New("malformed JSON response")}
	}
	if !gjson.GetBytes(body, "data").Exists() && !gjson.GetBytes(body, "errors").IsArray() {
		return nil, &TransportError{Subgraph: f.Subgraph, Err: errors.New("response has neither data nor errors")}
	}
	return body, nil
}

// classify maps a failed round trip to a TimeoutError or TransportError.
// parent is the caller's context and ctx the one bounded by the subgraph
// timeout.
func classify(parent, ctx context.Context, subgraph string, err error) error {
	if parent.Err() != nil {
		return &TimeoutError{Subgraph: subgraph, Err: err, Caller: true}
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Subgraph: subgraph, Err: err}
	}
	return &TransportError{Subgraph: subgraph, Err: err}
}

// fail records a failed fetch as one error at the fetch's path. The fields
// it owns stay absent and resolve to null when shaped.
func (e *Executor) fail(ctx context.Context, st *state, f *planner.Fetch, err error) {
	code := CodeTransport
	var te *TimeoutError
	switch {
	case errors.As(err, &te):
		code = CodeTimeout
	case e.subgraphs.Degraded(f.Subgraph):
		code = CodeServiceUnavailable
	}

	// A client giving up says nothing about the subgraph's health.
	if te == nil || !te.Caller {
		e.subgraphs.ReportFailure(f.Subgraph)
	}
	e.metrics.RecordSubgraphError(f.Subgraph, code)
	tracing.RecordError(ctx, err)
	e.logger.Warn("subgraph fetch failed",
		"subgraph", f.Subgraph,
		"fetch", f.ID,
		"code", code,
		"error", err,
	)

	st.addErrors(newError(err.Error(), failurePath(f), code, f.Subgraph))
}

func decodeData(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

package executor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/Ensembl/ensembl-thoas/internal/coalesce"
	"github.com/Ensembl/ensembl-thoas/internal/composer"
	"github.com/Ensembl/ensembl-thoas/internal/middleware"
	"github.com/Ensembl/ensembl-thoas/internal/planner"
)

const thoasSDL = `
type Query {
  gene(byId: IdInput!): Gene
  genes(symbol: String!): [Gene!]!
  version: String
}

type Mutation {
  touch(stable_id: String!): Gene
}

input IdInput {
  genome_id: String!
  stable_id: String!
}

type Gene @key(fields: "stable_id") {
  stable_id: String!
  symbol: String
  strand: Strand
}

enum Strand {
  FORWARD
  REVERSE
}
`

const alleleSDL = `
type Query {
  allele(id: ID!): Allele
}

type Allele {
  id: ID!
  name: String
}

extend type Gene @key(fields: "stable_id") {
  stable_id: String! @external
  alleles: [Allele!]
}
`

const geneQuery = `{ gene(byId: {genome_id: "G", stable_id: "X"}) { stable_id symbol } }`

type recorded struct {
	Query     string
	Variables map[string]interface{}
	Header    http.Header
}

type subgraph struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recorded
}

func (s *subgraph) recorded() []recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recorded(nil), s.requests...)
}

// newSubgraph starts a subgraph replying with respond's status and body.
func newSubgraph(t *testing.T, respond func(r *http.Request, req recorded) (int, string)) *subgraph {
	t.Helper()
	s := &subgraph{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req recorded
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("subgraph received invalid JSON: %v", err)
		}
		req.Header = r.Header.Clone()

		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		status, reply := respond(r, req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(s.Close)
	return s
}

func reply(body string) func(*http.Request, recorded) (int, string) {
	return func(*http.Request, recorded) (int, string) {
		return http.StatusOK, body
	}
}

type fakeSubgraphs struct {
	mu       sync.Mutex
	urls     map[string]string
	headers  map[string]string
	timeout  time.Duration
	degraded bool
	failures map[string]int
}

func newFakeSubgraphs(urls map[string]string) *fakeSubgraphs {
	return &fakeSubgraphs{urls: urls, failures: make(map[string]int)}
}

func (f *fakeSubgraphs) AddressOf(name string) (string, error) {
	url, ok := f.urls[name]
	if !ok {
		return "", io.EOF
	}
	return url, nil
}

func (f *fakeSubgraphs) Settings(string) (map[string]string, time.Duration) {
	return f.headers, f.timeout
}

func (f *fakeSubgraphs) ReportFailure(name string) {
	f.mu.Lock()
	f.failures[name]++
	f.mu.Unlock()
}

func (f *fakeSubgraphs) Degraded(string) bool {
	return f.degraded
}

func (f *fakeSubgraphs) failuresOf(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[name]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func plan(t *testing.T, query string) *planner.Plan {
	t.Helper()
	return planWith(t, map[string]string{
		"thoas":          thoasSDL,
		"allele_service": alleleSDL,
	}, query)
}

func planWith(t *testing.T, schemas map[string]string, query string) *planner.Plan {
	t.Helper()
	cs, err := composer.Compose(schemas)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	p, err := planner.New(planner.Options{})
	if err != nil {
		t.Fatalf("planner.New() error = %v", err)
	}
	pl, err := p.Plan(cs, planner.Request{Query: query})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	return pl
}

func newExecutor(subgraphs Subgraphs) *Executor {
	return New(Options{Subgraphs: subgraphs, Logger: quietLogger()})
}

func dataJSON(t *testing.T, resp *Response) string {
	t.Helper()
	b, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	return string(b)
}

func errorPaths(resp *Response) []string {
	var out []string
	for _, e := range resp.Errors {
		out = append(out, e.Path.String())
	}
	return out
}

func TestExecuteSingleSubgraph(t *testing.T) {
	thoas := newSubgraph(t, reply(`{"data":{"gene":{"__typename":"Gene","stable_id":"X","symbol":"FOO"}}}`))
	exec := newExecutor(newFakeSubgraphs(map[string]string{"thoas": thoas.URL}))

	resp := exec.Execute(context.Background(), plan(t, geneQuery))

	if got := dataJSON(t, resp); got != `{"gene":{"stable_id":"X","symbol":"FOO"}}` {
		t.Errorf("unexpected data %s", got)
	}
	if len(resp.Errors) != 0 {
		t.Errorf("expected no errors, got %v", resp.Errors)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	if string(out) != `{"data":{"gene":{"stable_id":"X","symbol":"FOO"}}}` {
		t.Errorf("unexpected response %s", out)
	}
}

func TestExecuteUnreachableSubgraph(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()

	subgraphs := newFakeSubgraphs(map[string]string{"thoas": down.URL})
	resp := newExecutor(subgraphs).Execute(context.Background(), plan(t, geneQuery))

	if got := dataJSON(t, resp); got != `{"gene":null}` {
		t.Errorf("unexpected data %s", got)
	}
	if len(resp.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(resp.Errors), resp.Errors)
	}
	if diff := cmp.Diff([]string{"gene"}, errorPaths(resp)); diff != "" {
		t.Errorf("error paths mismatch (-want +got):\n%s", diff)
	}
	if code := resp.Errors[0].Extensions["code"]; code != CodeTransport {
		t.Errorf("expected code %s, got %v", CodeTransport, code)
	}
	if name := resp.Errors[0].Extensions["serviceName"]; name != "thoas" {
		t.Errorf("expected serviceName thoas, got %v", name)
	}
	if n := subgraphs.failuresOf("thoas"); n != 1 {
		t.Errorf("expected 1 reported failure, got %d", n)
	}
}

func TestExecuteDegradedSubgraphIsUnavailable(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()

	subgraphs := newFakeSubgraphs(map[string]string{"thoas": down.URL})
	subgraphs.degraded = true
	resp := newExecutor(subgraphs).Execute(context.Background(), plan(t, geneQuery))

	if len(resp.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", resp.Errors)
	}
	if code := resp.Errors[0].Extensions["code"]; code != CodeServiceUnavailable {
		t.Errorf("expected code %s, got %v", CodeServiceUnavailable, code)
	}
}

func TestExecuteNonSuccessStatus(t *testing.T) {
	thoas := newSubgraph(t, func(*http.Request, recorded) (int, string) {
		return http.StatusBadGateway, `{"data":null}`
	})
	resp := newExecutor(newFakeSubgraphs(map[string]string{"thoas": thoas.URL})).
		Execute(context.Background(), plan(t, geneQuery))

	if got := dataJSON(t, resp); got != `{"gene":null}` {
		t.Errorf("unexpected data %s", got)
	}
	if len(resp.Errors) != 1 || !strings.Contains(resp.Errors[0].Message, "502") {
		t.Errorf("expected one status error, got %v", resp.Errors)
	}
}

func TestExecuteMalformedReply(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"no envelope", `{"result": 1}`},
		{"data not an object", `{"data": [1, 2]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thoas := newSubgraph(t, reply(tt.body))
			resp := newExecutor(newFakeSubgraphs(map[string]string{"thoas": thoas.URL})).
				Execute(context.Background(), plan(t, geneQuery))

			if got := dataJSON(t, resp); got != `{"gene":null}` {
				t.Errorf("unexpected data %s", got)
			}
			if len(resp.Errors) != 1 || resp.Errors[0].Extensions["code"] != CodeTransport {
				t.Errorf("expected one transport error, got %v", resp.Errors)
			}
		})
	}
}

func TestExecuteEntityFetch(t *testing.T) {
	thoas := newSubgraph(t, reply(`{"data":{"gene":{"__typename":"Gene","symbol":"FOO","stable_id":"X"}}}`))
	alleles := newSubgraph(t, reply(`{"data":{"_entities":[
		{"__typename":"Gene","alleles":[{"__typename":"Allele","id":"A1","name":"a1"}]}
	]}}`))

	exec := newExecutor(newFakeSubgraphs(map[string]string{
		"thoas":          thoas.URL,
		"allele_service": alleles.URL,
	}))
	resp := exec.Execute(context.Background(), plan(t,
		`{ gene(byId: {genome_id: "G", stable_id: "X"}) { symbol alleles { id name } } }`))

	if got := dataJSON(t, resp); got != `{"gene":{"symbol":"FOO","alleles":[{"id":"A1","name":"a1"}]}}` {
		t.Errorf("unexpected data %s", got)
	}
	if len(resp.Errors) != 0 {
		t.Errorf("expected no errors, got %v", resp.Errors)
	}

	reqs := alleles.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 entity request, got %d", len(reqs))
	}
	want := []interface{}{
		map[string]interface{}{"__typename": "Gene", "stable_id": "X"},
	}
	if diff := cmp.Diff(want, reqs[0].Variables["representations"]); diff != "" {
		t.Errorf("representations mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(reqs[0].Query, "_entities(representations: $representations)") {
		t.Errorf("expected an _entities query, got %s", reqs[0].Query)
	}
}

func TestExecuteDeduplicatesRepresentations(t *testing.T) {
	thoas := newSubgraph(t, reply(`{"data":{"genes":[
		{"__typename":"Gene","stable_id":"X"},
		{"__typename":"Gene","stable_id":"Y"},
		{"__typename":"Gene","stable_id":"X"}
	]}}`))
	alleles := newSubgraph(t, reply(`{"data":{"_entities":[
		{"__typename":"Gene","alleles":[{"__typename":"Allele","id":"AX"}]},
		{"__typename":"Gene","alleles":[]}
	]},"errors":[{"message":"partial allele data","path":["_entities",0,"alleles"]}]}`))

	exec := newExecutor(newFakeSubgraphs(map[string]string{
		"thoas":          thoas.URL,
		"allele_service": alleles.URL,
	}))
	resp := exec.Execute(context.Background(), plan(t, `{ genes(symbol: "BRCA2") { stable_id alleles { id } } }`))

	want := `{"genes":[` +
		`{"stable_id":"X","alleles":[{"id":"AX"}]},` +
		`{"stable_id":"Y","alleles":[]},` +
		`{"stable_id":"X","alleles":[{"id":"AX"}]}]}`
	if got := dataJSON(t, resp); got != want {
		t.Errorf("unexpected data\nwant %s\ngot  %s", want, got)
	}

	reqs := alleles.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 entity request, got %d", len(reqs))
	}
	if reps := reqs[0].Variables["representations"].([]interface{}); len(reps) != 2 {
		t.Errorf("expected 2 distinct representations, got %d", len(reps))
	}

	if diff := cmp.Diff([]string{"genes[0].alleles", "genes[2].alleles"}, errorPaths(resp)); diff != "" {
		t.Errorf("error paths mismatch (-want +got):\n%s", diff)
	}
	for _, e := range resp.Errors {
		if e.Message != "partial allele data" {
			t.Errorf("expected subgraph message to pass through, got %q", e.Message)
		}
	}
}

func TestExecutePartialFailure(t *testing.T) {
	thoas := newSubgraph(t, reply(`{"data":{"gene":{"__typename":"Gene","stable_id":"X","symbol":"FOO"}}}`))
	alleles := newSubgraph(t, func(*http.Request, recorded) (int, string) {
		return http.StatusInternalServerError, `internal error`
	})

	subgraphs := newFakeSubgraphs(map[string]string{
		"thoas":          thoas.URL,
		"allele_service": alleles.URL,
	})
	resp := newExecutor(subgraphs).Execute(context.Background(), plan(t,
		`{ gene(byId: {genome_id: "G", stable_id: "X"}) { symbol } allele(id: "A1") { name } }`))

	if got := dataJSON(t, resp); got != `{"gene":{"symbol":"FOO"},"allele":null}` {
		t.Errorf("unexpected data %s", got)
	}
	if diff := cmp.Diff([]string{"allele"}, errorPaths(resp)); diff != "" {
		t.Errorf("error paths mismatch (-want +got):\n%s", diff)
	}
	if name := resp.Errors[0].Extensions["serviceName"]; name != "allele_service" {
		t.Errorf("expected serviceName allele_service, got %v", name)
	}
	if n := subgraphs.failuresOf("allele_service"); n != 1 {
		t.Errorf("expected 1 reported failure, got %d", n)
	}
	if n := subgraphs.failuresOf("thoas"); n != 0 {
		t.Errorf("expected no failures for thoas, got %d", n)
	}
}

func TestExecuteEntityFetchFailure(t *testing.T) {
	thoas := newSubgraph(t, reply(`{"data":{"gene":{"__typename":"Gene","stable_id":"X","symbol":"FOO"}}}`))
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()

	exec := newExecutor(newFakeSubgraphs(map[string]string{
		"thoas":          thoas.URL,
		"allele_service": down.URL,
	}))
	resp := exec.Execute(context.Background(), plan(t,
		`{ gene(byId: {genome_id: "G", stable_id: "X"}) { symbol alleles { id } } }`))

	if got := dataJSON(t, resp); got != `{"gene":{"symbol":"FOO","alleles":null}}` {
		t.Errorf("unexpected data %s", got)
	}
	if diff := cmp.Diff([]string{"gene.alleles"}, errorPaths(resp)); diff != "" {
		t.Errorf("error paths mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteSkipsEntityFetchWithoutParents(t *testing.T) {
	thoas := newSubgraph(t, reply(`{"data":{"gene":null}}`))
	alleles := newSubgraph(t, reply(`{"data":{"_entities":[]}}`))

	exec := newExecutor(newFakeSubgraphs(map[string]string{
		"thoas":          thoas.URL,
		"allele_service": alleles.URL,
	}))
	resp := exec.Execute(context.Background(), plan(t,
		`{ gene(byId: {genome_id: "G", stable_id: "X"}) { alleles { id } } }`))

	if got := dataJSON(t, resp); got != `{"gene":null}` {
		t.Errorf("unexpected data %s", got)
	}
	if n := len(alleles.recorded()); n != 0 {
		t.Errorf("expected no entity request, got %d", n)
	}
}

func TestExecuteEntityCountMismatch(t *testing.T) {
	thoas := newSubgraph(t, reply(`{"data":{"gene":{"__typename":"Gene","stable_id":"X"}}}`))
	alleles := newSubgraph(t, reply(`{"data":{"_entities":[]}}`))

	exec := newExecutor(newFakeSubgraphs(map[string]string{
		"thoas":          thoas.URL,
		"allele_service": alleles.URL,
	}))
	resp := exec.Execute(context.Background(), plan(t,
		`{ gene(byId: {genome_id: "G", stable_id: "X"}) { alleles { id } } }`))

	if len(resp.Errors) != 1 || resp.Errors[0].Extensions["code"] != CodeInvalidResponse {
		t.Fatalf("expected one invalid response error, got %v", resp.Errors)
	}
	if got := dataJSON(t, resp); got != `{"gene":{"alleles":null}}` {
		t.Errorf("unexpected data %s", got)
	}
}

func TestExecuteSubgraphFieldErrorsPassThrough(t *testing.T) {
	thoas := newSubgraph(t, reply(`{
		"data":{"gene":{"__typename":"Gene","stable_id":"X","symbol":null}},
		"errors":[{"message":"symbol lookup failed","path":["gene","symbol"],"extensions":{"code":"LOOKUP"}}]
	}`))
	resp := newExecutor(newFakeSubgraphs(map[string]string{"thoas": thoas.URL})).
		Execute(context.Background(), plan(t, geneQuery))

	if got := dataJSON(t, resp); got != `{"gene":{"stable_id":"X","symbol":null}}` {
		t.Errorf("unexpected data %s", got)
	}
	if len(resp.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", resp.Errors)
	}
	e := resp.Errors[0]
	if e.Message != "symbol lookup failed" {
		t.Errorf("expected message to pass through, got %q", e.Message)
	}
	if diff := cmp.Diff(ast.Path{ast.PathName("gene"), ast.PathName("symbol")}, e.Path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
	if e.Extensions["code"] != "LOOKUP" || e.Extensions["serviceName"] != "thoas" {
		t.Errorf("unexpected extensions %v", e.Extensions)
	}
}

func TestExecuteNonNullPropagation(t *testing.T) {
	thoas := newSubgraph(t, reply(`{"data":{"gene":{"__typename":"Gene","stable_id":null,"symbol":"FOO"}}}`))
	resp := newExecutor(newFakeSubgraphs(map[string]string{"thoas": thoas.URL})).
		Execute(context.Background(), plan(t, geneQuery))

	if got := dataJSON(t, resp); got != `{"gene":null}` {
		t.Errorf("unexpected data %s", got)
	}
	if len(resp.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", resp.Errors)
	}
	if resp.Errors[0].Message != "Cannot return null for non-nullable field Gene.stable_id." {
		t.Errorf("unexpected message %q", resp.Errors[0].Message)
	}
	if diff := cmp.Diff([]string{"gene.stable_id"}, errorPaths(resp)); diff != "" {
		t.Errorf("error paths mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteNonNullRootListBubblesToData(t *testing.T) {
	thoas := newSubgraph(t, reply(`{"data":{"genes":[{"__typename":"Gene","stable_id":null}]}}`))
	resp := newExecutor(newFakeSubgraphs(map[string]string{"thoas": thoas.URL})).
		Execute(context.Background(), plan(t, `{ genes(symbol: "BRCA2") { stable_id } }`))

	if resp.Data != nil {
		t.Errorf("expected data to be null, got %s", dataJSON(t, resp))
	}
	if diff := cmp.Diff([]string{"genes[0].stable_id"}, errorPaths(resp)); diff != "" {
		t.Errorf("error paths mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteInvalidValueKinds(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{
			name:  "string field holds a number",
			reply: `{"data":{"gene":{"__typename":"Gene","stable_id":"X","symbol":5,"strand":"FORWARD"}}}`,
			want:  `{"gene":{"stable_id":"X","symbol":null,"strand":"FORWARD"}}`,
		},
		{
			name:  "object field holds a string",
			reply: `{"data":{"gene":"X"}}`,
			want:  `{"gene":null}`,
		},
		{
			name:  "unknown enum value",
			reply: `{"data":{"gene":{"__typename":"Gene","stable_id":"X","symbol":"FOO","strand":"SIDEWAYS"}}}`,
			want:  `{"gene":{"stable_id":"X","symbol":"FOO","strand":null}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thoas := newSubgraph(t, reply(tt.reply))
			resp := newExecutor(newFakeSubgraphs(map[string]string{"thoas": thoas.URL})).
				Execute(context.Background(), plan(t,
					`{ gene(byId: {genome_id: "G", stable_id: "X"}) { stable_id symbol strand } }`))

			if got := dataJSON(t, resp); got != tt.want {
				t.Errorf("unexpected data\nwant %s\ngot  %s", tt.want, got)
			}
			if len(resp.Errors) != 1 || resp.Errors[0].Extensions["code"] != CodeInvalidResponse {
				t.Errorf("expected one invalid response error, got %v", resp.Errors)
			}
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	thoas := newSubgraph(t, func(r *http.Request, _ recorded) (int, string) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		return http.StatusOK, `{"data":{"gene":null}}`
	})

	subgraphs := newFakeSubgraphs(map[string]string{"thoas": thoas.URL})
	subgraphs.timeout = 50 * time.Millisecond
	resp := newExecutor(subgraphs).Execute(context.Background(), plan(t, geneQuery))

	if got := dataJSON(t, resp); got != `{"gene":null}` {
		t.Errorf("unexpected data %s", got)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Extensions["code"] != CodeTimeout {
		t.Errorf("expected one timeout error, got %v", resp.Errors)
	}
	if n := subgraphs.failuresOf("thoas"); n != 1 {
		t.Errorf("a subgraph timeout should be reported once, got %d", n)
	}
}

func TestExecuteExpiredRequestDeadline(t *testing.T) {
	thoas := newSubgraph(t, reply(`{"data":{"gene":null}}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	subgraphs := newFakeSubgraphs(map[string]string{"thoas": thoas.URL})
	resp := newExecutor(subgraphs).Execute(ctx, plan(t, geneQuery))

	if len(resp.Errors) != 1 || resp.Errors[0].Extensions["code"] != CodeTimeout {
		t.Errorf("expected one timeout error, got %v", resp.Errors)
	}
	if n := len(thoas.recorded()); n != 0 {
		t.Errorf("expected no subgraph request, got %d", n)
	}
	if n := subgraphs.failuresOf("thoas"); n != 0 {
		t.Errorf("an expired request must not count against the subgraph, got %d failures", n)
	}
}

func TestExecuteClientDeadlineIsNotReported(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	thoas := newSubgraph(t, func(r *http.Request, _ recorded) (int, string) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
		return http.StatusOK, `{"data":{"gene":null}}`
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	subgraphs := newFakeSubgraphs(map[string]string{"thoas": thoas.URL})
	resp := newExecutor(subgraphs).Execute(ctx, plan(t, geneQuery))

	if len(resp.Errors) != 1 || resp.Errors[0].Extensions["code"] != CodeTimeout {
		t.Errorf("expected one timeout error, got %v", resp.Errors)
	}
	if n := subgraphs.failuresOf("thoas"); n != 0 {
		t.Errorf("a client deadline must not count against the subgraph, got %d failures", n)
	}
}

func TestExecuteForwardsHeaders(t *testing.T) {
	thoas := newSubgraph(t, reply(`{"data":{"version":"112"}}`))
	subgraphs := newFakeSubgraphs(map[string]string{"thoas": thoas.URL})
	subgraphs.headers = map[string]string{"X-Api-Key": "secret"}

	ctx := middleware.WithRequestID(context.Background(), "req-42")
	resp := newExecutor(subgraphs).Execute(ctx, plan(t, `{ version }`))

	if got := dataJSON(t, resp); got != `{"version":"112"}` {
		t.Errorf("unexpected data %s", got)
	}
	reqs := thoas.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if got := reqs[0].Header.Get("X-Api-Key"); got != "secret" {
		t.Errorf("expected static header, got %q", got)
	}
	if got := reqs[0].Header.Get(middleware.RequestIDHeader); got != "req-42" {
		t.Errorf("expected request id req-42, got %q", got)
	}
}

func TestExecuteMutationFieldsRunInOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	thoas := newSubgraph(t, func(_ *http.Request, req recorded) (int, string) {
		mu.Lock()
		defer mu.Unlock()
		if strings.Contains(req.Query, `"A"`) {
			order = append(order, "A")
			return http.StatusOK, `{"data":{"first":{"__typename":"Gene","stable_id":"A"}}}`
		}
		order = append(order, "B")
		return http.StatusOK, `{"data":{"second":{"__typename":"Gene","stable_id":"B"}}}`
	})

	resp := newExecutor(newFakeSubgraphs(map[string]string{"thoas": thoas.URL})).Execute(context.Background(), plan(t,
		`mutation { first: touch(stable_id: "A") { stable_id } second: touch(stable_id: "B") { stable_id } }`))

	if got := dataJSON(t, resp); got != `{"first":{"stable_id":"A"},"second":{"stable_id":"B"}}` {
		t.Errorf("unexpected data %s", got)
	}
	if diff := cmp.Diff([]string{"A", "B"}, order); diff != "" {
		t.Errorf("mutation order mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteIntrospectionNeedsNoSubgraph(t *testing.T) {
	exec := newExecutor(newFakeSubgraphs(nil))
	resp := exec.Execute(context.Background(), plan(t, `{ __typename __type(name: "Allele") { name kind } }`))

	if got := dataJSON(t, resp); got != `{"__typename":"Query","__type":{"name":"Allele","kind":"OBJECT"}}` {
		t.Errorf("unexpected data %s", got)
	}
}

func TestExecuteCoalescesIdenticalFetches(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	thoas := newSubgraph(t, func(*http.Request, recorded) (int, string) {
		atomic.AddInt32(&calls, 1)
		<-release
		return http.StatusOK, `{"data":{"version":"112"}}`
	})

	c := coalesce.New(coalesce.Config{Logger: quietLogger()})
	exec := New(Options{
		Subgraphs: newFakeSubgraphs(map[string]string{"thoas": thoas.URL}),
		Coalescer: c,
		Logger:    quietLogger(),
	})
	pl := plan(t, `{ version }`)

	var wg sync.WaitGroup
	results := make([]*Response, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = exec.Execute(context.Background(), pl)
	}()
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 })

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = exec.Execute(context.Background(), pl)
	}()
	waitFor(t, func() bool { return c.Stats().CoalescedRequests == 1 })

	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 subgraph call, got %d", n)
	}
	for i, r := range results {
		if got := dataJSON(t, r); got != `{"version":"112"}` {
			t.Errorf("result %d: unexpected data %s", i, got)
		}
	}
}

func TestExecuteCoalescedFetchOutlivesFirstCaller(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	thoas := newSubgraph(t, func(*http.Request, recorded) (int, string) {
		atomic.AddInt32(&calls, 1)
		<-release
		return http.StatusOK, `{"data":{"version":"112"}}`
	})

	c := coalesce.New(coalesce.Config{Logger: quietLogger()})
	subgraphs := newFakeSubgraphs(map[string]string{"thoas": thoas.URL})
	exec := New(Options{Subgraphs: subgraphs, Coalescer: c, Logger: quietLogger()})
	pl := plan(t, `{ version }`)

	first := make(chan *Response, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() { first <- exec.Execute(ctx, pl) }()
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 })

	second := make(chan *Response, 1)
	go func() { second <- exec.Execute(context.Background(), pl) }()
	waitFor(t, func() bool { return c.Stats().CoalescedRequests == 1 })

	r1 := <-first
	if len(r1.Errors) != 1 || r1.Errors[0].Extensions["code"] != CodeTimeout {
		t.Errorf("first caller: expected one timeout error, got %v", r1.Errors)
	}

	close(release)
	r2 := <-second
	if got := dataJSON(t, r2); got != `{"version":"112"}` {
		t.Errorf("second caller: unexpected data %s", got)
	}
	if len(r2.Errors) != 0 {
		t.Errorf("second caller: expected no errors, got %v", r2.Errors)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 subgraph call, got %d", n)
	}
	if n := subgraphs.failuresOf("thoas"); n != 0 {
		t.Errorf("expected no reported failures, got %d", n)
	}
}

const featureSDL = `
type Query {
  feature(id: ID!): Feature
}

interface Feature {
  id: ID!
  location: Location
}

type Location {
  start: Int
  end: Int
}

type Gene implements Feature {
  id: ID!
  location: Location
  symbol: String
}
`

func TestExecuteMergesSelectionsSharingAResponseKey(t *testing.T) {
	thoas := newSubgraph(t, reply(`{"data":{"feature":{"__typename":"Gene","location":{"start":1,"end":2}}}}`))
	exec := newExecutor(newFakeSubgraphs(map[string]string{"thoas": thoas.URL}))

	pl := planWith(t, map[string]string{"thoas": featureSDL},
		`{ feature(id: "1") { location { start } ... on Gene { location { end } } } }`)
	resp := exec.Execute(context.Background(), pl)

	if got := dataJSON(t, resp); got != `{"feature":{"location":{"start":1,"end":2}}}` {
		t.Errorf("unexpected data %s", got)
	}
	if len(resp.Errors) != 0 {
		t.Errorf("expected no errors, got %v", resp.Errors)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObjectKeepsInsertionOrder(t *testing.T) {
	o := NewObject()
	o.Set("zeta", 1)
	o.Set("alpha", "a")
	o.Set("zeta", 2)

	b, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"zeta":2,"alpha":"a"}` {
		t.Errorf("unexpected JSON %s", b)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha"}, o.keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

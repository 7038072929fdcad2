package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Error codes carried in extensions.code of execution errors.
const (
	CodeTransport          = "TRANSPORT_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
	CodeInvalidResponse    = "INVALID_SUBGRAPH_RESPONSE"
)

// TransportError reports a subgraph that could not be reached or replied
// with something other than a GraphQL response.
type TransportError struct {
	Subgraph string
	// StatusCode is zero when no response was received.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("subgraph %s: unexpected status %d", e.Subgraph, e.StatusCode)
	}
	return fmt.Sprintf("subgraph %s: %v", e.Subgraph, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a fetch abandoned because a deadline passed.
type TimeoutError struct {
	Subgraph string
	Err      error
	// Caller is set when the client request's own deadline or cancellation
	// ended the fetch rather than the subgraph timeout.
	Caller bool
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("subgraph %s: request timed out", e.Subgraph)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// subgraphError is an entry of a subgraph's errors list.
type subgraphError struct {
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

func newError(message string, path ast.Path, code, subgraph string) *gqlerror.Error {
	ext := map[string]interface{}{"code": code}
	if subgraph != "" {
		ext["serviceName"] = subgraph
	}
	return &gqlerror.Error{Message: message, Path: path, Extensions: ext}
}

// passthrough converts a subgraph error, rebasing its path onto base.
func passthrough(se subgraphError, base ast.Path, rest []interface{}, subgraph string) *gqlerror.Error {
	path := append(ast.Path{}, base...)
	path = append(path, toPath(rest)...)
	if len(path) == 0 {
		path = nil
	}

	ext := make(map[string]interface{}, len(se.Extensions)+1)
	for k, v := range se.Extensions {
		ext[k] = v
	}
	if _, ok := ext["serviceName"]; !ok {
		ext["serviceName"] = subgraph
	}
	return &gqlerror.Error{Message: se.Message, Path: path, Extensions: ext}
}

func toPath(elems []interface{}) ast.Path {
	out := make(ast.Path, 0, len(elems))
	for _, e := range elems {
		switch v := e.(type) {
		case string:
			out = append(out, ast.PathName(v))
		case json.Number:
			if i, err := v.Int64(); err == nil {
				out = append(out, ast.PathIndex(int(i)))
			}
		case float64:
			out = append(out, ast.PathIndex(int(v)))
		}
	}
	return out
}

// pathIndex reads a path element as a list index.
func pathIndex(e interface{}) (int, bool) {
	switch v := e.(type) {
	case json.Number:
		i, err := v.Int64()
		return int(i), err == nil
	case float64:
		return int(v), true
	}
	return 0, false
}

// related reports whether one path is a prefix of the other.
func related(a, b ast.Path) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortErrors(errs gqlerror.List) {
	sort.SliceStable(errs, func(i, j int) bool {
		return comparePaths(errs[i].Path, errs[j].Path) < 0
	})
}

func comparePaths(a, b ast.Path) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		ai, aIdx := a[i].(ast.PathIndex)
		bi, bIdx := b[i].(ast.PathIndex)
		switch {
		case aIdx && bIdx:
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
		case aIdx != bIdx:
			if aIdx {
				return -1
			}
			return 1
		default:
			if c := strings.Compare(string(a[i].(ast.PathName)), string(b[i].(ast.PathName))); c != 0 {
				return c
			}
		}
	}
	return len(a) - len(b)
}

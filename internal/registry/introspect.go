package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/Ensembl/ensembl-thoas/internal/tracing"
)

// ServiceQuery asks a federated subgraph for its schema document.
const ServiceQuery = "query __ApolloGetServiceDefinition__ { _service { sdl } }"

const maxIntrospectionSize = 8 << 20

// Introspector fetches the schema document of a subgraph.
type Introspector interface {
	Introspect(ctx context.Context, d Descriptor) (string, error)
}

// IntrospectorFunc adapts a function to Introspector.
type IntrospectorFunc func(ctx context.Context, d Descriptor) (string, error)

func (f IntrospectorFunc) Introspect(ctx context.Context, d Descriptor) (string, error) {
	return f(ctx, d)
}

// HTTPIntrospector queries _service { sdl } over HTTP.
type HTTPIntrospector struct {
	client *http.Client
}

// NewHTTPIntrospector creates an introspector. A nil client gets a traced
// default client.
func NewHTTPIntrospector(client *http.Client) *HTTPIntrospector {
	if client == nil {
		client = &http.Client{Transport: tracing.Transport(nil)}
	}
	return &HTTPIntrospector{client: client}
}

// Introspect returns the SDL a subgraph reports for itself.
func (h *HTTPIntrospector) Introspect(ctx context.Context, d Descriptor) (string, error) {
	payload, err := json.Marshal(map[string]string{"query": ServiceQuery})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIntrospectionSize))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return "", errors.New("malformed JSON response")
	}

	if errs := gjson.GetBytes(body, "errors"); errs.IsArray() && len(errs.Array()) > 0 {
		return "", fmt.Errorf("introspection failed: %s", errs.Array()[0].Get("message").String())
	}

	sdl := gjson.GetBytes(body, "data._service.sdl")
	if sdl.Type != gjson.String || sdl.String() == "" {
		return "", errors.New("response carries no schema document")
	}
	return sdl.String(), nil
}

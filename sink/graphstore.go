package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/go-digitaltwin/riskprov/provgraph"
)

// DefaultTimeout bounds a single push to a graph store.
const DefaultTimeout = 30 * time.Second

// A GraphStore pushes documents to an HTTP endpoint accepting Turtle, such as
// a SPARQL 1.1 Graph Store Protocol endpoint.
type GraphStore struct {
	endpoint string
	client   *http.Client
}

// NewGraphStore returns a GraphStore posting to endpoint. A nil client is
// replaced by one with DefaultTimeout whose transport is traced.
func NewGraphStore(endpoint string, client *http.Client) *GraphStore {
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   DefaultTimeout,
		}
	}
	return &GraphStore{endpoint: endpoint, client: client}
}

// Push posts doc. Transport failures are transient; any response other than
// 2xx rejects the document. Empty documents are skipped.
func (s *GraphStore) Push(ctx context.Context, doc []byte) error {
	if len(doc) == 0 {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(doc))
	if err != nil {
		return Rejected(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", provgraph.MediaType)

	resp, err := s.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("post: %w", err))
	}
	defer resp.Body.Close()
	// Read a bounded prefix of the reply for the error message, and drain the
	// rest so the connection can be reused.
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Rejected(fmt.Errorf("graph store replied %s: %s", resp.Status, bytes.TrimSpace(reply)))
	}
	return nil
}

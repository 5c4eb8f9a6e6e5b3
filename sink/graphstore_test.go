package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-digitaltwin/riskprov/provgraph"
)

func TestGraphStorePush(t *testing.T) {
	const doc = "@prefix swl: <http://semanticweblondon.com/> .\n"
	tests := []struct {
		name    string
		status  int
		want    Outcome
		wantErr error
	}{
		{name: "OK", status: http.StatusOK, want: Ok},
		{name: "NoContent", status: http.StatusNoContent, want: Ok},
		{name: "Created", status: http.StatusCreated, want: Ok},
		{name: "BadRequest", status: http.StatusBadRequest, want: Fatal, wantErr: ErrRejected},
		{name: "ServerError", status: http.StatusInternalServerError, want: Fatal, wantErr: ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				mu                          sync.Mutex
				gotBody, gotType, gotMethod string
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				mu.Lock()
				gotBody, gotType, gotMethod = string(b), r.Header.Get("Content-Type"), r.Method
				mu.Unlock()
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewGraphStore(srv.URL, srv.Client()).Push(context.Background(), []byte(doc))
			if got := Classify(err); got != tt.want {
				t.Fatalf("Push() = %v (%v); want %v", err, got, tt.want)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Push() = %v; want %v", err, tt.wantErr)
			}
			mu.Lock()
			defer mu.Unlock()
			if gotMethod != http.MethodPost || gotType != provgraph.MediaType || gotBody != doc {
				t.Errorf("server got %s %q with %q; want POST %q with the document", gotMethod, gotBody, gotType, provgraph.MediaType)
			}
		})
	}
}

func TestGraphStoreUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewGraphStore(url, nil).Push(context.Background(), []byte("doc"))
	if !errors.Is(err, ErrTransient) {
		t.Errorf("Push() to a closed server = %v; want %v", err, ErrTransient)
	}
}

func TestGraphStoreSkipsEmptyDocuments(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	if err := NewGraphStore(srv.URL, srv.Client()).Push(context.Background(), nil); err != nil {
		t.Errorf("Push(nil) = %v; want nil", err)
	}
	if called {
		t.Error("Push(nil) reached the server")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, Ok},
		{Transient(io.ErrUnexpectedEOF), Retriable},
		{Rejected(io.ErrUnexpectedEOF), Fatal},
		{errors.New("unclassified"), Retriable},
		{context.Canceled, Retriable},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v; want %v", tt.err, got, tt.want)
		}
	}
}

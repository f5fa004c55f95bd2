package system

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/coffer/store/memstore"
	"github.com/outofforest/coffer/types"
)

// NewPartition starts an in-process partition backend speaking the whole
// document protocol: GET <base>/latest returns the document with its revision,
// PUT <base> overwrites it. The backend keeps its state in a memstore, so
// faults injected there surface as 503 responses.
func NewPartition(t *testing.T, id types.PartitionID) *Partition {
	p := &Partition{
		id:       id,
		store:    memstore.New(),
		requireT: require.New(t),
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.server.Close)
	return p
}

// Partition is a single partition backend used by integration tests.
type Partition struct {
	id       types.PartitionID
	store    *memstore.Store
	server   *httptest.Server
	requireT *require.Assertions
}

// ID returns the partition ID.
func (p *Partition) ID() types.PartitionID {
	return p.id
}

// URL returns the base URL of the backend.
func (p *Partition) URL() string {
	return p.server.URL
}

// Config returns the partition definition consumed by the coffer config.
func (p *Partition) Config() types.PartitionConfig {
	return types.PartitionConfig{ID: p.id, URL: p.server.URL}
}

// Seed sets the partition document to the given account list.
func (p *Partition) Seed(accounts ...types.Account) {
	record, err := json.Marshal(struct {
		Accounts []types.Account `json:"accounts"`
	}{Accounts: accounts})
	p.requireT.NoError(err)
	p.store.Seed(record)
}

// FailPuts makes the next n writes respond with 503.
func (p *Partition) FailPuts(n uint64) {
	p.store.FailSaves(n)
}

// FailGets makes the next n reads respond with 503.
func (p *Partition) FailGets(n uint64) {
	p.store.FailLoads(n)
}

// Puts returns the number of writes observed, failed ones included.
func (p *Partition) Puts() uint64 {
	return p.store.Saves()
}

func (p *Partition) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/latest":
		doc, err := p.store.Load(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if doc.Revision == types.ZeroRevision {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		p.writeJSON(w, struct {
			Record   json.RawMessage `json:"record"`
			Revision types.Revision  `json:"revision"`
		}{Record: doc.Record, Revision: doc.Revision})
	case r.Method == http.MethodPut && r.URL.Path == "/":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req struct {
			Record json.RawMessage `json:"record"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		revision, err := p.store.Save(r.Context(), req.Record)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		p.writeJSON(w, struct {
			Revision types.Revision `json:"revision"`
		}{Revision: revision})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *Partition) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	p.requireT.NoError(json.NewEncoder(w).Encode(v))
}

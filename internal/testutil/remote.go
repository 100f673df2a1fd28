package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/roach88/capsule/internal/ir"
)

// FakeRemote is an in-memory sync server speaking the push/pull wire
// protocol. Pushed entries are appended to a shared log that every device
// pulls from, as a real relay would.
//
// Thread-safety: All methods are safe for concurrent use.
type FakeRemote struct {
	*httptest.Server

	mu       sync.Mutex
	log      []ir.ChangeLogEntry
	pushes   int
	pulls    int
	failures []int
	headers  []http.Header
}

// NewFakeRemote starts a server that is closed when t finishes.
func NewFakeRemote(t testing.TB) *FakeRemote {
	t.Helper()
	r := &FakeRemote{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /push", r.handlePush)
	mux.HandleFunc("GET /pull", r.handlePull)
	r.Server = httptest.NewServer(mux)
	t.Cleanup(r.Close)
	return r
}

// FailNext makes the next requests answer with the given status codes,
// one per request, before serving normally again.
func (r *FakeRemote) FailNext(statuses ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, statuses...)
}

// Seed appends entries to the remote log as if another device pushed them.
func (r *FakeRemote) Seed(entries ...ir.ChangeLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, entries...)
}

// Log returns a copy of every entry received or seeded.
func (r *FakeRemote) Log() []ir.ChangeLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ir.ChangeLogEntry, len(r.log))
	copy(out, r.log)
	return out
}

// Pushes returns the number of accepted push requests.
func (r *FakeRemote) Pushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushes
}

// Pulls returns the number of served pull requests.
func (r *FakeRemote) Pulls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls
}

// Headers returns the headers of every request received.
func (r *FakeRemote) Headers() []http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]http.Header, len(r.headers))
	copy(out, r.headers)
	return out
}

// intercept records the request and reports whether a queued failure was
// served instead.
func (r *FakeRemote) intercept(w http.ResponseWriter, req *http.Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = append(r.headers, req.Header.Clone())
	if len(r.failures) == 0 {
		return false
	}
	status := r.failures[0]
	r.failures = r.failures[1:]
	http.Error(w, http.StatusText(status), status)
	return true
}

type wireEntry struct {
	ir.ChangeLogEntry
	Data json.RawMessage `json:"data"`
}

func (r *FakeRemote) handlePush(w http.ResponseWriter, req *http.Request) {
	if r.intercept(w, req) {
		return
	}

	var body struct {
		Version  int         `json:"version"`
		DeviceID string      `json:"deviceId"`
		Changes  []wireEntry `json:"changes"`
		Checksum string      `json:"checksum"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	changes := make([]ir.ChangeLogEntry, len(body.Changes))
	for i, c := range body.Changes {
		row, err := ir.DecodeRow(c.Data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		changes[i] = c.ChangeLogEntry
		changes[i].Data = row
		changes[i].Synced = false
		changes[i].SyncAttempt = 0
	}
	if ok, err := ir.VerifyBatchChecksum(changes, body.Checksum); err != nil || !ok {
		http.Error(w, "checksum mismatch", http.StatusUnprocessableEntity)
		return
	}

	r.mu.Lock()
	r.log = append(r.log, changes...)
	r.pushes++
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *FakeRemote) handlePull(w http.ResponseWriter, req *http.Request) {
	if r.intercept(w, req) {
		return
	}
	since, err := strconv.ParseInt(req.URL.Query().Get("since"), 10, 64)
	if err != nil {
		http.Error(w, "bad since", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	out := []ir.ChangeLogEntry{}
	for _, c := range r.log {
		if c.Timestamp > since {
			out = append(out, c)
		}
	}
	r.pulls++
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"changes": out})
}

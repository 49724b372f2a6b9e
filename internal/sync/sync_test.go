package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sort"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chmdznr/offline-daylog/pkg/models"
)

// memStore is an in-memory RecordStore.
type memStore struct {
	mu      gosync.Mutex
	records map[int64]*models.DailyLog
	loadErr error
}

func newMemStore(records ...models.DailyLog) *memStore {
	s := &memStore{records: map[int64]*models.DailyLog{}}
	for i := range records {
		rec := records[i]
		s.records[rec.ID] = &rec
	}
	return s
}

func (s *memStore) GetUnsyncedRecords(ctx context.Context) ([]models.DailyLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	var out []models.DailyLog
	for _, rec := range s.records {
		if !rec.Synced {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) MarkSynced(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.Synced = true
	}
	return nil
}

func (s *memStore) synced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.Synced {
			n++
		}
	}
	return n
}

func testConfig() *ReconcilerConfig {
	return &ReconcilerConfig{Logger: log.New(io.Discard, "", 0)}
}

func record(id int64, n string) models.DailyLog {
	return models.DailyLog{
		ID:        id,
		Date:      "2024-01-01",
		Fields:    map[string]string{"mood": "good", "n": n},
		Timestamp: time.Now(),
		ClientKey: "key-" + n,
	}
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "normal path",
			input:    "path/to/file.txt",
			expected: "path/to/file.txt",
		},
		{
			name:     "windows path",
			input:    "path\\to\\file.txt",
			expected: "path/to/file.txt",
		},
		{
			name:     "path with spaces",
			input:    "path/to/my file.txt",
			expected: "path/to/my+file.txt",
		},
		{
			name:     "path with special chars",
			input:    "path/to/file&name.txt",
			expected: "path/to/fileandname.txt",
		},
		{
			name:     "path with double slashes",
			input:    "path//to//file.txt",
			expected: "path/to/file.txt",
		},
		{
			name:     "empty path",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizePath(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizePath(%q) = %q; want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		expected string
	}{
		{name: "no prefix", prefix: "", expected: "2024-01-01/abc.form"},
		{name: "prefix", prefix: "daily-logs", expected: "daily-logs/2024-01-01/abc.form"},
		{name: "trailing slash", prefix: "/daily-logs/", expected: "daily-logs/2024-01-01/abc.form"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := objectKey(tt.prefix, Submission{Date: "2024-01-01", ClientKey: "abc"})
			if result != tt.expected {
				t.Errorf("objectKey(%q) = %q; want %q", tt.prefix, result, tt.expected)
			}
		})
	}
}

func TestOutboundStripsBookkeeping(t *testing.T) {
	rec := models.DailyLog{
		ID:        7,
		Date:      "2024-01-01",
		Fields:    map[string]string{"mood": "good", "id": "99", "Synced": "true", "timestamp": "x"},
		Synced:    false,
		Timestamp: time.Now(),
		ClientKey: "ck",
	}

	sub := outbound(rec)
	for _, key := range []string{"id", "synced", "Synced", "timestamp", "client_key"} {
		if sub.Form.Has(key) {
			t.Errorf("outbound form leaked %q: %v", key, sub.Form)
		}
	}
	if sub.Form.Get("date") != "2024-01-01" || sub.Form.Get("mood") != "good" {
		t.Errorf("outbound form lost domain fields: %v", sub.Form)
	}
	if sub.ClientKey != "ck" {
		t.Errorf("client key = %q; want ck", sub.ClientKey)
	}
}

func TestReconcileOfflineIsNoop(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	store := newMemStore(record(1, "a"), record(2, "b"))
	r := NewReconciler(store, NewHTTPSubmitter(server.URL, nil, time.Second), func() bool { return false }, testConfig())

	res, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !res.Skipped {
		t.Error("expected skipped result")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expected zero network calls, got %d", calls)
	}
	if store.synced() != 0 {
		t.Errorf("records changed while offline")
	}
}

func TestReconcilePartialFailure(t *testing.T) {
	accept := map[string]bool{"a": true, "c": true, "e": true}

	var (
		mu   gosync.Mutex
		seen []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != formContentType {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad form: %v", err)
		}
		if r.PostForm.Has("id") || r.PostForm.Has("synced") || r.PostForm.Has("timestamp") {
			t.Errorf("bookkeeping leaked: %v", r.PostForm)
		}
		n := r.PostForm.Get("n")
		if r.Header.Get("Idempotency-Key") != "key-"+n {
			t.Errorf("missing idempotency key for %s", n)
		}
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		if accept[n] {
			w.WriteHeader(http.StatusCreated)
			return
		}
		http.Error(w, "rejected", http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newMemStore(record(1, "a"), record(2, "b"), record(3, "c"), record(4, "d"), record(5, "e"))
	r := NewReconciler(store, NewHTTPSubmitter(server.URL, nil, time.Second), nil, testConfig())

	res, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Attempted != 5 || res.Synced != 3 || res.Failed != 2 {
		t.Errorf("unexpected result: %+v", res)
	}
	if store.synced() != 3 {
		t.Errorf("expected 3 synced records, got %d", store.synced())
	}
	if len(seen) != 5 {
		t.Errorf("a failure aborted the batch: submitted %v", seen)
	}

	pending, _ := store.GetUnsyncedRecords(context.Background())
	for _, rec := range pending {
		if accept[rec.Fields["n"]] {
			t.Errorf("accepted record %d still pending", rec.ID)
		}
	}
}

func TestReconcileRetriesOnNextRun(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	store := newMemStore(record(1, "a"), record(2, "b"))
	r := NewReconciler(store, NewHTTPSubmitter(server.URL, nil, time.Second), nil, testConfig())

	if res, _ := r.Reconcile(context.Background()); res.Synced != 0 || res.Failed != 2 {
		t.Fatalf("first run: unexpected result %+v", res)
	}

	healthy.Store(true)
	if res, _ := r.Reconcile(context.Background()); res.Synced != 2 {
		t.Fatalf("second run: unexpected result %+v", res)
	}
	if res, _ := r.Reconcile(context.Background()); res.Attempted != 0 {
		t.Errorf("third run should find nothing pending: %+v", res)
	}
}

func TestReconcileLoadError(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("disk gone")
	r := NewReconciler(store, NewHTTPSubmitter("http://127.0.0.1:0", nil, time.Second), nil, testConfig())

	if _, err := r.Reconcile(context.Background()); err == nil {
		t.Error("expected load error to propagate")
	}
}

func TestHTTPSubmitterUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	s := NewHTTPSubmitter(url, nil, time.Second)
	err := s.Submit(context.Background(), outbound(record(1, "a")))
	if !errors.Is(err, ErrSubmit) {
		t.Errorf("expected ErrSubmit, got %v", err)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/common"
	"github.com/extractable/extractable/internal/entity"
	"github.com/extractable/extractable/internal/events"
	"github.com/extractable/extractable/internal/repository"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*entity.Extraction
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*entity.Extraction)}
}

func (s *memStore) Create(_ context.Context, e *entity.Extraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.jobs[e.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*entity.Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) ListByUser(_ context.Context, userID int64, page, pageSize int) ([]*entity.Extraction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Extraction
	for _, e := range s.jobs {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (s *memStore) UpdateStatus(_ context.Context, id uuid.UUID, status constants.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[id]; ok {
		e.Status = status
	}
	return nil
}

func (s *memStore) StoreResult(_ context.Context, id uuid.UUID, res repository.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[id]; ok {
		e.Status = constants.JobStatusCompleted
		e.TableData = res.TableData
	}
	return nil
}

func (s *memStore) UpdateFields(_ context.Context, e *entity.Extraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[e.ID]; ok {
		cur.InputFilename = e.InputFilename
		cur.ColumnsRequested = e.ColumnsRequested
		cur.MultipleTables = e.MultipleTables
	}
	return nil
}

func (s *memStore) MarkStuckFailed(context.Context, time.Duration) ([]uuid.UUID, error) {
	return nil, nil
}

func (s *memStore) Close() error { return nil }

type captureQueue struct {
	mu    sync.Mutex
	jobs  []*entity.Extraction
	input [][]byte
	err   error
}

func (q *captureQueue) Enqueue(job *entity.Extraction, input []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	q.input = append(q.input, input)
	return nil
}

func newTestServer(t *testing.T) (*memStore, *captureQueue, *events.Broadcaster, *httptest.Server) {
	t.Helper()
	store := newMemStore()
	q := &captureQueue{}
	bc := events.NewBroadcaster(nil)
	h := NewHandler(store, q, bc, nil, nil, 0)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return store, q, bc, srv
}

func multipartUpload(t *testing.T, filename string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.4 fake content"))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestCreateExtraction(t *testing.T) {
	store, q, _, srv := newTestServer(t)

	body, contentType := multipartUpload(t, "report.pdf", map[string]string{
		"priority":        "high",
		"complexity":      "complex",
		"columns":         "date, amount,",
		"multiple_tables": "true",
		"output_format":   "csv",
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/extractions", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-ID", "42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job entity.Extraction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, int64(42), job.UserID)
	assert.Equal(t, constants.JobStatusPending, job.Status)
	assert.Equal(t, constants.PriorityHigh, job.Priority)
	assert.Equal(t, constants.ComplexityComplex, job.Complexity)
	assert.Equal(t, constants.InputPDF, job.InputKind)
	assert.Equal(t, []string{"date", "amount"}, job.ColumnsRequested)
	assert.True(t, job.MultipleTables)
	assert.Equal(t, constants.FormatCSV, job.OutputFormat)

	require.Len(t, q.jobs, 1)
	assert.Equal(t, job.ID, q.jobs[0].ID)
	assert.Contains(t, string(q.input[0]), "%PDF")

	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPending, stored.Status)
}

func TestCreateExtractionRequiresUser(t *testing.T) {
	_, _, _, srv := newTestServer(t)

	body, contentType := multipartUpload(t, "report.pdf", nil)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/extractions", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateExtractionRejectsExtension(t *testing.T) {
	_, q, _, srv := newTestServer(t)

	body, contentType := multipartUpload(t, "payload.exe", nil)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/extractions", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	assert.Empty(t, q.jobs)
}

func TestGetExtractionNotFound(t *testing.T) {
	_, _, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/extractions/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateExtractionFilenameAlwaysAllowed(t *testing.T) {
	store, _, _, srv := newTestServer(t)

	job := &entity.Extraction{
		ID: uuid.New(), UserID: 1, Status: constants.JobStatusProcessing,
		InputFilename: "old.pdf", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(context.Background(), job))

	req, _ := http.NewRequest(http.MethodPatch,
		srv.URL+"/api/v1/extractions/"+job.ID.String(),
		strings.NewReader(`{"input_filename":"new.pdf"}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "new.pdf", got.InputFilename)
}

func TestUpdateExtractionColumnsLockedAfterPending(t *testing.T) {
	store, _, _, srv := newTestServer(t)

	job := &entity.Extraction{
		ID: uuid.New(), UserID: 1, Status: constants.JobStatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(context.Background(), job))

	req, _ := http.NewRequest(http.MethodPatch,
		srv.URL+"/api/v1/extractions/"+job.ID.String(),
		strings.NewReader(`{"columns_requested":["x"]}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadCSV(t *testing.T) {
	store, _, _, srv := newTestServer(t)

	job := &entity.Extraction{
		ID: uuid.New(), UserID: 1, Status: constants.JobStatusCompleted,
		InputFilename: "invoice.pdf", OutputFormat: constants.FormatJSON,
		TableData: json.RawMessage(`{"tables":[{"table_index":1,"columns":["a","b"],"rows":[{"a":"1","b":"2"}]}]}`),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(context.Background(), job))

	resp, err := http.Get(srv.URL + "/api/v1/extractions/" + job.ID.String() + "/download?format=csv")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "invoice.csv")

	out, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "a,b\n1,2\n", string(out))
}

func TestDownloadRequiresCompletion(t *testing.T) {
	store, _, _, srv := newTestServer(t)

	job := &entity.Extraction{
		ID: uuid.New(), UserID: 1, Status: constants.JobStatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(context.Background(), job))

	resp, err := http.Get(srv.URL + "/api/v1/extractions/" + job.ID.String() + "/download")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStreamEventsDeliversAndCloses(t *testing.T) {
	store, _, bc, srv := newTestServer(t)

	job := &entity.Extraction{
		ID: uuid.New(), UserID: 1, Status: constants.JobStatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(context.Background(), job))

	resp, err := http.Get(srv.URL + "/api/v1/extractions/" + job.ID.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler a moment to subscribe before broadcasting.
	time.Sleep(50 * time.Millisecond)
	bc.Broadcast(job.ID, events.StepUpdate(job.ID, 2, "Extracted tables", 1.2))
	bc.CloseJob(job.ID, events.Notification(job.ID, "Extraction Complete", "done", "success"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "event: step_update")
	assert.Contains(t, body, `"step":2`)
	assert.Contains(t, body, "event: notification")
}

func TestStreamEventsTerminalJobClosesImmediately(t *testing.T) {
	store, _, _, srv := newTestServer(t)

	job := &entity.Extraction{
		ID: uuid.New(), UserID: 1, Status: constants.JobStatusCompleted,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(context.Background(), job))

	resp, err := http.Get(srv.URL + "/api/v1/extractions/" + job.ID.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "event: status_update")
}

func TestRateLimitMiddleware(t *testing.T) {
	store := newMemStore()
	q := &captureQueue{}
	h := NewHandler(store, q, nil, nil, nil, 0)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(Chain(mux, RateLimit(1)))
	defer srv.Close()

	post := func() int {
		body, contentType := multipartUpload(t, "a.pdf", nil)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/extractions", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-User-ID", "1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusAccepted, post())
	assert.Equal(t, http.StatusTooManyRequests, post())

	// GET endpoints are not throttled.
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

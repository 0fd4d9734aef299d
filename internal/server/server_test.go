package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/drallgood/koreader-hardcover-sync/internal/api/hardcover"
	"github.com/drallgood/koreader-hardcover-sync/internal/database"
	"github.com/drallgood/koreader-hardcover-sync/internal/logger"
	"github.com/drallgood/koreader-hardcover-sync/internal/matcher"
	"github.com/drallgood/koreader-hardcover-sync/internal/models"
	syncer "github.com/drallgood/koreader-hardcover-sync/internal/sync"
)

// stubHardcover is a canned Hardcover client for HTTP handler tests
type stubHardcover struct {
	candidates []models.Candidate
	pushErr    error
	pushed     int
}

func (s *stubHardcover) Search(context.Context, string) ([]models.Candidate, error) {
	return s.candidates, nil
}

func (s *stubHardcover) GetEditions(context.Context, string) ([]models.Edition, error) {
	return nil, nil
}

func (s *stubHardcover) PushProgress(context.Context, hardcover.PushInput) error {
	s.pushed++
	return s.pushErr
}

func (s *stubHardcover) GetCurrentUser(context.Context) (*models.User, error) {
	return &models.User{ID: 1, Username: "reader"}, nil
}

// writeSnapshot builds a minimal KOReader statistics database
func writeSnapshot(t *testing.T, path string) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	require.NoError(t, db.Exec(`CREATE TABLE book (
		id INTEGER PRIMARY KEY, title TEXT, authors TEXT,
		notes INTEGER DEFAULT 0, last_open INTEGER, highlights INTEGER DEFAULT 0,
		pages INTEGER, series TEXT DEFAULT '', language TEXT DEFAULT '',
		md5 TEXT, total_read_time INTEGER DEFAULT 0, total_read_pages INTEGER
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE page_stat_data (
		id_book INTEGER, page INTEGER, start_time INTEGER, duration INTEGER, total_pages INTEGER
	)`).Error)
	require.NoError(t, db.Exec(
		`INSERT INTO book (id, title, authors, md5, pages, total_read_pages, last_open)
		 VALUES (1, 'Dune', 'Frank Herbert', 'aaa', 600, 300, 1700000000)`,
	).Error)
}

func newTestServer(t *testing.T, stub *stubHardcover, snapshotPath string) (*Server, *database.Store) {
	t.Helper()
	logger.ResetForTesting()
	log := logger.Get()

	store := database.NewStore(filepath.Join(t.TempDir(), "cache.db"), log)
	resolver := matcher.NewResolver(stub, matcher.DefaultConfig(), log)
	service := syncer.NewService(store, stub, resolver, syncer.LocalSource{Path: snapshotPath}, syncer.Config{}, log)
	return New(":0", store, service, log), store
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t, &stubHardcover{}, "unused")

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSyncEndpoint(t *testing.T) {
	snapshot := filepath.Join(t.TempDir(), "statistics.sqlite3")
	writeSnapshot(t, snapshot)

	stub := &stubHardcover{candidates: []models.Candidate{
		{ID: "42", Title: "Dune", AuthorName: "Frank Herbert"},
	}}
	srv, store := newTestServer(t, stub, snapshot)

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, stub.pushed)

	var resp struct {
		Results []syncer.BookResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, models.SyncSuccess, resp.Results[0].Status)

	book, err := store.GetBook("aaa")
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, models.SyncSuccess, book.SyncStatus)
}

func TestSyncEndpointMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, &stubHardcover{}, "unused")

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSyncEndpointIngestFailure(t *testing.T) {
	// A missing snapshot aborts the pass with a gateway error
	srv, _ := newTestServer(t, &stubHardcover{}, filepath.Join(t.TempDir(), "missing.sqlite3"))

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSyncEndpointRejectsConcurrentPass(t *testing.T) {
	snapshot := filepath.Join(t.TempDir(), "statistics.sqlite3")
	writeSnapshot(t, snapshot)
	srv, _ := newTestServer(t, &stubHardcover{}, snapshot)

	// Simulate a pass in flight
	srv.passMu.Lock()
	defer srv.passMu.Unlock()

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBooksEndpoint(t *testing.T) {
	snapshot := filepath.Join(t.TempDir(), "statistics.sqlite3")
	writeSnapshot(t, snapshot)

	srv, store := newTestServer(t, &stubHardcover{}, snapshot)
	_, err := store.Ingest(snapshot)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/books", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Books []database.BookWithMapping `json:"books"`
		Total int64                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Total)
	require.Len(t, resp.Books, 1)
	assert.Equal(t, "Dune", resp.Books[0].Book.Title)
	assert.Nil(t, resp.Books[0].Mapping)

	// A non-matching filter returns an empty list
	rec = httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/books?filter=nothing", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(0), resp.Total)
	assert.Empty(t, resp.Books)
}

func TestBooksEndpointMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, &stubHardcover{}, "unused")

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/books", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

package database

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/drallgood/koreader-hardcover-sync/internal/logger"
	"github.com/drallgood/koreader-hardcover-sync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger.ResetForTesting()
	return NewStore(filepath.Join(t.TempDir(), "cache.db"), logger.Get())
}

type snapshotBook struct {
	id       int64
	title    string
	authors  string
	md5      string
	pages    int
	read     int
	readTime int64
	lastOpen int64
}

type snapshotSession struct {
	idBook     int64
	page       int
	startTime  int64
	duration   int
	totalPages int
}

// writeSnapshot builds a KOReader statistics database with the given rows
func writeSnapshot(t *testing.T, path string, books []snapshotBook, sessions []snapshotSession) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS book (
		id INTEGER PRIMARY KEY,
		title TEXT,
		authors TEXT,
		notes INTEGER DEFAULT 0,
		last_open INTEGER,
		highlights INTEGER DEFAULT 0,
		pages INTEGER,
		series TEXT DEFAULT '',
		language TEXT DEFAULT '',
		md5 TEXT,
		total_read_time INTEGER,
		total_read_pages INTEGER
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS page_stat_data (
		id_book INTEGER,
		page INTEGER,
		start_time INTEGER,
		duration INTEGER,
		total_pages INTEGER
	)`).Error)
	require.NoError(t, db.Exec(`DELETE FROM book`).Error)
	require.NoError(t, db.Exec(`DELETE FROM page_stat_data`).Error)

	for _, b := range books {
		require.NoError(t, db.Exec(
			`INSERT INTO book (id, title, authors, md5, pages, total_read_pages, total_read_time, last_open)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			b.id, b.title, b.authors, b.md5, b.pages, b.read, b.readTime, b.lastOpen,
		).Error)
	}
	for _, s := range sessions {
		require.NoError(t, db.Exec(
			`INSERT INTO page_stat_data (id_book, page, start_time, duration, total_pages)
			 VALUES (?, ?, ?, ?, ?)`,
			s.idBook, s.page, s.startTime, s.duration, s.totalPages,
		).Error)
	}
}

func TestIngestReadsBooksAndSessions(t *testing.T) {
	store := newTestStore(t)
	snapshot := filepath.Join(t.TempDir(), "statistics.sqlite3")

	opened := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	writeSnapshot(t, snapshot,
		[]snapshotBook{
			{id: 1, title: "Dune", authors: "Frank Herbert", md5: "aaa", pages: 600, read: 300, readTime: 7200, lastOpen: opened.Unix()},
			{id: 2, title: "No Hash", authors: "Nobody", md5: "", pages: 100, read: 10},
		},
		[]snapshotSession{
			{idBook: 1, page: 10, startTime: opened.Add(-time.Hour).Unix(), duration: 60, totalPages: 600},
			{idBook: 1, page: 11, startTime: opened.Add(-30 * time.Minute).Unix(), duration: 45, totalPages: 600},
			{idBook: 2, page: 1, startTime: opened.Unix(), duration: 30, totalPages: 100},
		},
	)

	stats, err := store.Ingest(snapshot)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BooksSeen)
	assert.Equal(t, 1, stats.BooksUpserted)
	assert.Equal(t, 2, stats.SessionsAdded)

	book, err := store.GetBook("aaa")
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, "Dune", book.Title)
	assert.Equal(t, "Frank Herbert", book.Authors)
	assert.Equal(t, 600, book.TotalPages)
	assert.Equal(t, 300, book.ReadPages)
	assert.Equal(t, int64(7200), book.ReadSeconds)
	assert.Equal(t, models.StatusReading, book.Status)
	assert.Equal(t, models.SyncPending, book.SyncStatus)
	require.NotNil(t, book.LastOpen)
	assert.True(t, book.LastOpen.Equal(opened))

	// Books without an md5 hash never enter the cache
	missing, err := store.GetBook("")
	require.NoError(t, err)
	assert.Nil(t, missing)

	first, err := store.FirstSessionStart("aaa")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, first.Equal(opened.Add(-time.Hour)))
}

func TestIngestIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	snapshot := filepath.Join(t.TempDir(), "statistics.sqlite3")
	writeSnapshot(t, snapshot,
		[]snapshotBook{{id: 1, title: "Dune", md5: "aaa", pages: 600, read: 300, lastOpen: 1700000000}},
		[]snapshotSession{{idBook: 1, page: 10, startTime: 1699990000, duration: 60, totalPages: 600}},
	)

	_, err := store.Ingest(snapshot)
	require.NoError(t, err)

	stats, err := store.Ingest(snapshot)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BooksSeen)
	assert.Equal(t, 0, stats.BooksUpserted)
	assert.Equal(t, 0, stats.SessionsAdded)
}

func TestIngestMonotonicPerBook(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()

	newer := filepath.Join(dir, "newer.sqlite3")
	writeSnapshot(t, newer,
		[]snapshotBook{{id: 1, title: "Dune", md5: "aaa", pages: 600, read: 400, lastOpen: 1700001000}},
		nil,
	)
	_, err := store.Ingest(newer)
	require.NoError(t, err)

	// A stale snapshot with less progress and an older last-open must not
	// regress the cache
	stale := filepath.Join(dir, "stale.sqlite3")
	writeSnapshot(t, stale,
		[]snapshotBook{{id: 1, title: "Dune", md5: "aaa", pages: 600, read: 100, lastOpen: 1700000000}},
		nil,
	)
	stats, err := store.Ingest(stale)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.BooksUpserted)

	book, err := store.GetBook("aaa")
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, 400, book.ReadPages)

	// Strictly newer progress wins
	newest := filepath.Join(dir, "newest.sqlite3")
	writeSnapshot(t, newest,
		[]snapshotBook{{id: 1, title: "Dune", md5: "aaa", pages: 600, read: 550, lastOpen: 1700002000}},
		nil,
	)
	stats, err = store.Ingest(newest)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BooksUpserted)

	book, err = store.GetBook("aaa")
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, 550, book.ReadPages)
}

func TestIngestClampsReadPages(t *testing.T) {
	store := newTestStore(t)
	snapshot := filepath.Join(t.TempDir(), "statistics.sqlite3")
	writeSnapshot(t, snapshot,
		[]snapshotBook{{id: 1, title: "Overshoot", md5: "bbb", pages: 200, read: 250, lastOpen: 1700000000}},
		nil,
	)

	_, err := store.Ingest(snapshot)
	require.NoError(t, err)

	book, err := store.GetBook("bbb")
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, 200, book.ReadPages)
	assert.Equal(t, models.StatusFinished, book.Status)
}

func TestIngestMissingSnapshot(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Ingest(filepath.Join(t.TempDir(), "does-not-exist.sqlite3"))
	require.Error(t, err)
	var ingestErr *IngestError
	assert.ErrorAs(t, err, &ingestErr)
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		read     int
		total    int
		expected models.ReadingStatus
	}{
		{"halfway", 300, 600, models.StatusReading},
		{"ratio threshold", 589, 600, models.StatusFinished},
		{"page slack", 586, 600, models.StatusFinished},
		{"just below slack", 584, 600, models.StatusReading},
		{"unknown total", 50, 0, models.StatusReading},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, deriveStatus(tt.read, tt.total))
		})
	}
}

func TestListBooksOrderingAndFilter(t *testing.T) {
	store := newTestStore(t)
	snapshot := filepath.Join(t.TempDir(), "statistics.sqlite3")
	writeSnapshot(t, snapshot,
		[]snapshotBook{
			{id: 1, title: "Oldest", md5: "m1", pages: 100, read: 10, lastOpen: 1700000000},
			{id: 2, title: "Newest", md5: "m2", pages: 100, read: 20, lastOpen: 1700002000},
			{id: 3, title: "Never Opened", md5: "m3", pages: 100, read: 0, lastOpen: 0},
			{id: 4, title: "Middle", md5: "m4", pages: 100, read: 30, lastOpen: 1700001000},
		},
		nil,
	)
	_, err := store.Ingest(snapshot)
	require.NoError(t, err)

	rows, total, err := store.ListBooks("", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, rows, 4)
	assert.Equal(t, "Newest", rows[0].Book.Title)
	assert.Equal(t, "Middle", rows[1].Book.Title)
	assert.Equal(t, "Oldest", rows[2].Book.Title)
	assert.Equal(t, "Never Opened", rows[3].Book.Title)

	// Case-insensitive substring filter
	rows, total, err = store.ListBooks("never", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, rows, 1)
	assert.Equal(t, "Never Opened", rows[0].Book.Title)

	// Limit and offset page through the ordered list
	rows, total, err = store.ListBooks("", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, rows, 2)
	assert.Equal(t, "Middle", rows[0].Book.Title)
	assert.Equal(t, "Oldest", rows[1].Book.Title)
}

func TestTopRecent(t *testing.T) {
	store := newTestStore(t)
	snapshot := filepath.Join(t.TempDir(), "statistics.sqlite3")
	writeSnapshot(t, snapshot,
		[]snapshotBook{
			{id: 1, title: "B Side", md5: "zzz", pages: 100, read: 10, lastOpen: 1700000000},
			{id: 2, title: "A Side", md5: "aaa", pages: 100, read: 10, lastOpen: 1700000000},
			{id: 3, title: "Latest", md5: "mmm", pages: 100, read: 10, lastOpen: 1700009000},
		},
		nil,
	)
	_, err := store.Ingest(snapshot)
	require.NoError(t, err)

	books, err := store.TopRecent(2)
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, "mmm", books[0].ID)
	// Equal timestamps break the tie on id
	assert.Equal(t, "aaa", books[1].ID)
}

func TestSaveMappingUpsert(t *testing.T) {
	store := newTestStore(t)

	missing, err := store.GetMapping("aaa")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.SaveMapping(&Mapping{
		BookID:          "aaa",
		HardcoverBookID: "42",
		Title:           "Dune",
		Confirmed:       false,
	}))

	first, err := store.GetMapping("aaa")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "42", first.HardcoverBookID)
	assert.False(t, first.Confirmed)

	// Saving again overwrites the previous mapping for the same book
	edition := "edition-7"
	require.NoError(t, store.SaveMapping(&Mapping{
		BookID:             "aaa",
		HardcoverBookID:    "99",
		HardcoverEditionID: &edition,
		Title:              "Dune (Deluxe)",
		Confirmed:          true,
	}))

	second, err := store.GetMapping("aaa")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "99", second.HardcoverBookID)
	require.NotNil(t, second.HardcoverEditionID)
	assert.Equal(t, "edition-7", *second.HardcoverEditionID)
	assert.True(t, second.Confirmed)
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt))
}

func TestSaveMappingRequiresIDs(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.SaveMapping(&Mapping{BookID: "", HardcoverBookID: "42"}))
	assert.Error(t, store.SaveMapping(&Mapping{BookID: "aaa", HardcoverBookID: ""}))
}

func TestRecordOutcome(t *testing.T) {
	store := newTestStore(t)
	snapshot := filepath.Join(t.TempDir(), "statistics.sqlite3")
	writeSnapshot(t, snapshot,
		[]snapshotBook{{id: 1, title: "Dune", md5: "aaa", pages: 600, read: 300, lastOpen: 1700000000}},
		nil,
	)
	_, err := store.Ingest(snapshot)
	require.NoError(t, err)

	msg := "push failed"
	require.NoError(t, store.RecordOutcome("aaa", models.SyncFailed, &msg))

	book, err := store.GetBook("aaa")
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, models.SyncFailed, book.SyncStatus)
	require.NotNil(t, book.SyncError)
	assert.Equal(t, "push failed", *book.SyncError)
	require.NotNil(t, book.LastSyncedAt)

	// A later pass overwrites the previous outcome and clears the error
	require.NoError(t, store.RecordOutcome("aaa", models.SyncSuccess, nil))
	book, err = store.GetBook("aaa")
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, models.SyncSuccess, book.SyncStatus)
	assert.Nil(t, book.SyncError)
}

func TestRecordOutcomeUnknownBook(t *testing.T) {
	store := newTestStore(t)
	err := store.RecordOutcome("nope", models.SyncSuccess, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no book")
}

func TestFirstSessionStartNoSessions(t *testing.T) {
	store := newTestStore(t)
	start, err := store.FirstSessionStart("aaa")
	require.NoError(t, err)
	assert.Nil(t, start)
}

func TestStoreManyBooks(t *testing.T) {
	store := newTestStore(t)
	snapshot := filepath.Join(t.TempDir(), "statistics.sqlite3")

	books := make([]snapshotBook, 0, 25)
	for i := 0; i < 25; i++ {
		books = append(books, snapshotBook{
			id:       int64(i + 1),
			title:    fmt.Sprintf("Book %02d", i),
			md5:      fmt.Sprintf("md5-%02d", i),
			pages:    100,
			read:     i,
			lastOpen: int64(1700000000 + i),
		})
	}
	writeSnapshot(t, snapshot, books, nil)

	stats, err := store.Ingest(snapshot)
	require.NoError(t, err)
	assert.Equal(t, 25, stats.BooksUpserted)

	top, err := store.TopRecent(10)
	require.NoError(t, err)
	require.Len(t, top, 10)
	assert.Equal(t, "md5-24", top[0].ID)
}

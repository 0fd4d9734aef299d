// Package database implements the local progress cache: an embedded SQLite
// store holding every book seen in a KOReader statistics snapshot, the
// mappings to Hardcover, and the outcome of the most recent sync pass.
//
// The store is deliberately connection-scoped: every operation opens the
// database, does its work and closes again. SQLite tolerates interleaved
// short-lived writers (a scheduled pass overlapping an interactive one) far
// better than a connection held open across a whole pass.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	appLogger "github.com/drallgood/koreader-hardcover-sync/internal/logger"
	"github.com/drallgood/koreader-hardcover-sync/internal/models"
)

// Store provides scoped access to the progress cache. It holds only the
// database path; connections never outlive a single operation.
type Store struct {
	path   string
	logger *appLogger.Logger

	mu       sync.Mutex
	migrated bool
}

// NewStore creates a store for the cache database at the given path
func NewStore(path string, log *appLogger.Logger) *Store {
	if log == nil {
		log = appLogger.Get()
	}
	return &Store{
		path:   path,
		logger: log.With(map[string]interface{}{"component": "database"}),
	}
}

// Path returns the cache database path
func (s *Store) Path() string {
	return s.path
}

// withDB opens the cache, runs fn, and closes the connection again
func (s *Store) withDB(fn func(db *gorm.DB) error) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", s.path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	defer func() {
		if cerr := sqlDB.Close(); cerr != nil {
			s.logger.Warn("Failed to close cache database", map[string]interface{}{
				"error": cerr.Error(),
			})
		}
	}()

	// SQLite supports one writer at a time
	sqlDB.SetMaxOpenConns(1)

	s.mu.Lock()
	if !s.migrated {
		// Schema changes are additive only; AutoMigrate never drops columns
		if err := db.AutoMigrate(&Book{}, &Mapping{}, &ReadingSession{}); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to migrate cache schema: %w", err)
		}
		s.migrated = true
	}
	s.mu.Unlock()

	return fn(db)
}

// recentOrder sorts by last-opened descending with never-opened books last,
// breaking ties on the book id for deterministic selection.
const recentOrder = "last_open IS NULL, last_open DESC, id ASC"

// GetBook returns a single book by its local identifier, or nil when absent
func (s *Store) GetBook(id string) (*Book, error) {
	var book Book
	found := false
	err := s.withDB(func(db *gorm.DB) error {
		result := db.Where("id = ?", id).Limit(1).Find(&book)
		if result.Error != nil {
			return result.Error
		}
		found = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &book, nil
}

// ListBooks returns books joined with their mappings, ordered by last-opened
// descending with nulls last, plus the total row count for the filter.
// The filter is a case-insensitive substring match on the title.
func (s *Store) ListBooks(filter string, limit, offset int) ([]BookWithMapping, int64, error) {
	var (
		books []Book
		total int64
	)
	err := s.withDB(func(db *gorm.DB) error {
		query := db.Model(&Book{})
		if filter != "" {
			query = query.Where("title LIKE ? COLLATE NOCASE", "%"+filter+"%")
		}
		if err := query.Count(&total).Error; err != nil {
			return fmt.Errorf("failed to count books: %w", err)
		}

		query = query.Order(recentOrder)
		if limit > 0 {
			query = query.Limit(limit)
		}
		if offset > 0 {
			query = query.Offset(offset)
		}
		if err := query.Find(&books).Error; err != nil {
			return fmt.Errorf("failed to list books: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if len(books) == 0 {
		return []BookWithMapping{}, total, nil
	}

	mappings, err := s.mappingsFor(books)
	if err != nil {
		return nil, 0, err
	}

	rows := make([]BookWithMapping, 0, len(books))
	for _, b := range books {
		rows = append(rows, BookWithMapping{Book: b, Mapping: mappings[b.ID]})
	}
	return rows, total, nil
}

// mappingsFor loads the mappings for a set of books keyed by book id
func (s *Store) mappingsFor(books []Book) (map[string]*Mapping, error) {
	ids := make([]string, 0, len(books))
	for _, b := range books {
		ids = append(ids, b.ID)
	}

	var mappings []Mapping
	err := s.withDB(func(db *gorm.DB) error {
		return db.Where("book_id IN ?", ids).Find(&mappings).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}

	byID := make(map[string]*Mapping, len(mappings))
	for i := range mappings {
		byID[mappings[i].BookID] = &mappings[i]
	}
	return byID, nil
}

// TopRecent returns the n most recently opened books, the default selection
// for a sync pass
func (s *Store) TopRecent(n int) ([]Book, error) {
	var books []Book
	err := s.withDB(func(db *gorm.DB) error {
		return db.Order(recentOrder).Limit(n).Find(&books).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select recent books: %w", err)
	}
	return books, nil
}

// GetMapping returns the mapping for a local book, or nil when none exists
func (s *Store) GetMapping(bookID string) (*Mapping, error) {
	var mapping Mapping
	found := false
	err := s.withDB(func(db *gorm.DB) error {
		result := db.Where("book_id = ?", bookID).Limit(1).Find(&mapping)
		if result.Error != nil {
			return result.Error
		}
		found = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &mapping, nil
}

// SaveMapping upserts the mapping for a local book, overwriting any prior one
func (s *Store) SaveMapping(m *Mapping) error {
	if m.BookID == "" || m.HardcoverBookID == "" {
		return fmt.Errorf("mapping requires both a book id and a hardcover book id")
	}
	return s.withDB(func(db *gorm.DB) error {
		var existing Mapping
		result := db.Where("book_id = ?", m.BookID).Limit(1).Find(&existing)
		if result.Error != nil {
			return fmt.Errorf("failed to check existing mapping: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			m.CreatedAt = existing.CreatedAt
			if err := db.Model(&Mapping{}).Where("book_id = ?", m.BookID).Updates(map[string]interface{}{
				"hardcover_book_id":    m.HardcoverBookID,
				"hardcover_edition_id": m.HardcoverEditionID,
				"title":                m.Title,
				"author":               m.Author,
				"slug":                 m.Slug,
				"confirmed":            m.Confirmed,
				"updated_at":           time.Now(),
			}).Error; err != nil {
				return fmt.Errorf("failed to update mapping: %w", err)
			}
			return nil
		}
		if err := db.Create(m).Error; err != nil {
			return fmt.Errorf("failed to create mapping: %w", err)
		}
		return nil
	})
}

// RecordOutcome writes the sync outcome for one book. Called exactly once
// per book per pass; the previous outcome is overwritten, not accumulated.
func (s *Store) RecordOutcome(bookID string, status models.SyncStatus, errMsg *string) error {
	now := time.Now()
	return s.withDB(func(db *gorm.DB) error {
		result := db.Model(&Book{}).Where("id = ?", bookID).Updates(map[string]interface{}{
			"sync_status":    status,
			"sync_error":     errMsg,
			"last_synced_at": now,
		})
		if result.Error != nil {
			return fmt.Errorf("failed to record outcome: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("no book with id %s", bookID)
		}
		return nil
	})
}

// FirstSessionStart returns the start time of the earliest recorded reading
// session for a book, or nil when no sessions are known
func (s *Store) FirstSessionStart(bookID string) (*time.Time, error) {
	var sessions []ReadingSession
	err := s.withDB(func(db *gorm.DB) error {
		return db.Where("book_id = ?", bookID).Order("start_time ASC").Limit(1).Find(&sessions).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query reading sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0].StartTime, nil
}

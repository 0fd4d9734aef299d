package database

import (
	"fmt"
	"os"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/drallgood/koreader-hardcover-sync/internal/models"
)

// IngestError indicates the snapshot contents could not be read into the
// cache. It aborts the whole pass: without an ingested snapshot there is
// nothing to sync.
type IngestError struct {
	Path string
	Err  error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("failed to ingest snapshot %s: %v", e.Path, e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// finishedPageSlack is how many unread pages KOReader readers typically
// leave at the end of a book (colophon, ads) while still having finished it
const finishedPageSlack = 15

// finishedRatio is the read fraction above which a book counts as finished
const finishedRatio = 0.98

// IngestStats summarizes one snapshot ingestion
type IngestStats struct {
	BooksSeen     int `json:"books_seen"`
	BooksUpserted int `json:"books_upserted"`
	SessionsAdded int `json:"sessions_added"`
}

// koreaderBook mirrors the columns of KOReader's statistics `book` table
type koreaderBook struct {
	ID             int64  `gorm:"column:id"`
	Title          string `gorm:"column:title"`
	Authors        string `gorm:"column:authors"`
	Series         string `gorm:"column:series"`
	Language       string `gorm:"column:language"`
	MD5            string `gorm:"column:md5"`
	Pages          int    `gorm:"column:pages"`
	TotalReadPages int    `gorm:"column:total_read_pages"`
	TotalReadTime  int64  `gorm:"column:total_read_time"`
	Highlights     int    `gorm:"column:highlights"`
	Notes          int    `gorm:"column:notes"`
	LastOpen       int64  `gorm:"column:last_open"`
}

// koreaderSession mirrors KOReader's page_stat_data rows joined with the
// owning book's md5
type koreaderSession struct {
	MD5        string `gorm:"column:md5"`
	Page       int    `gorm:"column:page"`
	StartTime  int64  `gorm:"column:start_time"`
	Duration   int    `gorm:"column:duration"`
	TotalPages int    `gorm:"column:total_pages"`
}

// Ingest opens a KOReader statistics snapshot read-only and upserts its
// books and reading sessions into the cache.
//
// Upserts are monotonic per book: an existing row is only overwritten when
// the snapshot's last-opened timestamp is strictly newer, so a stale
// snapshot can never regress progress the cache already knows about.
func (s *Store) Ingest(snapshotPath string) (*IngestStats, error) {
	if _, err := os.Stat(snapshotPath); err != nil {
		return nil, &IngestError{Path: snapshotPath, Err: err}
	}

	srcBooks, srcSessions, err := readSnapshot(snapshotPath)
	if err != nil {
		return nil, &IngestError{Path: snapshotPath, Err: err}
	}

	stats := &IngestStats{BooksSeen: len(srcBooks)}

	err = s.withDB(func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			for _, kb := range srcBooks {
				upserted, err := upsertBook(tx, kb)
				if err != nil {
					return err
				}
				if upserted {
					stats.BooksUpserted++
				}
			}

			added, err := insertSessions(tx, srcSessions)
			if err != nil {
				return err
			}
			stats.SessionsAdded = added
			return nil
		})
	})
	if err != nil {
		return nil, &IngestError{Path: snapshotPath, Err: err}
	}

	s.logger.Info("Snapshot ingested", map[string]interface{}{
		"path":           snapshotPath,
		"books_seen":     stats.BooksSeen,
		"books_upserted": stats.BooksUpserted,
		"sessions_added": stats.SessionsAdded,
	})
	return stats, nil
}

// readSnapshot extracts book and session rows from the statistics database.
// The snapshot is opened read-only; it is foreign data and never modified.
func readSnapshot(path string) ([]koreaderBook, []koreaderSession, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro", path)
	src, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	sqlDB, err := src.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	defer sqlDB.Close()

	var books []koreaderBook
	err = src.Raw(`SELECT id, title, authors, series, language, md5,
			pages, total_read_pages, total_read_time, highlights, notes, last_open
		FROM book
		WHERE md5 IS NOT NULL AND md5 != ''`).Scan(&books).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read book table: %w", err)
	}

	var sessions []koreaderSession
	err = src.Raw(`SELECT b.md5, psd.page, psd.start_time, psd.duration, psd.total_pages
		FROM page_stat_data psd
		JOIN book b ON psd.id_book = b.id
		WHERE b.md5 IS NOT NULL AND b.md5 != ''`).Scan(&sessions).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read page_stat_data table: %w", err)
	}

	return books, sessions, nil
}

// upsertBook writes one snapshot book into the cache, honoring the
// monotonic guard. Returns whether the row was created or updated.
func upsertBook(tx *gorm.DB, kb koreaderBook) (bool, error) {
	readPages := kb.TotalReadPages
	if kb.Pages > 0 && readPages > kb.Pages {
		readPages = kb.Pages
	}

	var lastOpen *time.Time
	if kb.LastOpen > 0 {
		t := time.Unix(kb.LastOpen, 0).UTC()
		lastOpen = &t
	}

	book := Book{
		ID:          kb.MD5,
		KoreaderID:  kb.ID,
		Title:       kb.Title,
		Authors:     kb.Authors,
		Series:      kb.Series,
		Language:    kb.Language,
		TotalPages:  kb.Pages,
		ReadPages:   readPages,
		ReadSeconds: kb.TotalReadTime,
		Highlights:  kb.Highlights,
		Notes:       kb.Notes,
		LastOpen:    lastOpen,
		Status:      deriveStatus(readPages, kb.Pages),
		SyncStatus:  models.SyncPending,
	}

	var existing Book
	result := tx.Where("id = ?", book.ID).Limit(1).Find(&existing)
	if result.Error != nil {
		return false, fmt.Errorf("failed to look up book %s: %w", book.ID, result.Error)
	}

	if result.RowsAffected == 0 {
		if err := tx.Create(&book).Error; err != nil {
			return false, fmt.Errorf("failed to create book %s: %w", book.ID, err)
		}
		return true, nil
	}

	// The snapshot only wins when its last-open is strictly newer than what
	// the cache holds. Equal or older snapshots never regress progress.
	if !newerThan(lastOpen, existing.LastOpen) {
		return false, nil
	}

	err := tx.Model(&Book{}).Where("id = ?", book.ID).Updates(map[string]interface{}{
		"koreader_id":  book.KoreaderID,
		"title":        book.Title,
		"authors":      book.Authors,
		"series":       book.Series,
		"language":     book.Language,
		"total_pages":  book.TotalPages,
		"read_pages":   book.ReadPages,
		"read_seconds": book.ReadSeconds,
		"highlights":   book.Highlights,
		"notes":        book.Notes,
		"last_open":    book.LastOpen,
		"status":       book.Status,
		"updated_at":   time.Now(),
	}).Error
	if err != nil {
		return false, fmt.Errorf("failed to update book %s: %w", book.ID, err)
	}
	return true, nil
}

// insertSessions adds new reading sessions, ignoring ones already recorded
// for the same book and start time
func insertSessions(tx *gorm.DB, sessions []koreaderSession) (int, error) {
	added := 0
	for _, ks := range sessions {
		if ks.MD5 == "" || ks.StartTime <= 0 {
			continue
		}
		session := ReadingSession{
			BookID:          ks.MD5,
			StartTime:       time.Unix(ks.StartTime, 0).UTC(),
			Page:            ks.Page,
			DurationSeconds: ks.Duration,
			TotalPages:      ks.TotalPages,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&session)
		if result.Error != nil {
			return added, fmt.Errorf("failed to insert reading session: %w", result.Error)
		}
		added += int(result.RowsAffected)
	}
	return added, nil
}

// deriveStatus applies KOReader's finished heuristic: a book counts as
// finished at >= 98% read or with at most 15 unread pages remaining
func deriveStatus(readPages, totalPages int) models.ReadingStatus {
	if totalPages > 0 {
		ratio := float64(readPages) / float64(totalPages)
		if ratio >= finishedRatio || totalPages-readPages <= finishedPageSlack {
			return models.StatusFinished
		}
	}
	return models.StatusReading
}

// newerThan reports whether a is strictly newer than b, treating nil as the
// oldest possible value
func newerThan(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

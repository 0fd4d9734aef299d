package database

import (
	"time"

	"github.com/drallgood/koreader-hardcover-sync/internal/models"
)

// Book is one book known to the KOReader statistics store. The primary key
// is KOReader's content-derived partial MD5 hash, which is stable across
// devices and re-uploads of the same file.
type Book struct {
	ID          string `gorm:"primaryKey" json:"id"`
	KoreaderID  int64  `json:"koreader_id"`
	Title       string `json:"title"`
	Authors     string `json:"authors"`
	Series      string `json:"series,omitempty"`
	Language    string `json:"language,omitempty"`
	TotalPages  int    `json:"total_pages"`
	ReadPages   int    `json:"read_pages"`
	ReadSeconds int64  `json:"read_seconds"`
	Highlights  int    `json:"highlights"`
	Notes       int    `json:"notes"`

	// LastOpen is when the book was last opened on the device, from the
	// snapshot. Null for books the device has never recorded an open for.
	LastOpen *time.Time `gorm:"index" json:"last_open,omitempty"`

	// Status is the derived reading status (reading, finished)
	Status models.ReadingStatus `json:"status"`

	// Embedded sync outcome, overwritten by every pass that visits the book
	SyncStatus   models.SyncStatus `gorm:"default:pending" json:"sync_status"`
	SyncError    *string           `json:"sync_error,omitempty"`
	LastSyncedAt *time.Time        `json:"last_synced_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mapping associates one local book with a Hardcover book and, optionally,
// a specific edition. At most one mapping exists per local book; saving a
// new one overwrites the previous one.
type Mapping struct {
	BookID          string `gorm:"primaryKey" json:"book_id"`
	HardcoverBookID string `gorm:"not null" json:"hardcover_book_id"`

	// HardcoverEditionID is nil when progress is tracked against the
	// general book rather than a specific edition
	HardcoverEditionID *string `json:"hardcover_edition_id,omitempty"`

	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
	Slug   string `json:"slug,omitempty"`

	// Confirmed distinguishes user-chosen mappings from automatic ones
	Confirmed bool `json:"confirmed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReadingSession is one page-level reading session from KOReader's
// page_stat_data table, retained for start-date reporting.
type ReadingSession struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BookID          string    `gorm:"uniqueIndex:idx_sessions_book_start" json:"book_id"`
	StartTime       time.Time `gorm:"uniqueIndex:idx_sessions_book_start" json:"start_time"`
	Page            int       `json:"page"`
	DurationSeconds int       `json:"duration_seconds"`
	TotalPages      int       `json:"total_pages"`
	CreatedAt       time.Time `json:"created_at"`
}

// BookWithMapping is a book joined with its mapping, if one exists
type BookWithMapping struct {
	Book    Book     `json:"book"`
	Mapping *Mapping `json:"mapping,omitempty"`
}

// Package models contains the shared domain types exchanged between the
// cache, the Hardcover client, the matcher and the sync service.
package models

// SyncStatus is the terminal state of a book within one sync pass.
type SyncStatus string

const (
	// SyncPending means the book has never completed a sync pass
	SyncPending SyncStatus = "pending"
	// SyncSuccess means the last pass pushed the book's progress successfully
	SyncSuccess SyncStatus = "success"
	// SyncFailed means the last pass recorded a push or search failure
	SyncFailed SyncStatus = "failed"
	// SyncSkipped means the last pass deferred the book (no usable mapping)
	SyncSkipped SyncStatus = "skipped"
)

// ReadingStatus is the reading state derived from the KOReader statistics.
type ReadingStatus string

const (
	// StatusReading indicates the book is currently being read
	StatusReading ReadingStatus = "reading"
	// StatusFinished indicates the book has been read to completion
	StatusFinished ReadingStatus = "finished"
)

// Candidate is one Hardcover search result considered for a mapping.
type Candidate struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	AuthorName string `json:"author_name"`
	Slug       string `json:"slug,omitempty"`
	Pages      *int   `json:"pages,omitempty"`
}

// Edition is one edition of a Hardcover book, offered during interactive
// mapping so the user can pin progress to the copy they actually own.
type Edition struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Format      string `json:"edition_format,omitempty"`
	Language    string `json:"language,omitempty"`
	ReleaseDate string `json:"release_date,omitempty"`
	Pages       *int   `json:"pages,omitempty"`
}

// User is the authenticated Hardcover account, used for token validation.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

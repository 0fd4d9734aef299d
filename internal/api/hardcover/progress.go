package hardcover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/drallgood/koreader-hardcover-sync/internal/models"
)

// Hardcover status ids for user books
const (
	statusIDReading  = 2
	statusIDFinished = 3
)

// Drift windows below which an existing remote read is considered up to
// date and no mutation is issued
const (
	pageDrift    = 2
	secondsDrift = 60
)

// PushInput describes one progress update
type PushInput struct {
	// BookID is the Hardcover book id
	BookID string
	// EditionID pins the update to a specific edition, when known
	EditionID *string
	// Percentage is the read percentage, 0.0 to 100.0
	Percentage float64
	// Status is the target reading status (reading, finished)
	Status models.ReadingStatus
	// ReadSeconds is the cumulative reading time
	ReadSeconds int64
	// StartedAt is when the first reading session was recorded
	StartedAt *time.Time
	// LastReadAt is when the book was last opened; used as the finish date
	// for finished books
	LastReadAt *time.Time
}

const editionPagesQuery = `
query GetEditionPages($id: Int!) {
  editions_by_pk(id: $id) {
    pages
  }
}`

const bookPagesQuery = `
query GetBookPages($id: Int!) {
  books_by_pk(id: $id) {
    pages
  }
}`

const userBookQuery = `
query GetUserBookInfo($book_id: Int!) {
  me {
    user_books(where: {book_id: {_eq: $book_id}}) {
      id
      status_id
      edition_id
      user_book_reads(order_by: {id: desc}, limit: 1) {
        id
        progress_pages
        progress_seconds
        started_at
        finished_at
      }
    }
  }
}`

const createUserBookMutation = `
mutation CreateUserBook($book_id: Int!, $status_id: Int!, $edition_id: Int) {
  insert_user_book(object: {book_id: $book_id, status_id: $status_id, edition_id: $edition_id}) {
    id
  }
}`

const newUserBookReadsQuery = `
query GetNewUserBook($id: Int!) {
  user_books_by_pk(id: $id) {
    user_book_reads(order_by: {id: desc}, limit: 1) {
      id
    }
  }
}`

const createUserBookReadMutation = `
mutation CreateUserBookRead($ub_id: Int!) {
  insert_user_book_read(user_book_id: $ub_id, user_book_read: {}) {
    id
  }
}`

const updateUserBookReadMutation = `
mutation UpdateUserBookRead($ubr_id: Int!, $pages: Int, $seconds: Int, $started_at: date, $finished_at: date) {
  update_user_book_read(id: $ubr_id, object: {
    progress_pages: $pages,
    progress_seconds: $seconds,
    started_at: $started_at,
    finished_at: $finished_at
  }) {
    id
  }
}`

const updateUserBookMutation = `
mutation UpdateUserBook($ub_id: Int!, $status_id: Int!, $edition_id: Int) {
  update_user_book(id: $ub_id, object: {status_id: $status_id, edition_id: $edition_id}) {
    id
  }
}`

// userBookInfo is the remote state of a user book and its latest read
type userBookInfo struct {
	ID            int    `json:"id"`
	StatusID      int    `json:"status_id"`
	EditionID     *int   `json:"edition_id"`
	UserBookReads []struct {
		ID              int     `json:"id"`
		ProgressPages   *int    `json:"progress_pages"`
		ProgressSeconds *int    `json:"progress_seconds"`
		StartedAt       *string `json:"started_at"`
		FinishedAt      *string `json:"finished_at"`
	} `json:"user_book_reads"`
}

// PushProgress updates the reading progress and status of a book on
// Hardcover. The user book and user book read are created when missing; an
// update that would change nothing is skipped. Any failure surfaces as a
// *PushError carrying a human-readable message.
func (c *Client) PushProgress(ctx context.Context, input PushInput) error {
	bookID, err := strconv.Atoi(input.BookID)
	if err != nil {
		return c.pushErr(input.BookID, fmt.Sprintf("invalid book id %q", input.BookID), err)
	}

	var editionID *int
	if input.EditionID != nil && *input.EditionID != "" {
		id, err := strconv.Atoi(*input.EditionID)
		if err != nil {
			return c.pushErr(input.BookID, fmt.Sprintf("invalid edition id %q", *input.EditionID), err)
		}
		editionID = &id
	}

	statusID := statusIDReading
	if input.Status == models.StatusFinished {
		statusID = statusIDFinished
	}

	log := c.logger.With(map[string]interface{}{
		"book_id":    input.BookID,
		"status":     string(input.Status),
		"percentage": input.Percentage,
	})

	totalPages, err := c.lookupTotalPages(ctx, bookID, editionID)
	if err != nil {
		return c.pushErr(input.BookID, "failed to look up page count", err)
	}

	userBook, err := c.getUserBook(ctx, bookID)
	if err != nil {
		return c.pushErr(input.BookID, "failed to look up user book", err)
	}

	targetPage := 0
	if totalPages > 0 {
		targetPage = int(float64(totalPages) * input.Percentage / 100)
	}

	startedAt := formatDate(input.StartedAt)
	var finishedAt *string
	if input.Status == models.StatusFinished {
		finishedAt = formatDate(input.LastReadAt)
	}

	if userBook != nil && upToDate(userBook, statusID, editionID, targetPage, int(input.ReadSeconds), startedAt, finishedAt, input.Status) {
		log.Info("Remote progress already up to date, skipping mutation")
		return nil
	}

	currentStatus := 0
	var currentEdition *int
	userBookReadID := 0

	if userBook == nil {
		ubID, err := c.createUserBook(ctx, bookID, statusID, editionID)
		if err != nil {
			return c.pushErr(input.BookID, "failed to create user book", err)
		}
		log.Info("Created user book", map[string]interface{}{"user_book_id": ubID})

		// Hardcover may auto-create a read alongside the user book
		userBookReadID, err = c.latestReadForUserBook(ctx, ubID)
		if err != nil {
			return c.pushErr(input.BookID, "failed to inspect new user book", err)
		}
		currentStatus = statusID
		currentEdition = editionID
		userBook = &userBookInfo{ID: ubID, StatusID: statusID, EditionID: editionID}
	} else {
		currentStatus = userBook.StatusID
		currentEdition = userBook.EditionID
		if len(userBook.UserBookReads) > 0 {
			userBookReadID = userBook.UserBookReads[0].ID
		}
		// Keep the remote start date when we have none locally
		if startedAt == nil && len(userBook.UserBookReads) > 0 {
			startedAt = userBook.UserBookReads[0].StartedAt
		}
	}

	if userBookReadID == 0 {
		var result struct {
			InsertUserBookRead struct {
				ID int `json:"id"`
			} `json:"insert_user_book_read"`
		}
		err := c.executeGraphQL(ctx, createUserBookReadMutation, map[string]interface{}{
			"ub_id": userBook.ID,
		}, &result)
		if err != nil {
			return c.pushErr(input.BookID, "failed to create user book read", err)
		}
		userBookReadID = result.InsertUserBookRead.ID
	}

	pages := interface{}(nil)
	if totalPages > 0 {
		pages = targetPage
	}
	err = c.executeGraphQL(ctx, updateUserBookReadMutation, map[string]interface{}{
		"ubr_id":      userBookReadID,
		"pages":       pages,
		"seconds":     input.ReadSeconds,
		"started_at":  startedAt,
		"finished_at": finishedAt,
	}, nil)
	if err != nil {
		return c.pushErr(input.BookID, "failed to update reading progress", err)
	}

	if currentStatus != statusID || !editionIDsEqual(currentEdition, editionID) {
		err = c.executeGraphQL(ctx, updateUserBookMutation, map[string]interface{}{
			"ub_id":      userBook.ID,
			"status_id":  statusID,
			"edition_id": editionID,
		}, nil)
		if err != nil {
			return c.pushErr(input.BookID, "failed to update book status", err)
		}
	}

	log.Info("Progress pushed", map[string]interface{}{
		"target_page": targetPage,
		"total_pages": totalPages,
	})
	return nil
}

// pushErr wraps an error into a PushError, flagging remote throttling
func (c *Client) pushErr(bookID, msg string, err error) *PushError {
	rateLimited := false
	var he *httpError
	if errors.As(err, &he) && he.StatusCode == http.StatusTooManyRequests {
		rateLimited = true
	}
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &PushError{
		BookID:      bookID,
		Message:     msg,
		RateLimited: rateLimited,
		Err:         err,
	}
}

// lookupTotalPages prefers the pinned edition's page count and falls back
// to the general book's
func (c *Client) lookupTotalPages(ctx context.Context, bookID int, editionID *int) (int, error) {
	if editionID != nil {
		var result struct {
			EditionsByPk *struct {
				Pages *int `json:"pages"`
			} `json:"editions_by_pk"`
		}
		if err := c.executeGraphQL(ctx, editionPagesQuery, map[string]interface{}{"id": *editionID}, &result); err != nil {
			return 0, err
		}
		if result.EditionsByPk != nil && result.EditionsByPk.Pages != nil {
			return *result.EditionsByPk.Pages, nil
		}
	}

	var result struct {
		BooksByPk *struct {
			Pages *int `json:"pages"`
		} `json:"books_by_pk"`
	}
	if err := c.executeGraphQL(ctx, bookPagesQuery, map[string]interface{}{"id": bookID}, &result); err != nil {
		return 0, err
	}
	if result.BooksByPk != nil && result.BooksByPk.Pages != nil {
		return *result.BooksByPk.Pages, nil
	}
	return 0, nil
}

// getUserBook returns the caller's user book for the given book, or nil
// when the book is not on the shelf yet
func (c *Client) getUserBook(ctx context.Context, bookID int) (*userBookInfo, error) {
	var result struct {
		Me []struct {
			UserBooks []userBookInfo `json:"user_books"`
		} `json:"me"`
	}
	if err := c.executeGraphQL(ctx, userBookQuery, map[string]interface{}{"book_id": bookID}, &result); err != nil {
		return nil, err
	}
	if len(result.Me) == 0 || len(result.Me[0].UserBooks) == 0 {
		return nil, nil
	}
	return &result.Me[0].UserBooks[0], nil
}

// createUserBook inserts a user book and returns its id
func (c *Client) createUserBook(ctx context.Context, bookID, statusID int, editionID *int) (int, error) {
	var result struct {
		InsertUserBook struct {
			ID int `json:"id"`
		} `json:"insert_user_book"`
	}
	err := c.executeGraphQL(ctx, createUserBookMutation, map[string]interface{}{
		"book_id":    bookID,
		"status_id":  statusID,
		"edition_id": editionID,
	}, &result)
	if err != nil {
		return 0, err
	}
	return result.InsertUserBook.ID, nil
}

// latestReadForUserBook returns the id of the newest read on a user book,
// or zero when none exists
func (c *Client) latestReadForUserBook(ctx context.Context, userBookID int) (int, error) {
	var result struct {
		UserBooksByPk *struct {
			UserBookReads []struct {
				ID int `json:"id"`
			} `json:"user_book_reads"`
		} `json:"user_books_by_pk"`
	}
	if err := c.executeGraphQL(ctx, newUserBookReadsQuery, map[string]interface{}{"id": userBookID}, &result); err != nil {
		return 0, err
	}
	if result.UserBooksByPk == nil || len(result.UserBooksByPk.UserBookReads) == 0 {
		return 0, nil
	}
	return result.UserBooksByPk.UserBookReads[0].ID, nil
}

// upToDate reports whether the remote state already matches the target
// within small drift windows, in which case no mutation is needed
func upToDate(ub *userBookInfo, statusID int, editionID *int, targetPage, seconds int, startedAt, finishedAt *string, status models.ReadingStatus) bool {
	if ub.StatusID != statusID {
		return false
	}
	if editionID != nil && !editionIDsEqual(ub.EditionID, editionID) {
		return false
	}
	if len(ub.UserBookReads) == 0 {
		return false
	}
	read := ub.UserBookReads[0]

	if read.ProgressPages == nil || abs(*read.ProgressPages-targetPage) >= pageDrift {
		return false
	}
	if read.ProgressSeconds == nil || abs(*read.ProgressSeconds-seconds) >= secondsDrift {
		return false
	}
	if !stringPtrEqual(read.StartedAt, startedAt) {
		return false
	}
	if status == models.StatusFinished && !stringPtrEqual(read.FinishedAt, finishedAt) {
		return false
	}
	return true
}

// formatDate renders a timestamp as Hardcover's date format
func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}

func editionIDsEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

package hardcover

import (
	"context"

	"github.com/drallgood/koreader-hardcover-sync/internal/models"
)

// HardcoverClientInterface is the surface of the Hardcover client the rest
// of the application depends on. It exists so the sync service and the CLI
// can be tested against a mock.
type HardcoverClientInterface interface {
	// Search issues one catalog search and returns candidates in the
	// remote's relevance order
	Search(ctx context.Context, query string) ([]models.Candidate, error)

	// GetEditions lists the editions of a book, newest release first
	GetEditions(ctx context.Context, bookID string) ([]models.Edition, error)

	// PushProgress updates reading progress and status for a book
	PushProgress(ctx context.Context, input PushInput) error

	// GetCurrentUser returns the authenticated user
	GetCurrentUser(ctx context.Context) (*models.User, error)
}

// Ensure Client satisfies the interface
var _ HardcoverClientInterface = (*Client)(nil)

// Package sync orchestrates one synchronization pass: selecting recently
// opened books from the cache, resolving missing mappings, computing
// progress, pushing updates to Hardcover and recording per-book outcomes.
package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/drallgood/koreader-hardcover-sync/internal/api/hardcover"
	"github.com/drallgood/koreader-hardcover-sync/internal/database"
	"github.com/drallgood/koreader-hardcover-sync/internal/logger"
	"github.com/drallgood/koreader-hardcover-sync/internal/matcher"
	"github.com/drallgood/koreader-hardcover-sync/internal/models"
)

// ErrMappingRequired signals that a book cannot be synced without
// interactive input to disambiguate its mapping. It resolves to a skipped
// outcome, never a failure.
var ErrMappingRequired = errors.New("mapping requires interactive disambiguation")

// SnapshotSource produces a readable statistics snapshot on local disk
type SnapshotSource interface {
	Obtain(ctx context.Context, destDir string) (string, error)
}

// LocalSource serves a pre-existing local snapshot file. It takes
// precedence over any remote transfer when configured.
type LocalSource struct {
	Path string
}

// Obtain verifies the local snapshot exists and returns its path
func (l LocalSource) Obtain(_ context.Context, _ string) (string, error) {
	if _, err := os.Stat(l.Path); err != nil {
		return "", fmt.Errorf("local snapshot not readable: %w", err)
	}
	return l.Path, nil
}

// Chooser is the interactive collaborator that picks a candidate when the
// resolver cannot. Returning a nil candidate declines the book. The second
// return value optionally pins an edition id.
type Chooser func(ctx context.Context, book database.Book, candidates []matcher.ScoredCandidate) (*models.Candidate, *string, error)

// Config tunes the sync service
type Config struct {
	// Limit is the default number of recently opened books per pass
	Limit int
	// MaxPushAttempts bounds retries when Hardcover rate-limits a push
	MaxPushAttempts int
	// RetryBaseDelay is the initial backoff delay, doubled per attempt
	RetryBaseDelay time.Duration
	// SnapshotDir is where downloaded snapshots land
	SnapshotDir string
	// DryRun computes and logs but never pushes
	DryRun bool
}

// BookResult is the per-book outcome of one pass
type BookResult struct {
	BookID     string            `json:"book_id"`
	Title      string            `json:"title"`
	Status     models.SyncStatus `json:"status"`
	Percentage float64           `json:"percentage"`
	Error      string            `json:"error,omitempty"`
}

// RunOptions parameterizes one pass
type RunOptions struct {
	// Limit overrides the configured selection size when positive
	Limit int
	// Interactive enables delegation to the Chooser for ambiguous books
	Interactive bool
	// Chooser is the interactive collaborator; ignored unless Interactive
	Chooser Chooser
}

// Service is the sync orchestrator. It holds no persistent state of its
// own: every pass reads current truth from the cache and writes results
// back before returning, which keeps Run safe to invoke repeatedly and
// concurrently with interactive invocations.
type Service struct {
	store     *database.Store
	hardcover hardcover.HardcoverClientInterface
	resolver  *matcher.Resolver
	source    SnapshotSource
	config    Config
	log       *logger.Logger
}

// NewService creates a sync service
func NewService(store *database.Store, hcClient hardcover.HardcoverClientInterface, resolver *matcher.Resolver, source SnapshotSource, cfg Config, log *logger.Logger) *Service {
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.MaxPushAttempts <= 0 {
		cfg.MaxPushAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = os.TempDir()
	}
	if log == nil {
		log = logger.Get()
	}
	return &Service{
		store:     store,
		hardcover: hcClient,
		resolver:  resolver,
		source:    source,
		config:    cfg,
		log:       log.With(map[string]interface{}{"component": "sync"}),
	}
}

// Ingest obtains a snapshot from the configured source and ingests it into
// the cache. A transfer or ingest failure aborts the whole pass: without a
// snapshot there is nothing to sync.
func (s *Service) Ingest(ctx context.Context) (*database.IngestStats, error) {
	if s.source == nil {
		return nil, fmt.Errorf("no snapshot source configured")
	}

	path, err := s.source.Obtain(ctx, s.config.SnapshotDir)
	if err != nil {
		return nil, err
	}

	stats, err := s.store.Ingest(path)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Run executes one sync pass over the most recently opened books.
//
// Books are processed sequentially; the failure of one book never aborts
// the pass. Cancellation is observed between books: a push already in
// flight finishes, unvisited books are simply not recorded.
func (s *Service) Run(ctx context.Context, opts RunOptions) ([]BookResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.config.Limit
	}

	books, err := s.store.TopRecent(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select books: %w", err)
	}

	s.log.Info("Starting sync pass", map[string]interface{}{
		"selected":    len(books),
		"interactive": opts.Interactive,
		"dry_run":     s.config.DryRun,
	})

	results := make([]BookResult, 0, len(books))
	for _, book := range books {
		if err := ctx.Err(); err != nil {
			s.log.Warn("Sync pass cancelled", map[string]interface{}{
				"processed": len(results),
				"selected":  len(books),
			})
			return results, err
		}

		result := s.syncBook(ctx, book, opts)

		var errMsg *string
		if result.Error != "" {
			errMsg = &result.Error
		}
		if err := s.store.RecordOutcome(book.ID, result.Status, errMsg); err != nil {
			s.log.Error("Failed to record outcome", map[string]interface{}{
				"book_id": book.ID,
				"error":   err.Error(),
			})
		}

		results = append(results, result)
	}

	s.log.Info("Sync pass finished", map[string]interface{}{
		"processed": len(results),
	})
	return results, nil
}

// syncBook runs the per-book state machine to one of the terminal states
// success, failed or skipped
func (s *Service) syncBook(ctx context.Context, book database.Book, opts RunOptions) BookResult {
	result := BookResult{BookID: book.ID, Title: book.Title}
	log := s.log.With(map[string]interface{}{
		"book_id": book.ID,
		"title":   book.Title,
	})

	mapping, err := s.resolveMapping(ctx, book, opts)
	if err != nil {
		if errors.Is(err, ErrMappingRequired) {
			log.Info("Skipping book, mapping needs interactive input")
			result.Status = models.SyncSkipped
			result.Error = err.Error()
			return result
		}
		log.Error("Mapping resolution failed", map[string]interface{}{
			"error": err.Error(),
		})
		result.Status = models.SyncFailed
		result.Error = err.Error()
		return result
	}

	percentage := computePercentage(book.ReadPages, book.TotalPages)
	status := forwardStatus(percentage, book.Status)
	result.Percentage = percentage

	if s.config.DryRun {
		log.Info("[DRY-RUN] Would push progress", map[string]interface{}{
			"percentage": percentage,
			"status":     string(status),
		})
		result.Status = models.SyncSkipped
		result.Error = "dry run"
		return result
	}

	startedAt, err := s.store.FirstSessionStart(book.ID)
	if err != nil {
		log.Warn("Failed to load first session start", map[string]interface{}{
			"error": err.Error(),
		})
	}

	input := hardcover.PushInput{
		BookID:      mapping.HardcoverBookID,
		EditionID:   mapping.HardcoverEditionID,
		Percentage:  percentage,
		Status:      status,
		ReadSeconds: book.ReadSeconds,
		StartedAt:   startedAt,
		LastReadAt:  book.LastOpen,
	}

	if err := s.pushWithBackoff(ctx, input); err != nil {
		log.Error("Push failed", map[string]interface{}{
			"error": err.Error(),
		})
		result.Status = models.SyncFailed
		result.Error = err.Error()
		return result
	}

	log.Info("Book synced", map[string]interface{}{
		"percentage": percentage,
		"status":     string(status),
	})
	result.Status = models.SyncSuccess
	return result
}

// resolveMapping returns a usable mapping for the book, invoking the
// resolver (and the interactive chooser, when allowed) for books without a
// confirmed mapping. Automatic matches are saved unconfirmed; interactive
// choices are saved confirmed.
func (s *Service) resolveMapping(ctx context.Context, book database.Book, opts RunOptions) (*database.Mapping, error) {
	mapping, err := s.store.GetMapping(book.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping: %w", err)
	}
	if mapping != nil && mapping.Confirmed {
		return mapping, nil
	}

	resolution, err := s.resolver.Resolve(ctx, book.Title, book.Authors)
	if err != nil {
		return nil, err
	}

	if resolution.AutoMatch != nil {
		auto := resolution.AutoMatch
		mapping = &database.Mapping{
			BookID:          book.ID,
			HardcoverBookID: auto.ID,
			Title:           auto.Title,
			Author:          auto.AuthorName,
			Slug:            auto.Slug,
			Confirmed:       false,
		}
		if err := s.store.SaveMapping(mapping); err != nil {
			return nil, fmt.Errorf("failed to save mapping: %w", err)
		}
		return mapping, nil
	}

	if !opts.Interactive || opts.Chooser == nil {
		return nil, ErrMappingRequired
	}

	chosen, editionID, err := opts.Chooser(ctx, book, resolution.Candidates)
	if err != nil {
		return nil, fmt.Errorf("interactive selection failed: %w", err)
	}
	if chosen == nil {
		return nil, ErrMappingRequired
	}

	mapping = &database.Mapping{
		BookID:             book.ID,
		HardcoverBookID:    chosen.ID,
		HardcoverEditionID: editionID,
		Title:              chosen.Title,
		Author:             chosen.AuthorName,
		Slug:               chosen.Slug,
		Confirmed:          true,
	}
	if err := s.store.SaveMapping(mapping); err != nil {
		return nil, fmt.Errorf("failed to save mapping: %w", err)
	}
	return mapping, nil
}

// pushWithBackoff pushes once, retrying with bounded exponential backoff
// only when Hardcover signals throttling. Other push failures are final:
// retrying a semantic rejection cannot help.
func (s *Service) pushWithBackoff(ctx context.Context, input hardcover.PushInput) error {
	delay := s.config.RetryBaseDelay

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxPushAttempts; attempt++ {
		lastErr = s.hardcover.PushProgress(ctx, input)
		if lastErr == nil {
			return nil
		}

		var pushErr *hardcover.PushError
		if !errors.As(lastErr, &pushErr) || !pushErr.RateLimited {
			return lastErr
		}
		if attempt == s.config.MaxPushAttempts {
			break
		}

		s.log.Warn("Rate limited, backing off", map[string]interface{}{
			"book_id": input.BookID,
			"attempt": attempt,
			"delay":   delay.String(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
		delay *= 2
	}
	return lastErr
}

// computePercentage converts page progress to a percentage rounded to one
// decimal and clamped to [0, 100]
func computePercentage(readPages, totalPages int) float64 {
	if totalPages <= 0 {
		return 0
	}
	pct := float64(readPages) / float64(totalPages) * 100
	pct = math.Round(pct*10) / 10
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// forwardStatus derives the status to push: finished at 100% or when the
// ingest marked the book finished, reading otherwise. A finished book that
// shows renewed activity in a later snapshot legitimately transitions back
// to reading via the ingest-derived status.
func forwardStatus(percentage float64, ingested models.ReadingStatus) models.ReadingStatus {
	if percentage >= 100 || ingested == models.StatusFinished {
		return models.StatusFinished
	}
	return models.StatusReading
}

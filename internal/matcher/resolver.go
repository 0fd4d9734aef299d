package matcher

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/drallgood/koreader-hardcover-sync/internal/logger"
	"github.com/drallgood/koreader-hardcover-sync/internal/models"
)

// Searcher is the piece of the catalog client the resolver needs
type Searcher interface {
	Search(ctx context.Context, query string) ([]models.Candidate, error)
}

// Config tunes automatic match acceptance
type Config struct {
	// Threshold is the minimum similarity score for an automatic match
	Threshold float64
	// Margin is the minimum lead the top candidate needs over the
	// runner-up; a closer race is ambiguous and requires a human
	Margin float64
}

// DefaultConfig returns the default matching configuration
func DefaultConfig() Config {
	return Config{
		Threshold: 0.85,
		Margin:    0.05,
	}
}

// ScoredCandidate is a catalog candidate with its similarity score
type ScoredCandidate struct {
	models.Candidate
	Score float64 `json:"score"`
}

// Resolution is the outcome of resolving one local book. AutoMatch is set
// only when the top candidate is both confident and unambiguous; the full
// ranked list is always returned for interactive disambiguation.
type Resolution struct {
	AutoMatch  *ScoredCandidate  `json:"auto_match,omitempty"`
	Candidates []ScoredCandidate `json:"candidates"`
}

// Resolver finds and ranks Hardcover candidates for local books. It holds
// no persistent state and never writes the cache; saving a chosen mapping
// is the caller's responsibility.
type Resolver struct {
	searcher Searcher
	config   Config
	logger   *logger.Logger
}

// NewResolver creates a resolver over the given catalog searcher
func NewResolver(searcher Searcher, cfg Config, log *logger.Logger) *Resolver {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultConfig().Margin
	}
	if log == nil {
		log = logger.Get()
	}
	return &Resolver{
		searcher: searcher,
		config:   cfg,
		logger:   log.With(map[string]interface{}{"component": "matcher"}),
	}
}

// Resolve searches the catalog for the given title/author pair and ranks
// the results by similarity
func (r *Resolver) Resolve(ctx context.Context, title, authors string) (*Resolution, error) {
	query := strings.TrimSpace(title)
	if authors != "" {
		query = strings.TrimSpace(title + " " + authors)
	}
	if query == "" {
		return nil, fmt.Errorf("cannot resolve a book without a title")
	}

	candidates, err := r.searcher.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	scored := r.rank(title, authors, candidates)

	resolution := &Resolution{Candidates: scored}
	if auto := r.pickAutoMatch(scored); auto != nil {
		resolution.AutoMatch = auto
		r.logger.Info("Automatic match found", map[string]interface{}{
			"title":             title,
			"hardcover_book_id": auto.ID,
			"score":             auto.Score,
		})
	} else {
		r.logger.Debug("No unambiguous match", map[string]interface{}{
			"title":      title,
			"candidates": len(scored),
		})
	}
	return resolution, nil
}

// rank scores candidates against the local title/author pair and sorts them
// best first, breaking score ties on the candidate id for determinism
func (r *Resolver) rank(title, authors string, candidates []models.Candidate) []ScoredCandidate {
	localTitle := Normalize(title)
	localFull := Normalize(title + " " + authors)

	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		var score float64
		if authors == "" {
			score = Similarity(localTitle, Normalize(c.Title))
		} else {
			score = Similarity(localFull, Normalize(c.Title+" "+c.AuthorName))
		}
		scored = append(scored, ScoredCandidate{Candidate: c, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	return scored
}

// pickAutoMatch returns the top candidate when it clears the confidence
// threshold and no runner-up sits within the ambiguity margin
func (r *Resolver) pickAutoMatch(scored []ScoredCandidate) *ScoredCandidate {
	if len(scored) == 0 {
		return nil
	}
	top := scored[0]
	if top.Score < r.config.Threshold {
		return nil
	}
	if len(scored) > 1 && top.Score-scored[1].Score <= r.config.Margin {
		return nil
	}
	return &top
}

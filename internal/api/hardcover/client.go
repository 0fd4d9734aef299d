// Package hardcover implements the client for the Hardcover GraphQL API.
// It covers the three operations the sync engine needs: catalog search,
// edition listing, and reading-progress updates.
package hardcover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	graphql "github.com/hasura/go-graphql-client"

	"github.com/drallgood/koreader-hardcover-sync/internal/logger"
	"github.com/drallgood/koreader-hardcover-sync/internal/models"
	"github.com/drallgood/koreader-hardcover-sync/internal/util"
)

const (
	// DefaultBaseURL is the default Hardcover GraphQL endpoint
	DefaultBaseURL = "https://api.hardcover.app/v1/graphql"
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second
	// DefaultRateLimit is the default minimum time between requests
	DefaultRateLimit = 1 * time.Second
	// DefaultBurst is the default burst size for the rate limiter
	DefaultBurst = 3
)

// SearchError indicates a catalog search failed. The orchestrator records
// it per book; it never aborts a pass.
type SearchError struct {
	Query string
	Err   error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search %q failed: %v", e.Query, e.Err)
}

func (e *SearchError) Unwrap() error {
	return e.Err
}

// PushError indicates a progress update failed. Transport errors, malformed
// payloads and remote rejections all surface uniformly as a PushError; the
// caller only needs the message. RateLimited is set when the remote
// signaled throttling so the orchestrator can back off.
type PushError struct {
	BookID      string
	Message     string
	RateLimited bool
	Err         error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push for book %s failed: %s", e.BookID, e.Message)
}

func (e *PushError) Unwrap() error {
	return e.Err
}

// httpError carries the status code of a failed GraphQL HTTP request
type httpError struct {
	StatusCode int
	Body       []byte
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, string(e.Body))
}

// ClientConfig holds configuration for the Hardcover client
type ClientConfig struct {
	// BaseURL is the GraphQL endpoint (default: DefaultBaseURL)
	BaseURL string
	// Token is the bearer credential attached to every call
	Token string
	// Timeout bounds each HTTP request (default: DefaultTimeout)
	Timeout time.Duration
	// RateLimit is the minimum time between requests (default: DefaultRateLimit)
	RateLimit time.Duration
	// Burst is the rate limiter burst size (default: DefaultBurst)
	Burst int
}

// headerAddingTransport is an http.RoundTripper that attaches the bearer
// credential to every request.
type headerAddingTransport struct {
	token string
	rt    http.RoundTripper
}

// RoundTrip implements the http.RoundTripper interface
func (t *headerAddingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", t.token)
	req.Header.Set("Content-Type", "application/json")
	return t.rt.RoundTrip(req)
}

// Client talks to the Hardcover GraphQL API. It is stateless beyond the
// connection, credential and rate limiter; it performs a single attempt per
// call and leaves retry policy to the caller.
type Client struct {
	baseURL     string
	authToken   string
	httpClient  *http.Client
	gqlClient   *graphql.Client
	rateLimiter *util.RateLimiter
	logger      *logger.Logger
}

// NewClient creates a new Hardcover client
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if log == nil {
		log = logger.Get()
	}
	childLogger := log.With(map[string]interface{}{
		"component": "hardcover_client",
	})

	authClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &headerAddingTransport{
			token: formatAuthHeader(cfg.Token),
			rt:    http.DefaultTransport,
		},
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		authToken:   cfg.Token,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		gqlClient:   graphql.NewClient(cfg.BaseURL, authClient),
		rateLimiter: util.NewRateLimiter(cfg.RateLimit, cfg.Burst),
		logger:      childLogger,
	}
}

// GetAuthHeader returns the properly formatted Authorization header value
func (c *Client) GetAuthHeader() string {
	return formatAuthHeader(c.authToken)
}

// formatAuthHeader ensures the token carries the Bearer prefix
func formatAuthHeader(token string) string {
	token = strings.TrimSpace(token)
	if token != "" && !strings.HasPrefix(token, "Bearer ") {
		token = "Bearer " + token
	}
	return token
}

// executeGraphQL performs one GraphQL request. A single attempt per call:
// retry policy belongs to the orchestrator, not here.
func (c *Client) executeGraphQL(ctx context.Context, doc string, variables map[string]interface{}, result interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	if variables == nil {
		variables = make(map[string]interface{})
	}
	reqBody, err := json.Marshal(map[string]interface{}{
		"query":     doc,
		"variables": variables,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.GetAuthHeader())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("Executing GraphQL request", map[string]interface{}{
		"url":       c.baseURL,
		"variables": variables,
	})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusTooManyRequests {
			c.rateLimiter.OnRateLimit()
		}
		return &httpError{StatusCode: resp.StatusCode, Body: body}
	}

	var gqlResp struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors,omitempty"`
	}
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return fmt.Errorf("failed to unmarshal GraphQL response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return fmt.Errorf("GraphQL error: %s", gqlResp.Errors[0].Message)
	}

	c.rateLimiter.OnSuccess()

	if result == nil {
		return nil
	}
	if len(gqlResp.Data) == 0 {
		return fmt.Errorf("empty data in GraphQL response")
	}
	if err := json.Unmarshal(gqlResp.Data, result); err != nil {
		return fmt.Errorf("failed to unmarshal GraphQL data: %w", err)
	}
	return nil
}

// GetCurrentUser fetches the authenticated user, primarily to validate the
// configured token
func (c *Client) GetCurrentUser(ctx context.Context) (*models.User, error) {
	var query struct {
		Me []struct {
			ID       int    `graphql:"id"`
			Username string `graphql:"username"`
			Name     string `graphql:"name"`
		} `graphql:"me"`
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}
	if err := c.gqlClient.Query(ctx, &query, nil); err != nil {
		return nil, fmt.Errorf("failed to fetch current user: %w", err)
	}
	if len(query.Me) == 0 {
		return nil, fmt.Errorf("no user returned for the configured token")
	}
	return &models.User{
		ID:       query.Me[0].ID,
		Username: query.Me[0].Username,
		Name:     query.Me[0].Name,
	}, nil
}

// flexibleID accepts JSON ids that arrive as either strings or numbers
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexibleID(n.String())
		return nil
	}
	return fmt.Errorf("id is neither string nor number: %s", string(data))
}

const searchQuery = `
query SearchBooks($query: String!) {
  search(query: $query) {
    results
  }
}`

// Search issues one catalog search and returns candidates in the relevance
// order the remote returned. Ranking refinement is the resolver's job.
func (c *Client) Search(ctx context.Context, query string) ([]models.Candidate, error) {
	var result struct {
		Search struct {
			Results json.RawMessage `json:"results"`
		} `json:"search"`
	}
	err := c.executeGraphQL(ctx, searchQuery, map[string]interface{}{"query": query}, &result)
	if err != nil {
		return nil, &SearchError{Query: query, Err: err}
	}

	if len(result.Search.Results) == 0 {
		return []models.Candidate{}, nil
	}

	var hits struct {
		Hits []struct {
			Document struct {
				ID          flexibleID `json:"id"`
				Title       string     `json:"title"`
				AuthorNames []string   `json:"author_names"`
				Pages       *int       `json:"pages"`
				Slug        string     `json:"slug"`
			} `json:"document"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(result.Search.Results, &hits); err != nil {
		return nil, &SearchError{Query: query, Err: fmt.Errorf("malformed search results: %w", err)}
	}

	candidates := make([]models.Candidate, 0, len(hits.Hits))
	for _, hit := range hits.Hits {
		doc := hit.Document
		if doc.ID == "" {
			continue
		}
		author := ""
		if len(doc.AuthorNames) > 0 {
			author = doc.AuthorNames[0]
		}
		candidates = append(candidates, models.Candidate{
			ID:         string(doc.ID),
			Title:      doc.Title,
			AuthorName: author,
			Slug:       doc.Slug,
			Pages:      doc.Pages,
		})
	}

	c.logger.Debug("Search completed", map[string]interface{}{
		"query":      query,
		"candidates": len(candidates),
	})
	return candidates, nil
}

const editionsQuery = `
query GetEditions($book_id: Int!) {
  editions(where: {book_id: {_eq: $book_id}}, order_by: {release_date: desc}) {
    id
    title
    pages
    edition_format
    release_date
    language {
      language
    }
  }
}`

// GetEditions lists the editions of a book, newest release first
func (c *Client) GetEditions(ctx context.Context, bookID string) ([]models.Edition, error) {
	id, err := strconv.Atoi(bookID)
	if err != nil {
		return nil, fmt.Errorf("invalid book id %q: %w", bookID, err)
	}

	var result struct {
		Editions []struct {
			ID            flexibleID `json:"id"`
			Title         string     `json:"title"`
			Pages         *int       `json:"pages"`
			EditionFormat string     `json:"edition_format"`
			ReleaseDate   string     `json:"release_date"`
			Language      *struct {
				Language string `json:"language"`
			} `json:"language"`
		} `json:"editions"`
	}
	if err := c.executeGraphQL(ctx, editionsQuery, map[string]interface{}{"book_id": id}, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch editions for book %s: %w", bookID, err)
	}

	editions := make([]models.Edition, 0, len(result.Editions))
	for _, ed := range result.Editions {
		language := ""
		if ed.Language != nil {
			language = ed.Language.Language
		}
		editions = append(editions, models.Edition{
			ID:          string(ed.ID),
			Title:       ed.Title,
			Format:      ed.EditionFormat,
			Language:    language,
			ReleaseDate: ed.ReleaseDate,
			Pages:       ed.Pages,
		})
	}
	return editions, nil
}

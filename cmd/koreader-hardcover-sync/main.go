// koreader-hardcover-sync keeps KOReader reading statistics in sync with a
// Hardcover account. It ingests the device's statistics database (fetched
// over WebDAV or read from a local file), maps local books to Hardcover
// catalog entries, and pushes per-book progress and status updates.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/drallgood/koreader-hardcover-sync/internal/api/hardcover"
	"github.com/drallgood/koreader-hardcover-sync/internal/config"
	"github.com/drallgood/koreader-hardcover-sync/internal/database"
	"github.com/drallgood/koreader-hardcover-sync/internal/logger"
	"github.com/drallgood/koreader-hardcover-sync/internal/matcher"
	"github.com/drallgood/koreader-hardcover-sync/internal/server"
	"github.com/drallgood/koreader-hardcover-sync/internal/webdav"

	syncer "github.com/drallgood/koreader-hardcover-sync/internal/sync"
)

var (
	version = "dev" // Set during build
)

func main() {
	app := &cli.App{
		Name:    "koreader-hardcover-sync",
		Usage:   "Sync KOReader reading progress to Hardcover",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "config.yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP server with periodic sync passes",
				Action: func(c *cli.Context) error {
					return runServe(c)
				},
			},
			{
				Name:  "sync",
				Usage: "Run one ingest-and-sync pass and exit",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "Number of recently opened books to process",
					},
					&cli.BoolFlag{
						Name:    "interactive",
						Aliases: []string{"i"},
						Usage:   "Prompt for ambiguous mappings instead of skipping",
					},
					&cli.BoolFlag{
						Name:  "no-ingest",
						Usage: "Sync from the cache as-is without fetching a snapshot",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Compute and log but do not push to Hardcover",
					},
				},
				Action: runSync,
			},
			{
				Name:  "ingest",
				Usage: "Fetch and ingest a statistics snapshot without syncing",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "local",
						Usage: "Ingest from a local statistics database `FILE` instead of WebDAV",
					},
				},
				Action: runIngest,
			},
			{
				Name:  "books",
				Usage: "List cached books and their mappings",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "filter",
						Usage: "Case-insensitive substring filter on the title",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 25,
					},
					&cli.IntFlag{
						Name: "offset",
					},
				},
				Action: runBooks,
			},
			{
				Name:      "map",
				Usage:     "Interactively map (or re-map) one book to Hardcover",
				ArgsUsage: "BOOK_ID",
				Action:    runMap,
			},
			{
				Name:   "whoami",
				Usage:  "Validate the Hardcover token and show the account",
				Action: runWhoami,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Get().Error("Error running application", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

// appContext bundles everything the commands need
type appContext struct {
	cfg      *config.Config
	log      *logger.Logger
	store    *database.Store
	client   *hardcover.Client
	resolver *matcher.Resolver
	service  *syncer.Service
}

// setup loads config, initializes logging, and wires the engine
func setup(c *cli.Context) (*appContext, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	log := logger.Get()

	store := database.NewStore(cfg.Cache.Path, log)

	client := hardcover.NewClient(hardcover.ClientConfig{
		BaseURL:   cfg.Hardcover.BaseURL,
		Token:     cfg.Hardcover.Token,
		Timeout:   cfg.Hardcover.Timeout,
		RateLimit: cfg.Hardcover.RateLimit,
	}, log)

	resolver := matcher.NewResolver(client, matcher.Config{
		Threshold: cfg.Sync.MatchThreshold,
		Margin:    cfg.Sync.MatchMargin,
	}, log)

	source, err := snapshotSource(cfg, log)
	if err != nil {
		return nil, err
	}

	service := syncer.NewService(store, client, resolver, source, syncer.Config{
		Limit:           cfg.Sync.Limit,
		MaxPushAttempts: cfg.Sync.MaxPushAttempts,
		SnapshotDir:     os.TempDir(),
		DryRun:          cfg.Sync.DryRun,
	}, log)

	return &appContext{
		cfg:      cfg,
		log:      log,
		store:    store,
		client:   client,
		resolver: resolver,
		service:  service,
	}, nil
}

// snapshotSource picks the configured snapshot source: a local file
// override wins over WebDAV; neither configured is only an error at
// ingest time, so a nil source is allowed here.
func snapshotSource(cfg *config.Config, log *logger.Logger) (syncer.SnapshotSource, error) {
	if cfg.KOReader.LocalDBPath != "" {
		return syncer.LocalSource{Path: cfg.KOReader.LocalDBPath}, nil
	}
	if cfg.WebDAV.URL == "" {
		return nil, nil
	}
	return webdav.NewClient(webdav.Config{
		URL:        cfg.WebDAV.URL,
		Username:   cfg.WebDAV.Username,
		Password:   cfg.WebDAV.Password,
		RemotePath: cfg.RemoteDBPath(),
		Timeout:    cfg.WebDAV.Timeout,
	}, log)
}

// runServe starts the HTTP server and a periodic ingest-and-sync loop
func runServe(c *cli.Context) error {
	app, err := setup(c)
	if err != nil {
		return err
	}

	srv := server.New(":"+app.cfg.Server.Port, app.store, app.service, app.log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(app.cfg.Sync.Interval)
		defer ticker.Stop()

		runPass := func() {
			if _, err := app.service.Ingest(ctx); err != nil {
				app.log.Error("Scheduled ingest failed", map[string]interface{}{
					"error": err.Error(),
				})
				return
			}
			if _, err := app.service.Run(ctx, syncer.RunOptions{}); err != nil {
				app.log.Error("Scheduled sync failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}

		runPass()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runPass()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		app.log.Info("Received signal, shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// runSync runs one pass from the command line
func runSync(c *cli.Context) error {
	app, err := setup(c)
	if err != nil {
		return err
	}
	if c.Bool("dry-run") {
		app.service = syncer.NewService(app.store, app.client, app.resolver, nil, syncer.Config{
			Limit:           app.cfg.Sync.Limit,
			MaxPushAttempts: app.cfg.Sync.MaxPushAttempts,
			DryRun:          true,
		}, app.log)
	}

	ctx := signalContext()

	if !c.Bool("no-ingest") && !c.Bool("dry-run") {
		stats, err := app.service.Ingest(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Ingested %d books (%d new or updated)\n", stats.BooksSeen, stats.BooksUpserted)
	}

	opts := syncer.RunOptions{Limit: c.Int("limit")}
	if c.Bool("interactive") {
		opts.Interactive = true
		opts.Chooser = terminalChooser(app.client, os.Stdin, os.Stdout)
	}

	results, err := app.service.Run(ctx, opts)
	if err != nil && len(results) == 0 {
		return err
	}

	for _, r := range results {
		line := fmt.Sprintf("%-8s %5.1f%%  %s", r.Status, r.Percentage, r.Title)
		if r.Error != "" {
			line += " (" + r.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}

// runIngest fetches and ingests a snapshot without syncing
func runIngest(c *cli.Context) error {
	app, err := setup(c)
	if err != nil {
		return err
	}

	if local := c.String("local"); local != "" {
		app.service = syncer.NewService(app.store, app.client, app.resolver,
			syncer.LocalSource{Path: local}, syncer.Config{}, app.log)
	}

	stats, err := app.service.Ingest(signalContext())
	if err != nil {
		return err
	}
	fmt.Printf("Ingested %d books (%d new or updated), %d reading sessions added\n",
		stats.BooksSeen, stats.BooksUpserted, stats.SessionsAdded)
	return nil
}

// runBooks lists cached books
func runBooks(c *cli.Context) error {
	app, err := setup(c)
	if err != nil {
		return err
	}

	rows, total, err := app.store.ListBooks(c.String("filter"), c.Int("limit"), c.Int("offset"))
	if err != nil {
		return err
	}

	fmt.Printf("%-34s %-8s %-7s %-9s %s\n", "ID", "STATUS", "READ", "SYNC", "TITLE")
	for _, row := range rows {
		b := row.Book
		pct := "-"
		if b.TotalPages > 0 {
			pct = fmt.Sprintf("%d%%", b.ReadPages*100/b.TotalPages)
		}
		mapped := string(b.SyncStatus)
		if row.Mapping == nil {
			mapped += "*" // unmapped
		}
		fmt.Printf("%-34s %-8s %-7s %-9s %s\n", b.ID, b.Status, pct, mapped, b.Title)
	}
	fmt.Printf("%d of %d books\n", len(rows), total)
	return nil
}

// runMap interactively maps one book, overwriting any existing mapping
func runMap(c *cli.Context) error {
	app, err := setup(c)
	if err != nil {
		return err
	}

	bookID := c.Args().First()
	if bookID == "" {
		return fmt.Errorf("usage: map BOOK_ID")
	}

	book, err := app.store.GetBook(bookID)
	if err != nil {
		return err
	}
	if book == nil {
		return fmt.Errorf("no cached book with id %s", bookID)
	}

	ctx := signalContext()

	resolution, err := app.resolver.Resolve(ctx, book.Title, book.Authors)
	if err != nil {
		return err
	}
	if len(resolution.Candidates) == 0 {
		fmt.Printf("No Hardcover matches found for %q\n", book.Title)
		return nil
	}

	chooser := terminalChooser(app.client, os.Stdin, os.Stdout)
	chosen, editionID, err := chooser(ctx, *book, resolution.Candidates)
	if err != nil {
		return err
	}
	if chosen == nil {
		fmt.Println("Skipped.")
		return nil
	}

	mapping := &database.Mapping{
		BookID:             book.ID,
		HardcoverBookID:    chosen.ID,
		HardcoverEditionID: editionID,
		Title:              chosen.Title,
		Author:             chosen.AuthorName,
		Slug:               chosen.Slug,
		Confirmed:          true,
	}
	if err := app.store.SaveMapping(mapping); err != nil {
		return err
	}
	fmt.Printf("Mapped %q to %s (%s)\n", book.Title, chosen.Title, chosen.ID)
	return nil
}

// runWhoami validates the Hardcover token
func runWhoami(c *cli.Context) error {
	app, err := setup(c)
	if err != nil {
		return err
	}

	user, err := app.client.GetCurrentUser(signalContext())
	if err != nil {
		return err
	}
	fmt.Printf("Authenticated as %s (id %d)\n", user.Username, user.ID)
	return nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

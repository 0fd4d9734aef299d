package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/drallgood/koreader-hardcover-sync/internal/api/hardcover"
	"github.com/drallgood/koreader-hardcover-sync/internal/database"
	"github.com/drallgood/koreader-hardcover-sync/internal/matcher"
	"github.com/drallgood/koreader-hardcover-sync/internal/models"

	syncer "github.com/drallgood/koreader-hardcover-sync/internal/sync"
)

// editionPageSlack is how close an edition's page count must be to the
// local book's to get flagged as the likely match
const editionPageSlack = 5

// terminalChooser builds the interactive collaborator that lets the user
// pick among ranked candidates and, optionally, a specific edition.
func terminalChooser(client hardcover.HardcoverClientInterface, in io.Reader, out io.Writer) syncer.Chooser {
	reader := bufio.NewReader(in)

	return func(ctx context.Context, book database.Book, candidates []matcher.ScoredCandidate) (*models.Candidate, *string, error) {
		if len(candidates) == 0 {
			fmt.Fprintf(out, "No Hardcover matches found for %q.\n", book.Title)
			return nil, nil, nil
		}

		fmt.Fprintf(out, "\nNo confident mapping for %q by %s. Potential matches:\n", book.Title, book.Authors)
		for i, cand := range candidates {
			fmt.Fprintf(out, "  %d. %s (%s) [ID: %s, score %.2f]\n",
				i+1, cand.Title, cand.AuthorName, cand.ID, cand.Score)
		}
		fmt.Fprintln(out, "  0. Skip this book")

		choice, err := promptInt(reader, out, "Select the correct book", 0, len(candidates))
		if err != nil {
			return nil, nil, err
		}
		if choice == 0 {
			return nil, nil, nil
		}
		selected := candidates[choice-1].Candidate

		editionID, err := chooseEdition(ctx, client, reader, out, selected.ID, book.TotalPages)
		if err != nil {
			return nil, nil, err
		}
		return &selected, editionID, nil
	}
}

// chooseEdition offers the book's editions, highlighting ones whose page
// count matches the local copy. Returns nil to track the general book.
func chooseEdition(ctx context.Context, client hardcover.HardcoverClientInterface, reader *bufio.Reader, out io.Writer, bookID string, localPages int) (*string, error) {
	editions, err := client.GetEditions(ctx, bookID)
	if err != nil {
		fmt.Fprintf(out, "  Could not fetch editions (%v); using the general book.\n", err)
		return nil, nil
	}
	if len(editions) == 0 {
		fmt.Fprintln(out, "  No editions found; using the general book.")
		return nil, nil
	}

	fmt.Fprintln(out, "  Select an edition:")
	for i, ed := range editions {
		format := ed.Format
		if format == "" {
			format = "unknown format"
		}
		pages := "unknown pages"
		marker := ""
		if ed.Pages != nil {
			pages = fmt.Sprintf("%d pages", *ed.Pages)
			if localPages > 0 && absInt(*ed.Pages-localPages) < editionPageSlack {
				marker = " <- matches local page count"
			}
		}
		date := ed.ReleaseDate
		if date == "" {
			date = "unknown date"
		}
		fmt.Fprintf(out, "    %d. %s, %s, %s (%s) [ID: %s]%s\n",
			i+1, format, ed.Language, pages, date, ed.ID, marker)
	}
	fmt.Fprintln(out, "    0. None (use general book)")

	choice, err := promptInt(reader, out, "  Select edition", 0, len(editions))
	if err != nil {
		return nil, err
	}
	if choice == 0 {
		return nil, nil
	}
	id := editions[choice-1].ID
	return &id, nil
}

// promptInt reads a number in [min, max], re-prompting on invalid input
func promptInt(reader *bufio.Reader, out io.Writer, prompt string, min, max int) (int, error) {
	for {
		fmt.Fprintf(out, "%s [%d-%d]: ", prompt, min, max)
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("failed to read input: %w", err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil && n >= min && n <= max {
			return n, nil
		}
		fmt.Fprintln(out, "Invalid selection.")
	}
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Package analysis builds and studies the speech embedding space:
// populating vectors for the corpus, grouping similar speeches, and
// comparing delegations' rhetoric across years.
package analysis

import (
	"context"
	"fmt"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"rostrum/internal/embedding"
	"rostrum/internal/logging"
	"rostrum/internal/store"
)

// DefaultMaxTextBytes bounds speech text sent to the embedding API.
// text-embedding-3-small accepts 8191 tokens; 30000 bytes of English
// text stays under that.
const DefaultMaxTextBytes = 30000

// VectorStore is the corpus surface a population run writes through.
type VectorStore interface {
	EnsureVectorTable(ctx context.Context, dims int) error
	MissingEmbeddings(ctx context.Context, limit int) ([]store.Speech, error)
	UpsertEmbedding(ctx context.Context, rowID int64, embedding []float32) error
}

// PopulateOptions tunes an embedding population run.
type PopulateOptions struct {
	// Workers is the number of concurrent embedding calls. Default 4.
	Workers int

	// Limit caps how many missing speeches are embedded this run.
	// 0 embeds everything missing.
	Limit int

	// MaxTextBytes truncates speech text before embedding.
	// Default DefaultMaxTextBytes.
	MaxTextBytes int
}

// PopulateResult summarizes a population run.
type PopulateResult struct {
	Missing  int // speeches without vectors when the run started
	Embedded int
	Failed   int
}

// Populate embeds every speech that does not yet have a stored vector.
// Individual failures are logged and counted but do not stop the run;
// a re-run resumes with whatever is still missing.
func Populate(ctx context.Context, st VectorStore, engine embedding.Engine, opts PopulateOptions) (PopulateResult, error) {
	timer := logging.StartTimer(logging.CategoryAnalysis, "Populate")
	defer timer.Stop()

	if hc, ok := engine.(embedding.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return PopulateResult{}, fmt.Errorf("embedding engine unavailable: %w", err)
		}
	}
	if err := st.EnsureVectorTable(ctx, engine.Dimensions()); err != nil {
		return PopulateResult{}, err
	}

	missing, err := st.MissingEmbeddings(ctx, opts.Limit)
	if err != nil {
		return PopulateResult{}, err
	}
	if len(missing) == 0 {
		logging.Analysis("All speeches already embedded")
		return PopulateResult{}, nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(missing) {
		workers = len(missing)
	}
	maxText := opts.MaxTextBytes
	if maxText <= 0 {
		maxText = DefaultMaxTextBytes
	}

	logging.Analysis("Embedding %d speeches with %d workers (engine=%s)", len(missing), workers, engine.Name())

	var embedded, failed atomic.Int64
	jobs := make(chan store.Speech)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for _, sp := range missing {
			select {
			case jobs <- sp:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for sp := range jobs {
				vec, err := engine.Embed(gctx, truncateText(sp.Text, maxText))
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					logging.Get(logging.CategoryAnalysis).Warn("Embedding failed for speech %d (%s %d): %v",
						sp.RowID, sp.CountryName, sp.Year, err)
					failed.Add(1)
					continue
				}
				if err := st.UpsertEmbedding(gctx, sp.RowID, vec); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					logging.Get(logging.CategoryAnalysis).Warn("Failed to store embedding for speech %d: %v", sp.RowID, err)
					failed.Add(1)
					continue
				}
				if n := embedded.Add(1); n%100 == 0 {
					logging.Analysis("Embedded %d/%d speeches", n, len(missing))
				}
			}
			return nil
		})
	}

	err = g.Wait()
	result := PopulateResult{
		Missing:  len(missing),
		Embedded: int(embedded.Load()),
		Failed:   int(failed.Load()),
	}
	if err != nil {
		return result, fmt.Errorf("embedding population interrupted: %w", err)
	}

	logging.Analysis("Population complete: %d embedded, %d failed", result.Embedded, result.Failed)
	return result, nil
}

// truncateText cuts s to at most max bytes without splitting a rune.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

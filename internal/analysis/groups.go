package analysis

import (
	"context"
	"fmt"
	"sort"

	"rostrum/internal/embedding"
	"rostrum/internal/logging"
	"rostrum/internal/store"
)

// DefaultSimilarityThreshold is the pairwise cosine similarity at which
// two speeches count as similar.
const DefaultSimilarityThreshold = 0.8

// SpeechSource is the corpus surface the similarity analyses read from.
type SpeechSource interface {
	EmbeddedSpeeches(ctx context.Context, filter store.SpeechFilter) ([]store.SpeechVector, error)
}

// GroupMember is one speech inside a similarity group. The anchor speech
// carries similarity 1.0; the rest carry their similarity to the anchor.
type GroupMember struct {
	Speech     store.Speech
	Similarity float64
}

// SimilarityGroup is a set of similar speeches, sorted by similarity
// descending with the anchor first.
type SimilarityGroup struct {
	Members []GroupMember
}

// SimilarOptions tunes similarity grouping.
type SimilarOptions struct {
	Year      int64   // restrict to one assembly year, 0 = all
	Threshold float64 // default DefaultSimilarityThreshold
	Limit     int     // cap on speeches analyzed, 0 = all
}

// FindSimilarSpeeches loads embedded speeches and groups the ones whose
// pairwise similarity reaches the threshold.
func FindSimilarSpeeches(ctx context.Context, src SpeechSource, opts SimilarOptions) ([]SimilarityGroup, error) {
	timer := logging.StartTimer(logging.CategoryAnalysis, "FindSimilarSpeeches")
	defer timer.Stop()

	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultSimilarityThreshold
	}

	speeches, err := src.EmbeddedSpeeches(ctx, store.SpeechFilter{Year: opts.Year, Limit: opts.Limit})
	if err != nil {
		return nil, err
	}
	if len(speeches) == 0 {
		return nil, fmt.Errorf("no embedded speeches to analyze; run 'rostrum embed' first")
	}

	groups := GroupBySimilarity(speeches, threshold)
	logging.Analysis("Found %d similarity groups across %d speeches (threshold=%.2f)",
		len(groups), len(speeches), threshold)
	return groups, nil
}

// GroupBySimilarity clusters speeches greedily: each unclaimed speech
// anchors a group of the later speeches whose similarity to it reaches
// the threshold. A claimed speech never anchors a group of its own but
// may still appear as a member of a later one.
func GroupBySimilarity(speeches []store.SpeechVector, threshold float64) []SimilarityGroup {
	processed := make(map[int64]bool, len(speeches))
	var groups []SimilarityGroup

	for i, anchor := range speeches {
		if processed[anchor.RowID] {
			continue
		}

		var members []GroupMember
		for _, other := range speeches[i+1:] {
			similarity, err := embedding.CosineSimilarity(anchor.Embedding, other.Embedding)
			if err != nil {
				logging.AnalysisDebug("Skipping pair %d/%d: %v", anchor.RowID, other.RowID, err)
				continue
			}
			if similarity >= threshold {
				members = append(members, GroupMember{Speech: other.Speech, Similarity: similarity})
			}
		}
		if len(members) == 0 {
			continue
		}

		processed[anchor.RowID] = true
		for _, m := range members {
			processed[m.Speech.RowID] = true
		}

		group := append([]GroupMember{{Speech: anchor.Speech, Similarity: 1.0}}, members...)
		sort.Slice(group, func(a, b int) bool {
			return group[a].Similarity > group[b].Similarity
		})
		groups = append(groups, SimilarityGroup{Members: group})
	}

	return groups
}

package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"rostrum/internal/embedding"
	"rostrum/internal/logging"
	"rostrum/internal/store"
)

// SignificantShift is the year-over-year change in average similarity
// that counts as significant in a comparison report.
const SignificantShift = 0.1

// CountryGroup names the country_name spellings treated as one
// delegation. Successor states share a group so a comparison spans the
// whole corpus.
type CountryGroup struct {
	Label string
	Names []string
}

var (
	russiaGroup  = CountryGroup{Label: "Russia/USSR", Names: []string{"Russia", "USSR", "Russian Federation", "Soviet Union"}}
	ukraineGroup = CountryGroup{Label: "Ukraine", Names: []string{"Ukraine"}}

	countryAliases = map[string]CountryGroup{
		"russia":             russiaGroup,
		"rus":                russiaGroup,
		"ussr":               russiaGroup,
		"soviet union":       russiaGroup,
		"russian federation": russiaGroup,
		"ukraine":            ukraineGroup,
		"ukr":                ukraineGroup,
	}
)

// ResolveCountryGroup expands a country argument into its corpus group.
// Names without a known alias set compare as themselves.
func ResolveCountryGroup(arg string) CountryGroup {
	name := strings.TrimSpace(arg)
	if g, ok := countryAliases[strings.ToLower(name)]; ok {
		return g
	}
	return CountryGroup{Label: name, Names: []string{name}}
}

// PairSimilarity is one cross-delegation speech pair within a year.
type PairSimilarity struct {
	SpeakerA   string
	SpeakerB   string
	SessionA   int64
	SessionB   int64
	Similarity float64
}

// YearComparison aggregates every cross-delegation pair of one year.
type YearComparison struct {
	Year              int64
	AverageSimilarity float64
	Pairs             []PairSimilarity // sorted by similarity descending
}

// SimilarityShift is a significant change between two reported years.
type SimilarityShift struct {
	FromYear int64
	ToYear   int64
	Delta    float64 // positive when similarity increased
}

// ComparisonReport tracks how two delegations' rhetoric converged or
// diverged across the corpus years.
type ComparisonReport struct {
	GroupA string
	GroupB string

	// Years covers only years where both delegations spoke, ascending.
	Years []YearComparison

	// Trend compares the first and last reported years: "increasing"
	// or "decreasing". Empty with fewer than two years.
	Trend string

	SignificantShifts []SimilarityShift
}

// CompareCountries builds a year-by-year similarity report between two
// delegations' speeches.
func CompareCountries(ctx context.Context, src SpeechSource, a, b CountryGroup) (*ComparisonReport, error) {
	timer := logging.StartTimer(logging.CategoryAnalysis, "CompareCountries")
	defer timer.Stop()

	speechesA, err := src.EmbeddedSpeeches(ctx, store.SpeechFilter{CountryNames: a.Names})
	if err != nil {
		return nil, err
	}
	speechesB, err := src.EmbeddedSpeeches(ctx, store.SpeechFilter{CountryNames: b.Names})
	if err != nil {
		return nil, err
	}
	if len(speechesA) == 0 {
		return nil, fmt.Errorf("no embedded speeches for %s", a.Label)
	}
	if len(speechesB) == 0 {
		return nil, fmt.Errorf("no embedded speeches for %s", b.Label)
	}

	report := buildComparisonReport(a.Label, b.Label, speechesA, speechesB)
	logging.Analysis("Compared %s vs %s across %d shared years (trend=%s)",
		a.Label, b.Label, len(report.Years), report.Trend)
	return report, nil
}

func buildComparisonReport(labelA, labelB string, speechesA, speechesB []store.SpeechVector) *ComparisonReport {
	byYearA := groupByYear(speechesA)
	byYearB := groupByYear(speechesB)

	var years []int64
	for year := range byYearA {
		if _, ok := byYearB[year]; ok {
			years = append(years, year)
		}
	}
	sort.Slice(years, func(i, j int) bool { return years[i] < years[j] })

	report := &ComparisonReport{GroupA: labelA, GroupB: labelB}
	for _, year := range years {
		yc := YearComparison{Year: year}
		var sum float64
		for _, sa := range byYearA[year] {
			for _, sb := range byYearB[year] {
				similarity, err := embedding.CosineSimilarity(sa.Embedding, sb.Embedding)
				if err != nil {
					logging.AnalysisDebug("Skipping pair %d/%d: %v", sa.RowID, sb.RowID, err)
					continue
				}
				yc.Pairs = append(yc.Pairs, PairSimilarity{
					SpeakerA:   sa.Speaker,
					SpeakerB:   sb.Speaker,
					SessionA:   sa.Session,
					SessionB:   sb.Session,
					Similarity: similarity,
				})
				sum += similarity
			}
		}
		if len(yc.Pairs) == 0 {
			continue
		}
		yc.AverageSimilarity = sum / float64(len(yc.Pairs))
		sort.Slice(yc.Pairs, func(i, j int) bool { return yc.Pairs[i].Similarity > yc.Pairs[j].Similarity })
		report.Years = append(report.Years, yc)
	}

	if len(report.Years) > 1 {
		first := report.Years[0].AverageSimilarity
		last := report.Years[len(report.Years)-1].AverageSimilarity
		if last > first {
			report.Trend = "increasing"
		} else {
			report.Trend = "decreasing"
		}

		for i := 1; i < len(report.Years); i++ {
			delta := report.Years[i].AverageSimilarity - report.Years[i-1].AverageSimilarity
			if math.Abs(delta) > SignificantShift {
				report.SignificantShifts = append(report.SignificantShifts, SimilarityShift{
					FromYear: report.Years[i-1].Year,
					ToYear:   report.Years[i].Year,
					Delta:    delta,
				})
			}
		}
	}

	return report
}

func groupByYear(speeches []store.SpeechVector) map[int64][]store.SpeechVector {
	byYear := make(map[int64][]store.SpeechVector)
	for _, sv := range speeches {
		byYear[sv.Year] = append(byYear[sv.Year], sv)
	}
	return byYear
}

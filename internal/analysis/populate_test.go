package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"rostrum/internal/store"
)

type fakeVectorStore struct {
	mu          sync.Mutex
	missing     []store.Speech
	ensuredDims int
	upserts     map[int64][]float32
	upsertErrs  map[int64]error
}

func (f *fakeVectorStore) EnsureVectorTable(ctx context.Context, dims int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensuredDims = dims
	return nil
}

func (f *fakeVectorStore) MissingEmbeddings(ctx context.Context, limit int) ([]store.Speech, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > 0 && limit < len(f.missing) {
		return f.missing[:limit], nil
	}
	return f.missing, nil
}

func (f *fakeVectorStore) UpsertEmbedding(ctx context.Context, rowID int64, embedding []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.upsertErrs[rowID]; err != nil {
		return err
	}
	if f.upserts == nil {
		f.upserts = make(map[int64][]float32)
	}
	f.upserts[rowID] = embedding
	return nil
}

// fakeEngine embeds every text as a fixed vector, recording input sizes.
type fakeEngine struct {
	mu        sync.Mutex
	dims      int
	failTexts map[string]bool
	textLens  []int
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.textLens = append(f.textLens, len(text))
	fail := f.failTexts[text]
	f.mu.Unlock()
	if fail {
		return nil, errors.New("model overloaded")
	}
	return []float32{1, 0}, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEngine) Dimensions() int {
	if f.dims == 0 {
		return 2
	}
	return f.dims
}

func (f *fakeEngine) Name() string { return "fake:test" }

// checkedEngine adds a health check to fakeEngine.
type checkedEngine struct {
	fakeEngine
	healthErr     error
	healthChecked bool
}

func (c *checkedEngine) HealthCheck(ctx context.Context) error {
	c.healthChecked = true
	return c.healthErr
}

func missingSpeeches(n int) []store.Speech {
	out := make([]store.Speech, n)
	for i := range out {
		out[i] = store.Speech{
			RowID:       int64(i + 1),
			CountryName: "France",
			Session:     55,
			Year:        2000,
			Speaker:     "Unknown",
			Text:        fmt.Sprintf("speech %d", i+1),
		}
	}
	return out
}

func TestPopulateEmbedsAllMissing(t *testing.T) {
	// go.opencensus.io (linked via the embedding engine's genai dependency)
	// starts a permanent worker goroutine in its package init.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	st := &fakeVectorStore{missing: missingSpeeches(5)}
	engine := &fakeEngine{}

	result, err := Populate(context.Background(), st, engine, PopulateOptions{Workers: 2})
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	want := PopulateResult{Missing: 5, Embedded: 5, Failed: 0}
	if result != want {
		t.Errorf("result = %+v, want %+v", result, want)
	}
	if st.ensuredDims != 2 {
		t.Errorf("vector table dims = %d, want engine dims 2", st.ensuredDims)
	}
	for rowID := int64(1); rowID <= 5; rowID++ {
		if _, ok := st.upserts[rowID]; !ok {
			t.Errorf("no embedding stored for rowid %d", rowID)
		}
	}
}

func TestPopulateToleratesEmbedFailures(t *testing.T) {
	st := &fakeVectorStore{missing: missingSpeeches(5)}
	engine := &fakeEngine{failTexts: map[string]bool{"speech 2": true}}

	result, err := Populate(context.Background(), st, engine, PopulateOptions{})
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if result.Embedded != 4 || result.Failed != 1 {
		t.Errorf("result = %+v, want 4 embedded / 1 failed", result)
	}
	if _, ok := st.upserts[2]; ok {
		t.Error("failed speech should not have a stored embedding")
	}
}

func TestPopulateToleratesUpsertFailures(t *testing.T) {
	st := &fakeVectorStore{
		missing:    missingSpeeches(3),
		upsertErrs: map[int64]error{3: errors.New("disk I/O error")},
	}

	result, err := Populate(context.Background(), st, &fakeEngine{}, PopulateOptions{})
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if result.Embedded != 2 || result.Failed != 1 {
		t.Errorf("result = %+v, want 2 embedded / 1 failed", result)
	}
}

func TestPopulateNothingMissing(t *testing.T) {
	st := &fakeVectorStore{}
	result, err := Populate(context.Background(), st, &fakeEngine{}, PopulateOptions{})
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if result != (PopulateResult{}) {
		t.Errorf("result = %+v, want zero result", result)
	}
}

func TestPopulateRespectsLimit(t *testing.T) {
	st := &fakeVectorStore{missing: missingSpeeches(10)}
	result, err := Populate(context.Background(), st, &fakeEngine{}, PopulateOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if result.Missing != 3 || result.Embedded != 3 {
		t.Errorf("result = %+v, want exactly 3 processed", result)
	}
}

func TestPopulateHealthCheckFailsFast(t *testing.T) {
	st := &fakeVectorStore{missing: missingSpeeches(2)}
	engine := &checkedEngine{healthErr: errors.New("connection refused")}

	_, err := Populate(context.Background(), st, engine, PopulateOptions{})
	if err == nil || !strings.Contains(err.Error(), "embedding engine unavailable") {
		t.Fatalf("error = %v, want unavailable error", err)
	}
	if !engine.healthChecked {
		t.Error("health check was not invoked")
	}
	if st.ensuredDims != 0 {
		t.Error("vector table should not be touched when the engine is down")
	}
}

func TestPopulateHealthCheckPasses(t *testing.T) {
	st := &fakeVectorStore{missing: missingSpeeches(1)}
	engine := &checkedEngine{}

	result, err := Populate(context.Background(), st, engine, PopulateOptions{})
	if err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if !engine.healthChecked {
		t.Error("health check was not invoked")
	}
	if result.Embedded != 1 {
		t.Errorf("result = %+v, want 1 embedded", result)
	}
}

func TestPopulateTruncatesLongText(t *testing.T) {
	long := strings.Repeat("a", DefaultMaxTextBytes+500)
	st := &fakeVectorStore{missing: []store.Speech{{RowID: 1, Text: long}}}
	engine := &fakeEngine{}

	if _, err := Populate(context.Background(), st, engine, PopulateOptions{}); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if len(engine.textLens) != 1 || engine.textLens[0] != DefaultMaxTextBytes {
		t.Errorf("embedded text lengths = %v, want [%d]", engine.textLens, DefaultMaxTextBytes)
	}

	engine = &fakeEngine{}
	st = &fakeVectorStore{missing: []store.Speech{{RowID: 1, Text: long}}}
	if _, err := Populate(context.Background(), st, engine, PopulateOptions{MaxTextBytes: 100}); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if len(engine.textLens) != 1 || engine.textLens[0] != 100 {
		t.Errorf("embedded text lengths = %v, want [100]", engine.textLens)
	}
}

func TestPopulateCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := &fakeVectorStore{missing: missingSpeeches(5)}
	_, err := Populate(ctx, st, &fakeEngine{}, PopulateOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestTruncateText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "short unchanged", in: "hello", max: 10, want: "hello"},
		{name: "exact boundary", in: "hello", max: 5, want: "hello"},
		{name: "cut", in: "hello world", max: 5, want: "hello"},
		{name: "rune boundary preserved", in: "résumé", max: 2, want: "r"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateText(tt.in, tt.max); got != tt.want {
				t.Errorf("truncateText(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

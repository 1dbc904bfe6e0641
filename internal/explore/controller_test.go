package explore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// scriptedOracle replays a fixed list of replies in order. When the script
// runs out the last reply repeats, which models an oracle stuck on the same
// idea. When err is set every call fails.
type scriptedOracle struct {
	replies []string
	err     error
	calls   int
	onReply func()
}

func (o *scriptedOracle) Reply(_ context.Context, _ []Turn) (string, error) {
	o.calls++
	if o.err != nil {
		return "", o.err
	}
	i := o.calls - 1
	if i >= len(o.replies) {
		i = len(o.replies) - 1
	}
	if o.onReply != nil {
		defer o.onReply()
	}
	return o.replies[i], nil
}

// scriptedStore resolves queries from fixed maps and logs execution order.
type scriptedStore struct {
	rows    map[string]Rows
	errs    map[string]error
	queries []string
}

func (s *scriptedStore) ExecuteQuery(_ context.Context, query string) (Rows, error) {
	s.queries = append(s.queries, query)
	if err, ok := s.errs[query]; ok {
		return Rows{}, err
	}
	return s.rows[query], nil
}

func TestAskResolvesOnImmediateFinal(t *testing.T) {
	oracle := &scriptedOracle{replies: []string{"FINAL ANSWER: 42"}}
	store := &scriptedStore{}
	c := NewController(oracle, store, Params{})
	tr := NewTranscript("sys")

	res, err := c.Ask(context.Background(), tr, "what is the answer?")
	require.NoError(t, err)

	assert.Equal(t, StateResolved, res.State)
	assert.Equal(t, "42", res.Answer)
	assert.Equal(t, 1, res.AttemptsUsed)
	assert.Equal(t, oracle.calls, res.AttemptsUsed)
	assert.Empty(t, store.queries)

	want := []Turn{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "what is the answer?"},
		{Role: RoleAssistant, Content: "FINAL ANSWER: 42"},
	}
	if diff := cmp.Diff(want, tr.Turns()); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
}

func TestAskQueryThenFinal(t *testing.T) {
	firstReply := "Let me count.\n```sql\nSELECT 1;\n```"
	oracle := &scriptedOracle{replies: []string{firstReply, "FINAL ANSWER: one"}}
	store := &scriptedStore{rows: map[string]Rows{
		"SELECT 1;": {Columns: []string{"1"}, Records: [][]any{{int64(1)}}},
	}}
	c := NewController(oracle, store, Params{})
	tr := NewTranscript("sys")

	res, err := c.Ask(context.Background(), tr, "count to one")
	require.NoError(t, err)

	assert.Equal(t, StateResolved, res.State)
	assert.Equal(t, "one", res.Answer)
	assert.Equal(t, 2, res.AttemptsUsed)
	assert.Equal(t, []string{"SELECT 1;"}, store.queries)

	want := []Turn{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "count to one"},
		{Role: RoleAssistant, Content: firstReply},
		{Role: RoleObservation, Content: "[(1)]", CommandIndex: 0},
		{Role: RoleAssistant, Content: "FINAL ANSWER: one"},
	}
	if diff := cmp.Diff(want, tr.Turns()); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
}

func TestAskStoreErrorsUntilExhausted(t *testing.T) {
	reply := "```sql\nSELECT x FROM missing;\n```"
	oracle := &scriptedOracle{replies: []string{reply}}
	store := &scriptedStore{errs: map[string]error{
		"SELECT x FROM missing;": errors.New("no such table: missing"),
	}}
	c := NewController(oracle, store, Params{})
	tr := NewTranscript("sys")

	res, err := c.Ask(context.Background(), tr, "impossible question")
	require.NoError(t, err, "query failures must not abort the loop")

	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, GiveUpAnswer, res.Answer)
	assert.Equal(t, 5, res.AttemptsUsed)
	assert.Equal(t, 5, oracle.calls)
	assert.Len(t, store.queries, 5)

	var assistants, observations int
	for _, turn := range tr.Turns() {
		switch turn.Role {
		case RoleAssistant:
			assistants++
		case RoleObservation:
			observations++
			assert.Equal(t, "Error: no such table: missing", turn.Content)
		}
	}
	assert.Equal(t, 5, assistants)
	assert.Equal(t, 5, observations)
}

func TestAskExecutesBlocksInOrder(t *testing.T) {
	firstReply := "Two probes:\n```sql\nSELECT 1;\n```\nand\n```sql\nSELECT 2;\n```"
	oracle := &scriptedOracle{replies: []string{firstReply, "FINAL ANSWER: both ran"}}
	store := &scriptedStore{rows: map[string]Rows{
		"SELECT 1;": {Columns: []string{"1"}, Records: [][]any{{int64(1)}}},
		"SELECT 2;": {Columns: []string{"2"}, Records: [][]any{{int64(2)}}},
	}}
	c := NewController(oracle, store, Params{})
	tr := NewTranscript("sys")

	res, err := c.Ask(context.Background(), tr, "run both")
	require.NoError(t, err)
	require.Equal(t, StateResolved, res.State)

	assert.Equal(t, []string{"SELECT 1;", "SELECT 2;"}, store.queries)

	want := []Turn{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "run both"},
		{Role: RoleAssistant, Content: firstReply},
		{Role: RoleObservation, Content: "[(1)]", CommandIndex: 0},
		{Role: RoleObservation, Content: "[(2)]", CommandIndex: 1},
		{Role: RoleAssistant, Content: "FINAL ANSWER: both ran"},
	}
	if diff := cmp.Diff(want, tr.Turns()); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
}

func TestAskNoCommandsNoMarkerKeepsExploring(t *testing.T) {
	oracle := &scriptedOracle{replies: []string{
		"I should look at the schema before writing SQL.",
		"FINAL ANSWER: done",
	}}
	store := &scriptedStore{}
	c := NewController(oracle, store, Params{})
	tr := NewTranscript("sys")

	res, err := c.Ask(context.Background(), tr, "anything")
	require.NoError(t, err)

	assert.Equal(t, StateResolved, res.State)
	assert.Equal(t, 2, res.AttemptsUsed)
	assert.Empty(t, store.queries)
	// No observation separates the two assistant turns.
	assert.Equal(t, 4, tr.Len())
}

func TestAskAttemptBudget(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		wantCalls   int
	}{
		{name: "default budget is five", maxAttempts: 0, wantCalls: 5},
		{name: "budget of one", maxAttempts: 1, wantCalls: 1},
		{name: "budget of three", maxAttempts: 3, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := &scriptedOracle{replies: []string{"still thinking, no query yet"}}
			c := NewController(oracle, &scriptedStore{}, Params{MaxAttempts: tt.maxAttempts})
			tr := NewTranscript("sys")

			res, err := c.Ask(context.Background(), tr, "q")
			require.NoError(t, err)

			assert.Equal(t, StateExhausted, res.State)
			assert.Equal(t, GiveUpAnswer, res.Answer)
			assert.Equal(t, tt.wantCalls, oracle.calls)
			assert.Equal(t, tt.wantCalls, res.AttemptsUsed)
			// System + user + one assistant turn per attempt.
			assert.Equal(t, 2+tt.wantCalls, tr.Len())
		})
	}
}

func TestAskOracleFailureAbortsQuestion(t *testing.T) {
	sentinel := errors.New("connection refused")
	oracle := &scriptedOracle{err: sentinel}
	store := &scriptedStore{}
	c := NewController(oracle, store, Params{})
	tr := NewTranscript("sys")

	_, err := c.Ask(context.Background(), tr, "q")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel), "cause must be preserved: %v", err)
	assert.Contains(t, err.Error(), "attempt 1/5")

	// The failed call leaves no assistant turn and triggers no queries.
	assert.Equal(t, 2, tr.Len())
	assert.Empty(t, store.queries)
}

func TestAskFinalMarkerMatching(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		wantState  State
		wantAnswer string
	}{
		{
			name:       "leading whitespace before marker",
			reply:      "\n   FINAL ANSWER: Norway",
			wantState:  StateResolved,
			wantAnswer: "Norway",
		},
		{
			name:       "empty remainder is an empty answer",
			reply:      "FINAL ANSWER:",
			wantState:  StateResolved,
			wantAnswer: "",
		},
		{
			name:       "whitespace remainder is an empty answer",
			reply:      "FINAL ANSWER:   \n",
			wantState:  StateResolved,
			wantAnswer: "",
		},
		{
			name:       "marker is case-sensitive",
			reply:      "final answer: Norway",
			wantState:  StateExhausted,
			wantAnswer: GiveUpAnswer,
		},
		{
			name:       "marker mid-text is not a termination",
			reply:      "I think the FINAL ANSWER: will be Norway, checking.",
			wantState:  StateExhausted,
			wantAnswer: GiveUpAnswer,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := &scriptedOracle{replies: []string{tt.reply}}
			c := NewController(oracle, &scriptedStore{}, Params{MaxAttempts: 1})
			tr := NewTranscript("sys")

			res, err := c.Ask(context.Background(), tr, "q")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, tt.wantAnswer, res.Answer)
		})
	}
}

func TestAskMarkerWinsOverResidualBlocks(t *testing.T) {
	reply := "FINAL ANSWER: done\n```sql\nSELECT 1;\n```"
	oracle := &scriptedOracle{replies: []string{reply}}
	store := &scriptedStore{}
	c := NewController(oracle, store, Params{})
	tr := NewTranscript("sys")

	res, err := c.Ask(context.Background(), tr, "q")
	require.NoError(t, err)

	assert.Equal(t, StateResolved, res.State)
	assert.Empty(t, store.queries, "residual blocks after the marker must not execute")
	assert.Equal(t, "done\n```sql\nSELECT 1;\n```", res.Answer)
}

func TestAskCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	oracle := &scriptedOracle{replies: []string{"FINAL ANSWER: never"}}
	c := NewController(oracle, &scriptedStore{}, Params{})
	tr := NewTranscript("sys")

	res, err := c.Ask(ctx, tr, "q")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, oracle.calls)
	assert.Equal(t, 0, res.AttemptsUsed)
}

func TestAskCancelledAtIterationBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	oracle := &scriptedOracle{replies: []string{"```sql\nSELECT 1;\n```"}}
	oracle.onReply = cancel
	store := &scriptedStore{rows: map[string]Rows{
		"SELECT 1;": {Columns: []string{"1"}, Records: [][]any{{int64(1)}}},
	}}
	c := NewController(oracle, store, Params{})
	tr := NewTranscript("sys")

	_, err := c.Ask(ctx, tr, "q")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	// The iteration in flight when cancel arrived still completes: its
	// reply and observation are recorded, and no second attempt starts.
	assert.Equal(t, 1, oracle.calls)
	assert.Equal(t, []string{"SELECT 1;"}, store.queries)
	assert.Equal(t, 4, tr.Len())
}

func TestAskIdempotentReplay(t *testing.T) {
	script := []string{
		"Counting.\n```sql\nSELECT COUNT(*) FROM speeches;\n```",
		"FINAL ANSWER: 10568 speeches",
	}
	run := func() (Result, []Turn) {
		oracle := &scriptedOracle{replies: script}
		store := &scriptedStore{rows: map[string]Rows{
			"SELECT COUNT(*) FROM speeches;": {Columns: []string{"COUNT(*)"}, Records: [][]any{{int64(10568)}}},
		}}
		c := NewController(oracle, store, Params{})
		tr := NewTranscript("sys")
		res, err := c.Ask(context.Background(), tr, "how many speeches?")
		require.NoError(t, err)
		return res, tr.Turns()
	}

	res1, turns1 := run()
	res2, turns2 := run()

	if diff := cmp.Diff(res1, res2); diff != "" {
		t.Errorf("replay produced a different result (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(turns1, turns2); diff != "" {
		t.Errorf("replay produced a different transcript (-first +second):\n%s", diff)
	}
}

func TestAskCommandCapPerTurn(t *testing.T) {
	reply := "```sql\nSELECT 1;\n```\n```sql\nSELECT 2;\n```\n```sql\nSELECT 3;\n```"
	oracle := &scriptedOracle{replies: []string{reply, "FINAL ANSWER: capped"}}
	store := &scriptedStore{rows: map[string]Rows{}}
	c := NewController(oracle, store, Params{MaxCommandsPerTurn: 2})
	tr := NewTranscript("sys")

	res, err := c.Ask(context.Background(), tr, "q")
	require.NoError(t, err)
	require.Equal(t, StateResolved, res.State)

	assert.Equal(t, []string{"SELECT 1;", "SELECT 2;"}, store.queries)
}

func TestAskObservationTruncation(t *testing.T) {
	long := strings.Repeat("x", 100)
	oracle := &scriptedOracle{replies: []string{"```sql\nSELECT text FROM speeches;\n```", "FINAL ANSWER: big"}}
	store := &scriptedStore{rows: map[string]Rows{
		"SELECT text FROM speeches;": {Columns: []string{"text"}, Records: [][]any{{long}}},
	}}
	c := NewController(oracle, store, Params{MaxObservationBytes: 32})
	tr := NewTranscript("sys")

	_, err := c.Ask(context.Background(), tr, "q")
	require.NoError(t, err)

	obs := tr.Turns()[3]
	require.Equal(t, RoleObservation, obs.Role)
	assert.True(t, strings.HasSuffix(obs.Content, "... (truncated)"), "content: %q", obs.Content)
	assert.Len(t, obs.Content, 32+len("... (truncated)"))
}

func TestSessionLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	oracle := &scriptedOracle{replies: []string{"FINAL ANSWER: one", "FINAL ANSWER: two"}}
	store := &scriptedStore{}
	system := BuildSystemPrompt("speeches: CREATE TABLE speeches (country TEXT, year INTEGER)")
	s := NewSession(oracle, store, system, Params{})

	_, err := uuid.Parse(s.ID)
	require.NoError(t, err, "session ID must be a UUID")
	require.Equal(t, 1, s.Transcript.Len())
	assert.Contains(t, s.Transcript.Turns()[0].Content, "CREATE TABLE speeches")

	res1, err := s.Ask(context.Background(), "first question")
	require.NoError(t, err)
	assert.Equal(t, "one", res1.Answer)

	res2, err := s.Ask(context.Background(), "second question")
	require.NoError(t, err)
	assert.Equal(t, "two", res2.Answer)

	// The session transcript accumulates across questions.
	want := []Role{RoleSystem, RoleUser, RoleAssistant, RoleUser, RoleAssistant}
	var got []Role
	for _, turn := range s.Transcript.Turns() {
		got = append(got, turn.Role)
	}
	assert.Equal(t, want, got)
}

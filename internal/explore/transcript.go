// Package explore implements the iterative query-refinement loop that
// answers natural-language questions over the speeches corpus: a reasoning
// LLM proposes SQL in tagged fenced blocks, the corpus store executes them
// read-only, and results are folded back into the conversation until the
// model declares a final answer or the attempt budget runs out.
package explore

import (
	"fmt"
	"strings"
)

// Role tags one turn in a transcript.
type Role string

const (
	RoleSystem      Role = "system"
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleObservation Role = "observation"
)

// Turn is one atomic entry in the conversation.
type Turn struct {
	Role    Role
	Content string

	// CommandIndex is the zero-based position of the command that produced
	// an observation, counted within its originating assistant turn. Only
	// meaningful when Role is RoleObservation.
	CommandIndex int
}

// Transcript is the ordered conversation state threaded through the loop.
// It is the oracle's only memory, so insertion order is semantically
// meaningful: turns are never reordered, rewritten, deduplicated, or
// truncated while a question is in flight. The system turn is created by
// the constructor and is always first.
//
// A Transcript is owned by a single session and is not safe for concurrent
// append.
type Transcript struct {
	turns []Turn
}

// NewTranscript creates a transcript seeded with its single system turn.
func NewTranscript(system string) *Transcript {
	return &Transcript{turns: []Turn{{Role: RoleSystem, Content: system}}}
}

// AppendUser records an incoming question.
func (t *Transcript) AppendUser(question string) {
	t.turns = append(t.turns, Turn{Role: RoleUser, Content: question})
}

// AppendAssistant records a raw oracle reply, verbatim.
func (t *Transcript) AppendAssistant(raw string) {
	t.turns = append(t.turns, Turn{Role: RoleAssistant, Content: raw})
}

// AppendObservation records the result (or error text) of executing one
// command. commandIndex preserves the command's position within the
// assistant turn that proposed it.
func (t *Transcript) AppendObservation(commandIndex int, content string) {
	t.turns = append(t.turns, Turn{
		Role:         RoleObservation,
		Content:      content,
		CommandIndex: commandIndex,
	})
}

// Turns returns a copy of the turn sequence. The copy keeps callers
// (including oracle clients) from violating the append-only invariant.
func (t *Transcript) Turns() []Turn {
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Len returns the number of turns, including the system turn.
func (t *Transcript) Len() int {
	return len(t.turns)
}

// Rows is the ordered result of one corpus query: column names plus value
// tuples in result order. Values are opaque scalars as returned by the
// store.
type Rows struct {
	Columns []string
	Records [][]any
}

// FormatRows renders a result set into the compact text the oracle reads
// back, e.g. [(France, 2022), (Brazil, 2021)]. An empty result renders as
// [] so the oracle can tell "no rows" from "no observation".
func FormatRows(r Rows) string {
	if len(r.Records) == 0 {
		return "[]"
	}
	var sb strings.Builder
	sb.WriteString("[")
	for i, rec := range r.Records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, v := range rec {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%v", v)
		}
		sb.WriteString(")")
	}
	sb.WriteString("]")
	return sb.String()
}

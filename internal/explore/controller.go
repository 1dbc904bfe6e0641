package explore

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"rostrum/internal/logging"
)

// FinalAnswerMarker is the reserved prefix that ends exploration. Matching
// is a case-sensitive prefix check after trimming leading whitespace from
// the reply.
const FinalAnswerMarker = "FINAL ANSWER:"

// GiveUpAnswer is returned when the attempt budget runs out without a final
// marker. No answer is fabricated.
const GiveUpAnswer = "I'm sorry, but I couldn't find an answer."

// truncationSuffix marks an observation that was cut at the size cap.
const truncationSuffix = "... (truncated)"

// Oracle produces the next assistant utterance given the full conversation
// so far. Implementations render the role-tagged turns into their wire
// format. A failed call aborts the current question; there is no sensible
// partial reply.
type Oracle interface {
	Reply(ctx context.Context, turns []Turn) (string, error)
}

// QueryStore executes one query string read-only against the corpus and
// returns rows or an error. Execution failures are expected input for the
// loop, not exceptional conditions.
type QueryStore interface {
	ExecuteQuery(ctx context.Context, query string) (Rows, error)
}

// State identifies where the controller is in one question's lifecycle.
type State int

const (
	StateStart State = iota
	StateExploring
	StateResolved
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateExploring:
		return "exploring"
	case StateResolved:
		return "resolved"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Params is the explicit configuration handed to the controller at
// construction. Zero values fall back to defaults.
type Params struct {
	// Marker is the final-answer prefix (default FinalAnswerMarker).
	Marker string
	// Tag is the fence tag for command blocks (default "sql").
	Tag string
	// MaxAttempts bounds oracle calls per question (default 5).
	MaxAttempts int
	// MaxCommandsPerTurn bounds how many extracted commands one assistant
	// turn may execute; negative lifts the cap. Extraction itself is never
	// capped. Default 16.
	MaxCommandsPerTurn int
	// MaxObservationBytes truncates oversized observation payloads;
	// negative lifts the cap. Default 16384.
	MaxObservationBytes int
}

func (p Params) withDefaults() Params {
	if p.Marker == "" {
		p.Marker = FinalAnswerMarker
	}
	if p.Tag == "" {
		p.Tag = DefaultCommandTag
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.MaxCommandsPerTurn == 0 {
		p.MaxCommandsPerTurn = 16
	}
	if p.MaxObservationBytes == 0 {
		p.MaxObservationBytes = 16384
	}
	return p
}

// Result is the outcome of exploring one question.
type Result struct {
	State        State  // StateResolved or StateExhausted
	Answer       string // recorded answer, or GiveUpAnswer when exhausted
	AttemptsUsed int
}

// Controller drives one question from arrival to resolution under a fixed
// attempt budget. It owns the question's attempt counter and is the only
// writer of the transcript while a question is in flight; the loop is
// strictly sequential because every step depends on the previous step's
// output.
type Controller struct {
	oracle    Oracle
	store     QueryStore
	extractor *Extractor
	params    Params
	log       *logging.Logger
}

// NewController wires the loop's collaborators together. All dependencies
// are explicit; there are no ambient singletons.
func NewController(oracle Oracle, store QueryStore, params Params) *Controller {
	p := params.withDefaults()
	return &Controller{
		oracle:    oracle,
		store:     store,
		extractor: NewExtractor(p.Tag),
		params:    p,
		log:       logging.Get(logging.CategoryExplore),
	}
}

// Ask answers one question against the given transcript. It appends the
// question as a user turn, then alternates oracle calls and command
// execution until the oracle emits the final marker (Resolved) or the
// attempt budget runs out (Exhausted). Query execution failures become
// observations and the loop continues; an oracle failure abandons the
// question and is returned as an error. Cancellation is honored at
// iteration boundaries.
func (c *Controller) Ask(ctx context.Context, tr *Transcript, question string) (Result, error) {
	timer := logging.StartTimer(logging.CategoryExplore, "Ask")
	defer timer.Stop()

	tr.AppendUser(question)
	c.log.Info("question received (%d chars), budget %d attempts", len(question), c.params.MaxAttempts)

	attemptsUsed := 0
	for {
		if err := ctx.Err(); err != nil {
			return Result{State: StateExploring, AttemptsUsed: attemptsUsed}, fmt.Errorf("exploration cancelled: %w", err)
		}
		if attemptsUsed >= c.params.MaxAttempts {
			c.log.Info("attempt budget exhausted after %d attempts", attemptsUsed)
			return Result{State: StateExhausted, Answer: GiveUpAnswer, AttemptsUsed: attemptsUsed}, nil
		}

		attemptsUsed++
		reply, err := c.oracle.Reply(ctx, tr.Turns())
		if err != nil {
			return Result{State: StateExploring, AttemptsUsed: attemptsUsed},
				fmt.Errorf("oracle reply failed on attempt %d/%d: %w", attemptsUsed, c.params.MaxAttempts, err)
		}

		// Recorded before any interpretation so the oracle's context always
		// reflects exactly what it previously said, malformed or not.
		tr.AppendAssistant(reply)

		if answer, ok := c.finalAnswer(reply); ok {
			// Marker wins over any residual command blocks in the same
			// reply; they are not executed.
			c.log.Info("resolved on attempt %d", attemptsUsed)
			return Result{State: StateResolved, Answer: answer, AttemptsUsed: attemptsUsed}, nil
		}

		cmds := c.extractor.Commands(reply)
		if len(cmds) == 0 {
			c.log.Debug("attempt %d: no commands, no marker", attemptsUsed)
			continue
		}
		if c.params.MaxCommandsPerTurn > 0 && len(cmds) > c.params.MaxCommandsPerTurn {
			c.log.Warn("attempt %d: %d commands exceed per-turn cap %d, executing first %d",
				attemptsUsed, len(cmds), c.params.MaxCommandsPerTurn, c.params.MaxCommandsPerTurn)
			cmds = cmds[:c.params.MaxCommandsPerTurn]
		}
		// Sequential on purpose: the oracle reasons over results interleaved
		// in the order it asked, and later commands may depend on earlier
		// evidence.
		for _, cmd := range cmds {
			tr.AppendObservation(cmd.Index, c.runCommand(ctx, cmd))
		}
	}
}

// finalAnswer checks the reply for the final marker and returns the
// recorded answer. An empty remainder after the marker is a valid empty
// answer, not an error.
func (c *Controller) finalAnswer(reply string) (string, bool) {
	trimmed := strings.TrimLeftFunc(reply, unicode.IsSpace)
	if !strings.HasPrefix(trimmed, c.params.Marker) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, c.params.Marker)), true
}

// runCommand executes one command and renders its observation content.
// Store failures are captured as text, never raised: the oracle sees the
// error and may self-correct.
func (c *Controller) runCommand(ctx context.Context, cmd Command) string {
	rows, err := c.store.ExecuteQuery(ctx, cmd.Text)
	if err != nil {
		c.log.Debug("command %d failed: %v", cmd.Index, err)
		return "Error: " + err.Error()
	}
	content := FormatRows(rows)
	if c.params.MaxObservationBytes > 0 && len(content) > c.params.MaxObservationBytes {
		content = content[:c.params.MaxObservationBytes] + truncationSuffix
	}
	c.log.Debug("command %d returned %d rows (%d bytes)", cmd.Index, len(rows.Records), len(content))
	return content
}

// Session owns one conversation: a transcript seeded with the system turn
// plus the controller that answers questions against it. Questions on the
// same session must not run concurrently; the transcript is not safe for
// concurrent append.
type Session struct {
	ID         string
	Transcript *Transcript

	controller *Controller
}

// NewSession starts a conversation with the given system prompt (typically
// built from live schema introspection by the caller).
func NewSession(oracle Oracle, store QueryStore, system string, params Params) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Transcript: NewTranscript(system),
		controller: NewController(oracle, store, params),
	}
}

// Ask answers one question on this session's transcript.
func (s *Session) Ask(ctx context.Context, question string) (Result, error) {
	return s.controller.Ask(ctx, s.Transcript, question)
}

package agent

import (
	"fmt"
	"time"

	"github.com/duckmesh/dbagent/internal/database"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Stage names the pipeline step that produced a message.
type Stage string

const (
	StageIntent   Stage = "intent"
	StageGenerate Stage = "generate"
	StageExecute  Stage = "execute"
	StageValidate Stage = "validate"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Stage   Stage  `json:"stage,omitempty"`
}

// Failure is an execution error captured into the state so the next
// generation attempt can correct it.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (f Failure) String() string {
	if f.Kind == "" {
		return f.Message
	}
	return f.Kind + ": " + f.Message
}

// Result holds one row set per executed statement, or a notice when nothing
// was executed.
type Result struct {
	Sets   [][]database.Row `json:"sets,omitempty"`
	Notice []string         `json:"notice,omitempty"`
}

// Empty reports whether no statement was executed. A statement that matched
// zero rows still leaves a set behind.
func (r *Result) Empty() bool {
	return r == nil || len(r.Sets) == 0
}

func (r *Result) RowCount() int {
	if r == nil {
		return 0
	}
	total := 0
	for _, set := range r.Sets {
		total += len(set)
	}
	return total
}

// State is the conversation state of one thread. It is checkpointed after
// every completed stage.
type State struct {
	ThreadID  string    `json:"thread_id"`
	Messages  []Message `json:"messages"`
	Intent    string    `json:"intent,omitempty"`
	Query     []string  `json:"query,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	Error     *Failure  `json:"error,omitempty"`
	Retries   int       `json:"retries"`
	Attempts  int       `json:"attempts"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reply returns the last assistant message, or "" when there is none.
func (s *State) Reply() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

// beginTurn appends the user's message and resets everything scoped to a
// single turn. Messages from earlier turns are kept.
func (s *State) beginTurn(message string) {
	s.Messages = append(s.Messages, Message{Role: RoleUser, Content: message})
	s.Intent = ""
	s.Query = nil
	s.Result = nil
	s.Error = nil
	s.Retries = 0
	s.Attempts = 0
	s.Status = StatusPending
}

func (s *State) say(stage Stage, content string) Message {
	msg := Message{Role: RoleAssistant, Content: content, Stage: stage}
	s.Messages = append(s.Messages, msg)
	return msg
}

func (s *State) latestUserMessage() (Message, int) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i], i
		}
	}
	return Message{}, -1
}

// Turn is one user message addressed to a thread.
type Turn struct {
	ThreadID string
	Message  string
}

type EventKind string

const (
	EventMessage EventKind = "message"
	EventChunk   EventKind = "chunk"
	EventDone    EventKind = "done"
)

// Event is one item of a streamed turn. Chunk events carry summary text as it
// is produced; message events carry every assistant message once appended;
// the done event carries the final state.
type Event struct {
	Kind  EventKind `json:"kind"`
	Stage Stage     `json:"stage,omitempty"`
	Text  string    `json:"text,omitempty"`
	State *State    `json:"state,omitempty"`
}

func executionSummary(result *Result) string {
	statements := len(result.Sets)
	return fmt.Sprintf("Executed %d statement(s); %d row(s) returned.", statements, result.RowCount())
}

// Package conversation turns persisted user/assistant message lists into a
// chat prompt that fits a model's context window.
package conversation

import "github.com/aimessages/aimessages/internal/tokenizer"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message of a chat request.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

const (
	// per turn: <im_start>{role}\n{content}<im_end>\n
	turnOverhead = 4
	// every reply is primed with <im_start>assistant
	replyPrimer = 2

	maxShrinkAttempts = 20
)

const (
	DefaultTokenBuffer = 50
	TestTokenBuffer    = 1500
)

// Budget is the token allowance of a request.
type Budget struct {
	MaxContext int // the model's context window
	Buffer     int // kept free on top of the prompt
}

func (b Budget) fits(tokens int) bool {
	return tokens+b.Buffer <= b.MaxContext
}

// CountTurns returns the prompt cost of turns, including per-turn overhead and
// the reply primer.
func CountTurns(c tokenizer.Counter, turns []Turn) int {
	n := 0
	for _, t := range turns {
		n += turnOverhead + c.Count(t.Content)
	}
	return n + replyPrimer
}

// DropOldestExchange removes turns 1 and 2 (the oldest user/assistant pair),
// keeping the system turn and everything from index 3 on. Sequences shorter
// than 4 turns are returned unchanged. The input is not modified.
func DropOldestExchange(turns []Turn) []Turn {
	if len(turns) < 4 {
		return turns
	}
	out := make([]Turn, 0, len(turns)-2)
	out = append(out, turns[0])
	return append(out, turns[3:]...)
}

// Formatter builds bounded chat prompts.
type Formatter struct {
	Counter tokenizer.Counter
	Budget  Budget
}

// Format lays out [system, (user, assistant)..., user] and shrinks it until it
// fits the budget. user is expected to hold one more entry than assistant.
// Format has no side effects.
func (f Formatter) Format(assistant, user []string, system string) ([]Turn, int) {
	pairs := min(len(assistant), len(user))
	lastUser := ""
	if len(user) > pairs {
		lastUser = user[len(user)-1]
	}

	turns := make([]Turn, 0, 2*pairs+2)
	turns = append(turns, Turn{Role: RoleSystem, Content: system})
	for i := 0; i < pairs; i++ {
		turns = append(turns,
			Turn{Role: RoleUser, Content: user[i]},
			Turn{Role: RoleAssistant, Content: assistant[i]},
		)
	}
	turns = append(turns, Turn{Role: RoleUser, Content: lastUser})

	tokens := CountTurns(f.Counter, turns)

	for attempt := 0; !f.Budget.fits(tokens) && attempt < maxShrinkAttempts; attempt++ {
		switch {
		case len(turns) >= 4:
			turns = DropOldestExchange(turns)
		case attempt < maxShrinkAttempts-1 && !isSystemAndUser(turns, system, lastUser):
			turns = []Turn{
				{Role: RoleSystem, Content: system},
				{Role: RoleUser, Content: lastUser},
			}
		default:
			turns = []Turn{{Role: RoleSystem, Content: system}}
		}
		tokens = CountTurns(f.Counter, turns)
		if len(turns) == 1 {
			break
		}
	}

	return turns, tokens
}

func isSystemAndUser(turns []Turn, system, lastUser string) bool {
	return len(turns) == 2 &&
		turns[0] == Turn{Role: RoleSystem, Content: system} &&
		turns[1] == Turn{Role: RoleUser, Content: lastUser}
}

package conversation

import "errors"

const (
	DefaultMaxMessageHistory = 10
	TestMaxMessageHistory    = 5
)

// ErrMisaligned is returned when the persisted lists are not in one of the
// two shapes a conversation can be in between replies.
var ErrMisaligned = errors.New("conversation: user and assistant histories are misaligned")

// History is the persisted rolling window of a private chat or group.
type History struct {
	User      []string `json:"cachedUserMessages"`
	Assistant []string `json:"cachedAssistantMessages"`
}

// MergeInbound folds msg into the user list. When both lists have the same
// length msg opens a new user turn; when the user list is one ahead (the last
// message got no reply yet) msg is appended to that pending turn.
func MergeInbound(user, assistant []string, msg string) ([]string, error) {
	switch len(user) - len(assistant) {
	case 0:
		out := make([]string, len(user), len(user)+1)
		copy(out, user)
		return append(out, msg), nil
	case 1:
		out := make([]string, len(user))
		copy(out, user)
		out[len(out)-1] += " " + msg
		return out, nil
	default:
		return nil, ErrMisaligned
	}
}

// Trim keeps the newest max entries of arr.
func Trim(arr []string, max int) []string {
	if max <= 0 {
		return []string{}
	}
	if len(arr) <= max {
		return arr
	}
	out := make([]string, max)
	copy(out, arr[len(arr)-max:])
	return out
}

// Merge adds an inbound message to h. A misaligned history is reset so that
// msg becomes the only pending user turn; the returned error tells the caller
// this happened.
func (h *History) Merge(msg string) error {
	user, err := MergeInbound(h.User, h.Assistant, msg)
	if err != nil {
		h.User = []string{msg}
		h.Assistant = []string{}
		return err
	}
	h.User = user
	if h.Assistant == nil {
		h.Assistant = []string{}
	}
	return nil
}

// Record appends reply as the answer to the pending user turn and trims both
// lists to max entries.
func (h *History) Record(reply string, max int) {
	h.Assistant = append(h.Assistant, reply)
	h.User = Trim(h.User, max)
	h.Assistant = Trim(h.Assistant, max)
}

// Pending reports whether the last user turn is still waiting for a reply.
func (h History) Pending() bool {
	return len(h.User) == len(h.Assistant)+1
}

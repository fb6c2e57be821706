package loop

import (
	"encoding/json"
	"fmt"
)

// --- Incoming webhook payload ---

type AlertType string

const (
	AlertMessageSchedule    AlertType = "message_schedule"
	AlertMessageSent        AlertType = "message_sent"
	AlertMessageFailed      AlertType = "message_failed"
	AlertMessageInbound     AlertType = "message_inbound"
	AlertMessageTimeout     AlertType = "message_timeout"
	AlertMessageReaction    AlertType = "message_reaction"
	AlertConversationInited AlertType = "conversation_inited"
	AlertGroupCreated       AlertType = "group_created"
	AlertUnknown            AlertType = "unknown"
)

// Event is the body Loop posts to the webhook. SessionID is assigned on
// receipt.
type Event struct {
	AlertType   AlertType `json:"alert_type"`
	Recipient   string    `json:"recipient,omitempty"`
	Text        string    `json:"text,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	MessageType string    `json:"message_type,omitempty"`
	SenderName  string    `json:"sender_name,omitempty"`
	Success     *bool     `json:"success,omitempty"`
	Group       *Group    `json:"group,omitempty"`
	Passthrough string    `json:"passthrough,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
}

type Group struct {
	GroupID      string   `json:"group_id"`
	Name         string   `json:"name,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// Delivered reports whether a message_sent event confirms delivery.
func (e Event) Delivered() bool {
	return e.Success != nil && *e.Success
}

func (e Event) GroupID() string {
	if e.Group == nil {
		return ""
	}
	return e.Group.GroupID
}

// --- Passthrough ---

// MessageType tags what an outbound message was, so the message_sent
// callback knows whether to charge for it.
type MessageType string

const (
	MsgGroup              MessageType = "groupMessage"
	MsgPrivate            MessageType = "privateMessage"
	MsgGroupWelcome       MessageType = "groupWelcomeMessage"
	MsgPrivateWelcome     MessageType = "privateWelcomeMessage"
	MsgGroupError         MessageType = "groupErrorMessage"
	MsgPrivateError       MessageType = "privateErrorMessage"
	MsgNoCreditsRemaining MessageType = "noCreditsRemaining"
)

// Passthrough is echoed back by Loop on the message_sent callback. On the
// wire it is a JSON document embedded in a string.
type Passthrough struct {
	UID                       string      `json:"uid,omitempty"`
	SessionID                 string      `json:"sessionId,omitempty"`
	GroupID                   string      `json:"group_id,omitempty"`
	IncomingMessageType       MessageType `json:"incomingMessageType,omitempty"`
	IsValidSubscription       bool        `json:"isValidSubscription"`
	HasValidMessagesRemaining bool        `json:"hasValidMessagesRemaining"`
}

func (p Passthrough) Encode() string {
	b, _ := json.Marshal(p)
	return string(b)
}

// ParsePassthrough decodes the passthrough string of an event. An empty
// string yields a zero Passthrough.
func ParsePassthrough(s string) (Passthrough, error) {
	var p Passthrough
	if s == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return p, fmt.Errorf("decoding passthrough: %w", err)
	}
	return p, nil
}

// --- Outgoing ---

// Message is one outbound text. Exactly one of Recipient and Group is set.
type Message struct {
	Recipient   string
	Group       string
	Text        string
	Attachments []string
	Passthrough Passthrough
}

type sendRequest struct {
	Recipient   string   `json:"recipient,omitempty"`
	Group       string   `json:"group,omitempty"`
	Text        string   `json:"text"`
	SenderName  string   `json:"sender_name"`
	Attachments []string `json:"attachments,omitempty"`
	Passthrough string   `json:"passthrough,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
	Text      string `json:"text"`
	Recipient string `json:"recipient,omitempty"`
	Group     *Group `json:"group,omitempty"`
}

type authRequest struct {
	Passthrough string `json:"passthrough"`
}

type authResponse struct {
	IMessageLink string `json:"imessage_link"`
	RequestID    string `json:"request_id"`
	Success      bool   `json:"success"`
}

// AuthLink is what the app shows the user to start iMessage linking.
type AuthLink struct {
	IMessageLink string `json:"imessage_link"`
	RequestID    string `json:"request_id"`
}

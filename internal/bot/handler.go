// Package bot answers iMessage conversations relayed by Loop.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/aimessages/aimessages/internal/conversation"
	"github.com/aimessages/aimessages/internal/credits"
	"github.com/aimessages/aimessages/internal/events"
	"github.com/aimessages/aimessages/internal/invoke"
	"github.com/aimessages/aimessages/internal/loop"
	"github.com/aimessages/aimessages/internal/session"
	"github.com/aimessages/aimessages/internal/store"
)

type Completer interface {
	ChatCompletion(ctx context.Context, turns []conversation.Turn, tokens int, user string) (string, error)
}

type Sender interface {
	Send(ctx context.Context, msg loop.Message) (string, error)
}

type Accounts interface {
	UIDForContact(contact string) (string, error)
}

type Ledger interface {
	Check(uid string) (credits.Standing, error)
	RecordDelivery(uid string, r credits.Receipt) (string, error)
}

type Notifier interface {
	NotifyNoCredits(ctx context.Context, uid, sessionID string, s credits.Standing) error
}

// Limits are the history and message size bounds.
type Limits struct {
	MaxHistory     int
	CharacterLimit int
}

type Deps struct {
	Store     store.Store
	Locks     *session.Manager
	Accounts  Accounts
	Ledger    Ledger
	Notifier  Notifier
	Chat      Completer
	Sender    Sender
	Formatter conversation.Formatter
	Limits    Limits
	Events    *events.Recorder
}

type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	if d.Locks == nil {
		d.Locks = session.NewManager()
	}
	if d.Limits.MaxHistory == 0 {
		d.Limits.MaxHistory = conversation.DefaultMaxMessageHistory
	}
	return &Handler{Deps: d}
}

// HandleEvent processes one Loop webhook event. It has the loop.EventHandler
// signature so it can back the webhook queue.
func (h *Handler) HandleEvent(ctx context.Context, ev loop.Event) {
	ctx = events.WithSession(ctx, "", ev.SessionID)

	switch ev.AlertType {
	case loop.AlertConversationInited:
		h.welcome(ctx, ev, loop.Message{Recipient: ev.Recipient, Text: WelcomePrivate}, loop.MsgPrivateWelcome)
	case loop.AlertGroupCreated:
		h.welcome(ctx, ev, loop.Message{Group: ev.GroupID(), Text: WelcomeGroup}, loop.MsgGroupWelcome)
	case loop.AlertMessageSent:
		h.handleSent(ctx, ev)
	case loop.AlertMessageFailed, loop.AlertMessageTimeout:
		h.handleFailed(ctx, ev)
	case loop.AlertMessageInbound:
		h.handleInbound(ctx, ev)
	default:
		log.Printf("bot: %s alert does not trigger a response", ev.AlertType)
	}

	h.Events.Record(ctx, events.Entry{
		Type:     events.TypeIncomingWebhook,
		Provider: loop.Provider,
		Status:   events.StatusCompleted,
		HTTPType: http.StatusOK,
		HTTPInfo: string(ev.AlertType),
	})
}

func (h *Handler) welcome(ctx context.Context, ev loop.Event, msg loop.Message, kind loop.MessageType) {
	uid, err := h.Accounts.UIDForContact(ev.Recipient)
	if err != nil {
		log.Printf("bot: resolving %s: %v", ev.Recipient, err)
	}
	msg.Passthrough = loop.Passthrough{UID: uid, SessionID: ev.SessionID, IncomingMessageType: kind}
	if _, err := h.Sender.Send(ctx, msg); err != nil {
		log.Printf("bot: failed to send %s: %v", kind, err)
	}
}

// handleSent charges for a delivered reply. Only replies tagged as private
// or group messages are billable.
func (h *Handler) handleSent(ctx context.Context, ev loop.Event) {
	p, err := loop.ParsePassthrough(ev.Passthrough)
	if err != nil || p.UID == "" {
		log.Printf("bot: message_sent without uid, cannot charge (session %s)", ev.SessionID)
		h.recordFailure(ctx, ev, "")
		return
	}
	ctx = events.WithSession(ctx, p.UID, ev.SessionID)

	if !ev.Delivered() {
		log.Printf("bot: message %s was not delivered to %s", ev.MessageID, ev.Recipient)
		h.recordFailure(ctx, ev, p.UID)
		return
	}

	r := credits.Receipt{
		MessageID:  ev.MessageID,
		Account:    ev.Recipient,
		ChargeType: credits.ChargeFor(p.IsValidSubscription, p.HasValidMessagesRemaining),
	}
	switch p.IncomingMessageType {
	case loop.MsgPrivate:
	case loop.MsgGroup:
		r.GroupID = ev.GroupID()
		if r.GroupID == "" {
			r.GroupID = p.GroupID
		}
	default:
		log.Printf("bot: not charging %s for %q message", p.UID, p.IncomingMessageType)
		return
	}
	if _, err := h.Ledger.RecordDelivery(p.UID, r); err != nil {
		log.Printf("bot: charging %s: %v", p.UID, err)
	}
}

func (h *Handler) handleFailed(ctx context.Context, ev loop.Event) {
	p, err := loop.ParsePassthrough(ev.Passthrough)
	if err != nil {
		log.Printf("bot: %s with unreadable passthrough: %v", ev.AlertType, err)
	}
	h.recordFailure(ctx, ev, p.UID)
}

func (h *Handler) recordFailure(ctx context.Context, ev loop.Event, uid string) {
	h.Events.Record(ctx, events.Entry{
		UID:      uid,
		Type:     events.TypeIncomingWebhook,
		Provider: loop.Provider,
		Status:   events.StatusFailed,
		HTTPType: http.StatusBadRequest,
		HTTPInfo: string(ev.AlertType),
	})
}

func (h *Handler) handleInbound(ctx context.Context, ev loop.Event) {
	uid, err := h.Accounts.UIDForContact(ev.Recipient)
	if err != nil {
		log.Printf("bot: resolving %s: %v", ev.Recipient, err)
		return
	}
	if uid == "" {
		log.Printf("bot: %s has no linked account, not responding", ev.Recipient)
		return
	}
	ctx = events.WithSession(ctx, uid, ev.SessionID)

	standing, err := h.Ledger.Check(uid)
	if err != nil {
		log.Printf("bot: checking credits of %s: %v", uid, err)
		return
	}
	if !standing.HasCredit() {
		if !standing.WasWarned {
			if err := h.Notifier.NotifyNoCredits(ctx, uid, ev.SessionID, standing); err != nil {
				log.Printf("bot: %v", err)
			}
		}
		return
	}

	if ev.Group != nil {
		h.handleGroup(ctx, ev, uid, standing)
		return
	}
	h.handlePrivate(ctx, ev, uid, standing)
}

func (h *Handler) handlePrivate(ctx context.Context, ev loop.Event, uid string, standing credits.Standing) {
	p := loadPersona(h.Store, uid)
	pt := loop.Passthrough{
		UID:                       uid,
		SessionID:                 ev.SessionID,
		IsValidSubscription:       standing.ValidSubscription,
		HasValidMessagesRemaining: standing.HasMessagesRemaining,
	}

	err := h.Locks.WithLock(session.Key(store.CachedPrivateMessages, uid), func() error {
		hist := h.loadHistory(store.CachedPrivateMessages, uid)
		if err := hist.Merge(ev.Text); err != nil {
			log.Printf("bot: private history of %s reset: %v", uid, err)
		}

		reply, fallback := h.complete(ctx, hist, p, uid)
		if reply != "" {
			pt.IncomingMessageType = loop.MsgPrivate
			h.deliver(ctx, loop.Message{Recipient: ev.Recipient, Text: reply}, pt)
			hist.Record(reply, h.Limits.MaxHistory)
		} else {
			pt.IncomingMessageType = loop.MsgPrivateError
			h.deliver(ctx, loop.Message{Recipient: ev.Recipient, Text: fallback}, pt)
		}
		return h.saveHistory(store.CachedPrivateMessages, uid, hist)
	})
	if err != nil {
		log.Printf("bot: private message for %s: %v", uid, err)
	}
}

func (h *Handler) handleGroup(ctx context.Context, ev loop.Event, uid string, standing credits.Standing) {
	groupID := ev.GroupID()
	if groupID == "" {
		log.Printf("bot: group message without group id (session %s)", ev.SessionID)
		return
	}
	p := loadPersona(h.Store, uid)
	incoming := fmt.Sprintf("%s: %s", ev.Recipient, ev.Text)
	pt := loop.Passthrough{
		UID:                       uid,
		SessionID:                 ev.SessionID,
		GroupID:                   groupID,
		IsValidSubscription:       standing.ValidSubscription,
		HasValidMessagesRemaining: standing.HasMessagesRemaining,
	}

	err := h.Locks.WithLock(session.Key(store.CachedGroupMessages, groupID), func() error {
		hist := h.loadHistory(store.CachedGroupMessages, groupID)
		if err := hist.Merge(incoming); err != nil {
			log.Printf("bot: history of group %s reset: %v", groupID, err)
		}
		if !mentions(p.name, incoming) {
			return h.saveHistory(store.CachedGroupMessages, groupID, hist)
		}

		reply, fallback := h.complete(ctx, hist, p, uid)
		if reply != "" {
			pt.IncomingMessageType = loop.MsgGroup
			h.deliver(ctx, loop.Message{Group: groupID, Text: reply}, pt)
			hist.Record(reply, h.Limits.MaxHistory)
		} else {
			pt.IncomingMessageType = loop.MsgGroupError
			h.deliver(ctx, loop.Message{Group: groupID, Text: fallback}, pt)
			hist.User = conversation.Trim(hist.User, h.Limits.MaxHistory)
			hist.Assistant = conversation.Trim(hist.Assistant, h.Limits.MaxHistory)
		}
		return h.saveHistory(store.CachedGroupMessages, groupID, hist)
	})
	if err != nil {
		log.Printf("bot: group message for %s: %v", groupID, err)
	}
}

// complete asks the model for the next reply. When the call fails it
// returns the text to send instead.
func (h *Handler) complete(ctx context.Context, hist conversation.History, p persona, uid string) (reply, fallback string) {
	turns, tokens := h.Formatter.Format(hist.Assistant, hist.User, p.system())
	reply, err := h.Chat.ChatCompletion(ctx, turns, tokens, uid)
	if err == nil && reply != "" {
		return reply, ""
	}
	var ie *invoke.Error
	if errors.As(err, &ie) {
		return "", ie.Message
	}
	if err != nil {
		log.Printf("bot: completion for %s: %v", uid, err)
	}
	return "", "Something went wrong while generating a reply. Please try again."
}

// deliver sends text in chunks of at most CharacterLimit characters. Only
// the first chunk carries the billable message type, so a long reply is
// charged once.
func (h *Handler) deliver(ctx context.Context, msg loop.Message, pt loop.Passthrough) {
	for i, part := range chunks(msg.Text, h.Limits.CharacterLimit) {
		m := msg
		m.Text = part
		m.Passthrough = pt
		if i > 0 {
			m.Passthrough.IncomingMessageType = ""
		}
		if _, err := h.Sender.Send(ctx, m); err != nil {
			log.Printf("bot: sending reply to %s%s: %v", msg.Recipient, msg.Group, err)
			return
		}
	}
}

func (h *Handler) loadHistory(collection, id string) conversation.History {
	var hist conversation.History
	doc, err := h.Store.Get(collection, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("bot: reading %s/%s: %v", collection, id, err)
		}
		return hist
	}
	if err := store.Decode(doc, &hist); err != nil {
		log.Printf("bot: decoding %s/%s: %v", collection, id, err)
		return conversation.History{}
	}
	return hist
}

func (h *Handler) saveHistory(collection, id string, hist conversation.History) error {
	if hist.Assistant == nil {
		hist.Assistant = []string{}
	}
	doc, err := store.Encode(hist)
	if err != nil {
		return err
	}
	if err := h.Store.Set(collection, id, doc, false); err != nil {
		return fmt.Errorf("saving %s/%s: %w", collection, id, err)
	}
	return nil
}

package loop

import (
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/aimessages/aimessages/internal/events"
	"github.com/aimessages/aimessages/internal/httpx"
)

type Publisher interface {
	Publish(ev Event) error
}

type WebhookHandler struct {
	token     string
	publisher Publisher
	events    *events.Recorder
}

func NewWebhookHandler(token string, p Publisher, rec *events.Recorder) *WebhookHandler {
	return &WebhookHandler{token: token, publisher: p, events: rec}
}

type webhookResponse struct {
	Message string `json:"message"`
	Typing  int    `json:"typing"`
	Read    bool   `json:"read"`
}

// HandleIncoming accepts a Loop webhook, tags it with a session id and
// queues it. Loop retries anything that is not a 2xx.
func (h *WebhookHandler) HandleIncoming(w http.ResponseWriter, r *http.Request) {
	if code, msg := httpx.VerifyBearer(r.Header.Get("Authorization"), h.token); code != http.StatusOK {
		log.Printf("loop: rejected webhook: %s", msg)
		httpx.WriteJSON(w, code, webhookResponse{Message: msg})
		return
	}

	var ev Event
	if err := httpx.DecodeJSON(w, r, httpx.MaxJSONBody, &ev); err != nil {
		log.Printf("loop: failed to decode webhook: %v", err)
		httpx.WriteJSON(w, httpx.DecodeStatus(err), webhookResponse{Message: "Invalid request body"})
		return
	}
	if ev.AlertType == "" {
		ev.AlertType = AlertUnknown
	}
	ev.SessionID = sessionID(ev)

	ctx := r.Context()
	h.events.Record(ctx, events.Entry{
		SessionID: ev.SessionID,
		Type:      events.TypeIncomingWebhook,
		Provider:  Provider,
		Status:    events.StatusReceived,
		HTTPType:  http.StatusOK,
		HTTPInfo:  string(ev.AlertType),
	})

	if err := h.publisher.Publish(ev); err != nil {
		log.Printf("loop: publishing %s event: %v", ev.AlertType, err)
		h.events.Record(ctx, events.Entry{
			SessionID: ev.SessionID,
			Type:      events.TypePublication,
			Provider:  Provider,
			Status:    events.StatusFailed,
			HTTPType:  http.StatusBadGateway,
		})
		http.Error(w, "Error publishing message.", http.StatusBadGateway)
		return
	}
	h.events.Record(ctx, events.Entry{
		SessionID: ev.SessionID,
		Type:      events.TypePublication,
		Provider:  Provider,
		Status:    events.StatusCompleted,
		HTTPType:  http.StatusOK,
	})

	typing := 0
	if ev.AlertType == AlertMessageInbound {
		typing = 5
	}
	httpx.WriteJSON(w, http.StatusOK, webhookResponse{Message: httpx.MsgReceived, Typing: typing, Read: true})
}

// sessionID reuses the session of the message a callback refers to and
// starts a new one otherwise.
func sessionID(ev Event) string {
	if ev.Passthrough != "" {
		if p, err := ParsePassthrough(ev.Passthrough); err == nil && p.SessionID != "" {
			return p.SessionID
		}
	}
	return uuid.NewString()
}

package credits

import (
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/aimessages/aimessages/internal/httpx"
)

type Handler struct {
	ledger *Ledger
}

func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

type purchaseWebhook struct {
	Event PurchaseEvent `json:"event"`
}

// HandlePurchase receives store purchase webhooks. Events that are not
// message credit purchases are stored and acknowledged without effect.
func (h *Handler) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	var body purchaseWebhook
	if err := httpx.DecodeJSON(w, r, httpx.MaxJSONBody, &body); err != nil {
		httpx.WriteError(w, httpx.DecodeStatus(err), "invalid request body")
		return
	}
	ev := body.Event
	if ev.AppUserID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "app_user_id is required")
		return
	}
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}

	n, err := h.ledger.ApplyPurchase(id, ev)
	switch {
	case errors.Is(err, ErrInvalidPurchase):
		log.Printf("credits: ignoring event %s: %v", id, err)
	case err != nil:
		log.Printf("credits: applying purchase %s: %v", id, err)
		httpx.WriteError(w, http.StatusInternalServerError, "could not apply purchase")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "credited": n})
}

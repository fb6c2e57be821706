package auth

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/aimessages/aimessages/internal/events"
	"github.com/aimessages/aimessages/internal/httpx"
	"github.com/aimessages/aimessages/internal/invoke"
	"github.com/aimessages/aimessages/internal/loop"
)

type AuthRequester interface {
	RequestAuth(ctx context.Context, passthrough string) (loop.AuthLink, error)
}

// Promoter grants first-time credits.
type Promoter interface {
	IssuePromotion(uid string) (bool, error)
}

type Handler struct {
	accounts  *Accounts
	loop      AuthRequester
	promotion Promoter
	events    *events.Recorder
}

func NewHandler(accounts *Accounts, l AuthRequester, p Promoter, rec *events.Recorder) *Handler {
	return &Handler{accounts: accounts, loop: l, promotion: p, events: rec}
}

type linkRequest struct {
	UID string `json:"uid"`
}

// HandleRequest starts linking for the caller's uid and returns the iMessage
// link the user has to open. It runs behind httpx.RequireUser; a uid in the
// body must match the token's.
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := httpx.DecodeJSON(w, r, httpx.MaxJSONBody, &req); err != nil {
		httpx.WriteError(w, httpx.DecodeStatus(err), "invalid request body")
		return
	}
	uid, ok := httpx.ResolveUID(r.Context(), req.UID)
	if !ok {
		httpx.WriteError(w, http.StatusForbidden, httpx.MsgForbidden)
		return
	}

	sessionID := uuid.NewString()
	ctx := events.WithSession(r.Context(), uid, sessionID)
	passthrough := loop.Passthrough{UID: uid, SessionID: sessionID}.Encode()

	link, err := h.loop.RequestAuth(ctx, passthrough)
	if err != nil {
		log.Printf("auth: loop auth request for %s failed: %v", uid, err)
		code, msg := http.StatusBadGateway, "could not reach the messaging provider"
		var ie *invoke.Error
		if errors.As(err, &ie) {
			code, msg = httpx.UpstreamStatus(ie.Code), ie.Message
		}
		httpx.WriteError(w, code, msg)
		return
	}
	if link.RequestID == "" {
		link.RequestID = uuid.NewString()
	}
	httpx.WriteJSON(w, http.StatusOK, link)
}

type callback struct {
	Passthrough string `json:"passthrough"`
	Recipient   string `json:"recipient"`
	Success     bool   `json:"success"`
}

// HandleCallback completes linking once the user has texted the auth
// message: the sender's contact is tied to the uid carried in passthrough.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	var cb callback
	if err := httpx.DecodeJSON(w, r, httpx.MaxJSONBody, &cb); err != nil {
		httpx.WriteError(w, httpx.DecodeStatus(err), "invalid request body")
		return
	}
	p, err := loop.ParsePassthrough(cb.Passthrough)
	if err != nil || !httpx.ValidUID(p.UID) {
		httpx.WriteError(w, http.StatusBadRequest, "passthrough uid is required")
		return
	}
	ctx := events.WithSession(r.Context(), p.UID, p.SessionID)

	if !cb.Success || cb.Recipient == "" {
		log.Printf("auth: linking %s was not successful", p.UID)
		h.events.Record(ctx, events.Entry{Type: events.TypeMessageAuth, Provider: loop.Provider, Status: events.StatusFailed, HTTPType: http.StatusBadRequest})
		httpx.WriteJSON(w, http.StatusOK, map[string]bool{"linked": false})
		return
	}

	if err := h.accounts.Link(p.UID, cb.Recipient); err != nil {
		log.Printf("auth: linking %s: %v", p.UID, err)
		httpx.WriteError(w, http.StatusInternalServerError, "could not link account")
		return
	}
	log.Printf("auth: user %s linked to %s", p.UID, cb.Recipient)
	h.events.Record(ctx, events.Entry{Type: events.TypeMessageAuth, Provider: loop.Provider, Status: events.StatusCompleted, HTTPType: http.StatusOK})

	if _, err := h.promotion.IssuePromotion(p.UID); err != nil {
		log.Printf("auth: promotion for %s: %v", p.UID, err)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"linked": true})
}

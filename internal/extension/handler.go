package extension

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aimessages/aimessages/internal/events"
	"github.com/aimessages/aimessages/internal/httpx"
	"github.com/aimessages/aimessages/internal/invoke"
)

type Handler struct {
	svc    *Service
	secret []byte
}

// NewHandler serves svc to callers holding a user token signed with secret.
func NewHandler(svc *Service, secret []byte) *Handler {
	return &Handler{svc: svc, secret: secret}
}

// Routes mounts the extension endpoints. Every route acts for the uid of the
// caller's token; a uid in the body or path must match it.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.RequireUser(h.secret))
	r.Post("/images", h.HandleImages)
	r.Delete("/images/{uid}/{id}", h.HandleDeleteImage)
	r.Post("/completions", h.HandleCompletion)
	r.Post("/edits", h.HandleEdit)
	return r
}

type imageResponse struct {
	Caption string `json:"caption"`
	Image   any    `json:"image"`
}

func (h *Handler) HandleImages(w http.ResponseWriter, r *http.Request) {
	var req ImageRequest
	if err := httpx.DecodeJSON(w, r, httpx.MaxImageBody, &req); err != nil {
		httpx.WriteError(w, httpx.DecodeStatus(err), "invalid request body")
		return
	}
	uid, ok := httpx.ResolveUID(r.Context(), req.UID)
	if !ok {
		httpx.WriteError(w, http.StatusForbidden, httpx.MsgForbidden)
		return
	}
	req.UID = uid
	ctx := events.WithSession(r.Context(), uid, uuid.NewString())

	res, err := h.svc.Images(ctx, req)
	if err != nil {
		writeFailure(w, uid, err)
		return
	}
	// A single requested image is returned bare, several as a list.
	out := imageResponse{Caption: res.Caption, Image: res.Images}
	if res.Samples == 1 {
		var img string
		if len(res.Images) > 0 {
			img = res.Images[0]
		}
		out.Image = img
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) HandleDeleteImage(w http.ResponseWriter, r *http.Request) {
	uid, ok := httpx.ResolveUID(r.Context(), chi.URLParam(r, "uid"))
	if !ok {
		httpx.WriteError(w, http.StatusForbidden, httpx.MsgForbidden)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.svc.DeleteImage(r.Context(), uid, id); err != nil {
		writeFailure(w, uid, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

type completionRequest struct {
	UID    string `json:"uid"`
	Prompt string `json:"prompt"`
}

func (h *Handler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := httpx.DecodeJSON(w, r, httpx.MaxJSONBody, &req); err != nil {
		httpx.WriteError(w, httpx.DecodeStatus(err), "invalid request body")
		return
	}
	uid, ok := httpx.ResolveUID(r.Context(), req.UID)
	if !ok {
		httpx.WriteError(w, http.StatusForbidden, httpx.MsgForbidden)
		return
	}
	ctx := events.WithSession(r.Context(), uid, uuid.NewString())
	reply, err := h.svc.Complete(ctx, uid, req.Prompt)
	if err != nil {
		writeFailure(w, uid, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"response": reply})
}

type editRequest struct {
	UID         string `json:"uid"`
	Input       string `json:"input"`
	Instruction string `json:"instruction"`
}

func (h *Handler) HandleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := httpx.DecodeJSON(w, r, httpx.MaxJSONBody, &req); err != nil {
		httpx.WriteError(w, httpx.DecodeStatus(err), "invalid request body")
		return
	}
	uid, ok := httpx.ResolveUID(r.Context(), req.UID)
	if !ok {
		httpx.WriteError(w, http.StatusForbidden, httpx.MsgForbidden)
		return
	}
	ctx := events.WithSession(r.Context(), uid, uuid.NewString())
	reply, err := h.svc.EditText(ctx, uid, req.Input, req.Instruction)
	if err != nil {
		writeFailure(w, uid, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"response": reply})
}

func writeFailure(w http.ResponseWriter, uid string, err error) {
	var ie *invoke.Error
	switch {
	case errors.Is(err, ErrNoCredits):
		httpx.WriteError(w, http.StatusPaymentRequired, ErrNoCredits.Error())
	case errors.Is(err, ErrUnknownRequestType), errors.Is(err, ErrUnknownProvider), errors.Is(err, ErrInvalidID):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ie):
		httpx.WriteError(w, httpx.UpstreamStatus(ie.Code), ie.Text())
	default:
		log.Printf("extension: request of %s: %v", uid, err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"buzzmatch/internal/app"
	"buzzmatch/internal/domain"

	"github.com/go-chi/chi"
	log "github.com/sirupsen/logrus"
)

// Handler exposes the match engine over a polling-friendly JSON API. Every
// request is a single round trip; retries are safe because the store-level
// CAS rejects late ones instead of corrupting state.
type Handler struct {
	service *app.MatchService
}

func NewHandler(service *app.MatchService) *Handler {
	return &Handler{service: service}
}

type createMatchRequest struct {
	Category      string `json:"category"`
	Difficulty    string `json:"difficulty"`
	QuestionCount int    `json:"questionCount"`
	HostName      string `json:"hostName"`
}

type joinRequest struct {
	MatchID  string `json:"matchId"`
	JoinCode string `json:"joinCode"`
	Name     string `json:"name"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type answerRequest struct {
	Token       string `json:"token"`
	AnswerIndex *int   `json:"answerIndex"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorBody struct {
	Kind   domain.Kind `json:"kind"`
	Reason string      `json:"reason"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (h *Handler) CreateMatch(w http.ResponseWriter, r *http.Request) {
	var req createMatchRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.service.CreateMatch(r.Context(), app.CreateMatchInput{
		Category:      req.Category,
		Difficulty:    req.Difficulty,
		QuestionCount: req.QuestionCount,
		HostName:      req.HostName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.service.Join(r.Context(), app.JoinInput{
		MatchID:  req.MatchID,
		JoinCode: req.JoinCode,
		Name:     req.Name,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.Start(r.Context(), chi.URLParam(r, "matchID"), req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) Buzz(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.Buzz(r.Context(), chi.URLParam(r, "matchID"), req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AnswerIndex == nil {
		writeError(w, domain.Invalid("answerIndex is required"))
		return
	}
	result, err := h.service.Answer(r.Context(), chi.URLParam(r, "matchID"), req.Token, *req.AnswerIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.State(r.Context(), chi.URLParam(r, "matchID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, domain.Invalid("malformed request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.ErrorKind(err)
	body := errorBody{Kind: kind, Reason: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		body.Reason = de.Reason
	}
	if kind == domain.KindInternal {
		// Storage details stay in logs.
		log.WithError(err).Error("internal error")
		body.Reason = "internal error"
	}
	writeJSON(w, statusOf(kind), errorResponse{Error: body})
}

func statusOf(kind domain.Kind) int {
	switch kind {
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvalid:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/portunus-nfc/internal/notify"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/service"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

// handleCreateCard registers a blank card.  A reader in enrollment posts it
// with its token; an operator may post it without one.
func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req types.CreateCardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	deviceID := req.DeviceID
	if dev := DeviceFromContext(r.Context()); dev != nil {
		deviceID = dev.DeviceID
	}

	card, err := s.cards.CreateCard(r.Context(), deviceID, req.CardUID, req.Label)
	if err != nil {
		s.cardError(r.Context(), w, "create card", err)
		return
	}
	s.cardChanged(r.Context(), "created", card)
	writeJSON(w, http.StatusCreated, card)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f types.CardFilter
	if v := q.Get("status"); v != "" {
		st := types.CardStatus(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, service.ErrValidation.Code, "status must be one of active, inactive, revoked")
			return
		}
		f.Status = &st
	}
	if v := q.Get("enroll_mode"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, service.ErrValidation.Code, "enroll_mode must be true or false")
			return
		}
		f.EnrollMode = &b
	}
	if q.Has("user_id") {
		v := q.Get("user_id")
		f.UserID = &v
	}

	cards, err := s.cards.ListCards(r.Context(), f)
	if err != nil {
		s.cardError(r.Context(), w, "list cards", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cards, "total": len(cards)})
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.cards.GetCardByID(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		s.cardError(r.Context(), w, "get card", err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	var patch types.CardPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	card, err := s.cards.UpdateCard(r.Context(), chi.URLParam(r, "cardID"), patch)
	if err != nil {
		s.cardError(r.Context(), w, "update card", err)
		return
	}
	s.cardChanged(r.Context(), "updated", card)
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cardID")
	if err := s.cards.DeleteCard(r.Context(), id); err != nil {
		s.cardError(r.Context(), w, "delete card", err)
		return
	}
	s.cardChanged(r.Context(), "deleted", types.Card{CardID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignCard(w http.ResponseWriter, r *http.Request) {
	var req types.AssignCardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, service.ErrValidation.Code, "user_id is required")
		return
	}
	card, err := s.cards.AssignUserToCard(r.Context(), chi.URLParam(r, "cardID"), req.UserID, req.Policy)
	if err != nil {
		s.cardError(r.Context(), w, "assign card", err)
		return
	}
	s.cardChanged(r.Context(), "assigned", card)
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleRevokeCard(w http.ResponseWriter, r *http.Request) {
	var req types.RevokeCardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	card, err := s.cards.RevokeCard(r.Context(), chi.URLParam(r, "cardID"), req.Reason)
	if err != nil {
		s.cardError(r.Context(), w, "revoke card", err)
		return
	}
	s.cardChanged(r.Context(), "revoked", card)
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleReactivateCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.cards.ReactivateCard(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		s.cardError(r.Context(), w, "reactivate card", err)
		return
	}
	s.cardChanged(r.Context(), "reactivated", card)
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) cardError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	if service.ErrorCode(err) == "" {
		s.logger.ErrorContext(ctx, op+" failed", "error", err)
	}
	writeServiceError(w, err)
}

func (s *Server) cardChanged(ctx context.Context, action string, card types.Card) {
	if err := s.notifier.Broadcast(ctx, notify.EventCardUpdated, map[string]any{
		"action": action,
		"card":   card,
	}); err != nil {
		s.logger.DebugContext(ctx, "card event broadcast failed", "card_id", card.CardID, "error", err)
	}
}

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/shopkeeper/internal/escalation"
)

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Reindex(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Statistics(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	tickets, err := s.svc.ActiveTickets(r.Context(), limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []escalation.Ticket{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

func (s *Server) handleUpdateTicket(w http.ResponseWriter, r *http.Request) {
	var upd escalation.Update
	if err := decodeJSON(r, &upd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ticket, err := s.svc.UpdateTicket(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleDeliveryGaps(w http.ResponseWriter, _ *http.Request) {
	gaps := s.svc.DeliveryGaps()
	if gaps == nil {
		gaps = []escalation.DeliveryGap{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"gaps": gaps})
}

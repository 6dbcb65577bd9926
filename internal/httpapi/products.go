package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/recommend"
)

func respondProducts(w http.ResponseWriter, r *http.Request, products []recommend.Scored, err error) {
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if products == nil {
		products = []recommend.Scored{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	products, err := s.svc.TrendingProducts(r.Context(), limit)
	respondProducts(w, r, products, err)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	maxPrice, err := strconv.ParseFloat(strings.TrimSpace(r.URL.Query().Get("max_price")), 64)
	if err != nil {
		respondServiceError(w, r, apperr.Validation("max_price must be a number"))
		return
	}
	products, err := s.svc.BudgetProducts(r.Context(), maxPrice, limit)
	respondProducts(w, r, products, err)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	products, err := s.svc.SimilarProducts(r.Context(), chi.URLParam(r, "id"), limit)
	respondProducts(w, r, products, err)
}

func (s *Server) handleRecommended(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	products, err := s.svc.RecommendedProducts(r.Context(), chi.URLParam(r, "id"), limit)
	respondProducts(w, r, products, err)
}

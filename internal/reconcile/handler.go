// internal/reconcile/handler.go
package reconcile

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the write endpoints below /agencies.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/agencies/{agency}/update", h.handleUpdate)
	r.Post("/agencies/{agency}/records/{record}/complete", h.handleComplete)
	r.Post("/agencies/{agency}/records/{record}/online", h.handleOnline)
}

// RateLimit rejects requests with 429 once the limiter is exhausted.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func agencyParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	agency, err := strconv.Atoi(chi.URLParam(r, "agency"))
	if err != nil {
		http.Error(w, "invalid agency id", http.StatusBadRequest)
		return 0, false
	}
	return agency, true
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	agency, ok := agencyParam(w, r)
	if !ok {
		return
	}
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.AgencyID = agency
	writeResult(w, h.service.Update(r.Context(), req))
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	agency, ok := agencyParam(w, r)
	if !ok {
		return
	}
	var req struct {
		TrackingID string       `json:"trackingId"`
		Modified   time.Time    `json:"modified"`
		Note       string       `json:"note"`
		Issues     []IssueInput `json:"issues"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeResult(w, h.service.Complete(r.Context(), CompleteRequest{
		AgencyID:   agency,
		TrackingID: req.TrackingID,
		Record: RecordInput{
			BibliographicRecordID: chi.URLParam(r, "record"),
			Modified:              req.Modified,
			Note:                  req.Note,
			Issues:                req.Issues,
		},
	}))
}

func (h *Handler) handleOnline(w http.ResponseWriter, r *http.Request) {
	agency, ok := agencyParam(w, r)
	if !ok {
		return
	}
	var req struct {
		TrackingID       string    `json:"trackingId"`
		Modified         time.Time `json:"modified"`
		HasOnlineHolding bool      `json:"hasOnlineHolding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeResult(w, h.service.Online(r.Context(), OnlineRequest{
		AgencyID:              agency,
		TrackingID:            req.TrackingID,
		BibliographicRecordID: chi.URLParam(r, "record"),
		Modified:              req.Modified,
		HasOnlineHolding:      req.HasOnlineHolding,
	}))
}

func writeResult(w http.ResponseWriter, res Result) {
	w.Header().Set("Content-Type", "application/json")
	switch res.Status {
	case StatusValidationError:
		w.WriteHeader(http.StatusBadRequest)
	case StatusInternalError:
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(res)
}

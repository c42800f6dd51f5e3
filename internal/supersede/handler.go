// internal/supersede/handler.go
package supersede

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/blake2b"

	"holdingsitems/internal/holdings"
)

type Handler struct {
	resolver *Resolver
}

func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// Routes mounts the read endpoint and the edge write endpoint.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/agencies/{agency}/records/{record}", h.handleGet)
	r.Put("/supersedes/{superseded}", h.handlePut)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	agency, err := strconv.Atoi(chi.URLParam(r, "agency"))
	if err != nil {
		http.Error(w, "invalid agency id", http.StatusBadRequest)
		return
	}

	merged, err := h.resolver.Resolve(r.Context(), agency, chi.URLParam(r, "record"))
	if errors.Is(err, holdings.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(merged); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	etag := ETag(body.Bytes())
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body.Bytes())
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Superseding string    `json:"superseding"`
		Modified    time.Time `json:"modified"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := h.resolver.Supersede(r.Context(), holdings.Supersedes{
		Superseded:  chi.URLParam(r, "superseded"),
		Superseding: req.Superseding,
		Modified:    req.Modified,
	})
	if errors.Is(err, holdings.ErrValidation) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ETag quotes the first 128 bits of the BLAKE2b-256 digest of body.
func ETag(body []byte) string {
	sum := blake2b.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

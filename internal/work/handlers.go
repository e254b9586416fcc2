package work

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handlers provides HTTP handlers for the work processor
type Handlers struct {
	processor *Processor
	registry  *Registry
}

// NewHandlers creates new HTTP handlers for the work processor
func NewHandlers(processor *Processor, registry *Registry) *Handlers {
	return &Handlers{
		processor: processor,
		registry:  registry,
	}
}

// RegisterRoutes registers HTTP routes for work management under /work of r
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/work", func(r chi.Router) {
		r.Get("/types", h.ListWorkTypes)
		r.Get("/", h.GetStatus)
		r.Get("/{id}", h.GetItem)
		r.Post("/{id}/cancel", h.CancelItem)
	})
}

// ListWorkTypes returns all registered work types
func (h *Handlers) ListWorkTypes(w http.ResponseWriter, r *http.Request) {
	types := h.registry.List()

	response := make([]map[string]any, 0, len(types))
	for _, wt := range types {
		response = append(response, map[string]any{
			"id":          wt.ID,
			"description": wt.Description,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// GetStatus returns the active item and recent history
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.processor.Snapshot())
}

// GetItem returns one work item
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	item, ok := h.processor.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// CancelItem cancels a queued or running item
func (h *Handlers) CancelItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.processor.Cancel(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "canceling",
		"id":     id,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

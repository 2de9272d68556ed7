package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lehigh-university-libraries/schematism/internal/canon"
	"github.com/lehigh-university-libraries/schematism/internal/models"
	"github.com/lehigh-university-libraries/schematism/internal/vocab"
)

const maxRequestBytes = 1 << 20

// ResolveRequest maps raw values for one record. Fields lists the fields to
// resolve and defaults to every field present in Values.
type ResolveRequest struct {
	Values map[string]*string `json:"values"`
	Fields []string           `json:"fields,omitempty"`
}

type ResolveResponse struct {
	Resolved map[string]canon.Resolved `json:"resolved"`
}

type VocabularyResponse struct {
	Field   string        `json:"field"`
	Parent  string        `json:"parent,omitempty"`
	Values  []string      `json:"values"`
	Entries []vocab.Entry `json:"entries"`
}

// HandleResolve canonicalizes raw values in hierarchy order
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	raw := make(map[string]*string, len(req.Values))
	for field, v := range req.Values {
		if v != nil {
			raw[field] = models.CleanValue(*v)
		}
	}

	fields := req.Fields
	if len(fields) == 0 {
		for _, f := range h.mapper.Store().Fields() {
			if _, ok := req.Values[f]; ok {
				fields = append(fields, f)
			}
		}
		for f := range req.Values {
			if !h.mapper.Store().Has(f) {
				fields = append(fields, f)
			}
		}
	}
	if len(fields) == 0 {
		h.writeError(w, "No fields to resolve", http.StatusBadRequest)
		return
	}

	resolved, err := h.mapper.ResolveAll(raw, fields)
	if err != nil {
		if canon.IsMappingError(err) {
			h.writeError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.writeError(w, "Failed to resolve values: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, ResolveResponse{Resolved: resolved})
}

// HandleVocabulary lists the canonical entries of a field, scoped to the
// parent query parameter when given.
func (h *Handler) HandleVocabulary(w http.ResponseWriter, r *http.Request) {
	field := r.PathValue("field")
	parent := r.URL.Query().Get("parent")

	var entries []vocab.Entry
	var err error
	if parent != "" {
		entries, err = h.mapper.Store().LookupScoped(field, parent)
	} else {
		entries, err = h.mapper.Store().Lookup(field)
	}

	switch {
	case errors.Is(err, vocab.ErrUnknownField):
		h.writeError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, vocab.ErrNoParent):
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if entries == nil {
		entries = []vocab.Entry{}
	}
	h.writeJSON(w, VocabularyResponse{
		Field:   field,
		Parent:  parent,
		Values:  vocab.Values(entries),
		Entries: entries,
	})
}

package endpoint

import (
	"encoding/json"
	"net/http"
)

// JSONRenderer serializes Value as JSON.
//
// If Status is 0, it defaults to http.StatusOK. The encoder does not escape
// HTML and appends a trailing newline.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOr(jr.Status, http.StatusOK))
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(jr.Value)
}

// RawJSONRenderer writes an already-encoded JSON document.
type RawJSONRenderer struct {
	Status int
	Body   []byte
}

func (rr *RawJSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOr(rr.Status, http.StatusOK))
	_, err := w.Write(rr.Body)
	return err
}

// NoContentRenderer writes a response with no body.
//
// If Status is 0, it defaults to http.StatusNoContent.
type NoContentRenderer struct {
	Status int
}

func (ncr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(statusOr(ncr.Status, http.StatusNoContent))
	return nil
}

func statusOr(status, def int) int {
	if status == 0 {
		return def
	}
	return status
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"vodpipe/internal/errs"
)

// WriteJSON encodes payload with status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes {"error": message} with the status derived from err's
// kind. Server side failures never leak their message.
func WriteError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	if kind == errs.Unauthenticated {
		w.Header().Set("WWW-Authenticate", `Bearer realm="vodpipe"`)
	}
	WriteJSON(w, status, map[string]string{"error": errs.PublicMessage(err)})
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": fmt.Sprintf("method %s not allowed", r.Method)})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errs.New(errs.Validation, "request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.New(errs.Validation, "request body is required")
		}
		return errs.Wrap(errs.Validation, err, fmt.Sprintf("invalid JSON payload: %v", err))
	}
	return nil
}

const maxJSONBytes = 1 << 20

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/translog"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeFault answers with the status and public message of err's kind.
// Internal detail never reaches the body.
func writeFault(w http.ResponseWriter, err error) {
	k := fault.KindOf(err)
	writeError(w, k.HTTPStatus(), k.PublicMessage())
}

// mapLogError translates translog sentinels for the log service.
func mapLogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, translog.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, translog.ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Package jsonerr writes JSON error bodies for the HTTP API, per spec §6's
// `{error, detail?}` wire contract and §7's failure taxonomy.
package jsonerr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ciscopsirt/matchd"
)

// Response is the wire shape of an error response: a short machine-readable
// error string and an optional human-readable detail. Stack traces and
// credentials never belong in either field.
type Response struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Error works like http.Error but uses our response
// struct as the body of the response. Like http.Error
// you will still need to call a naked return in the http handler
func Error(w http.ResponseWriter, r *Response, httpcode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpcode)
	b, _ := json.Marshal(r)

	w.Write(b)
}

// statusFor maps a matchd.ErrorKind to the HTTP status §7 assigns it.
// Kinds recovered internally (ErrTransient) or resolved to a 200-with-
// needs_review response (ErrTimeout in the inference path) should never
// reach here still carrying those kinds; they default to 500 if they do.
func statusFor(kind matchd.ErrorKind) int {
	switch kind {
	case matchd.ErrBadInput, matchd.ErrCorrupt:
		return http.StatusBadRequest
	case matchd.ErrNotFound:
		return http.StatusNotFound
	case matchd.ErrUnauthorized:
		return http.StatusForbidden
	case matchd.ErrRateLimited:
		return http.StatusTooManyRequests
	case matchd.ErrTimeout:
		return http.StatusGatewayTimeout
	case matchd.ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError inspects err for a *matchd.Error and writes the wire response
// and status code §7 specifies for its kind, falling back to a generic 500
// for errors that never passed through the matchd.Error taxonomy.
func WriteError(w http.ResponseWriter, err error) {
	var merr *matchd.Error
	if errors.As(err, &merr) {
		Error(w, &Response{Error: string(merr.Kind), Detail: merr.Message}, statusFor(merr.Kind))
		return
	}
	Error(w, &Response{Error: "internal", Detail: err.Error()}, http.StatusInternalServerError)
}

// Package api serves the ledger, policy and decision endpoints over HTTP.
// Every error response is an RFC 7807 problem document.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes the decision trace, when the request carried one.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("urn:tradegate:problem:%d", status)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   problemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR is WriteError enriched with the request path and trace id.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  r.Header.Get(HeaderTraceID),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteUnavailable writes a 503 naming the failed dependency. Callers
// must not retry blindly: nothing was decided.
func WriteUnavailable(w http.ResponseWriter, r *http.Request, component string, err error) {
	slog.ErrorContext(r.Context(), "dependency unavailable", "component", component, "path", r.URL.Path, "error", err)
	WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", component+" unavailable (fail-closed)")
}

// WriteInternal writes a 500. err is logged and never sent to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

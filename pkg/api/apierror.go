// Package api — HTTP surface of the authorization pipeline. Errors are
// RFC 7807 Problem Details; pipeline error codes map onto HTTP status.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vvault-systems/warden/pkg/manifest"
	"github.com/vvault-systems/warden/pkg/registry"
	"github.com/vvault-systems/warden/pkg/service"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Code carries the pipeline error code, e.g. "invalid_status".
	Code string `json:"code,omitempty"`
	// ManifestStatus is set on state-conflict errors.
	ManifestStatus string `json:"manifest_status,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://warden.vvault.systems/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WritePipelineError maps a pipeline error onto HTTP and writes it.
func WritePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	code := manifest.ErrCode(err)
	status := statusFor(code)
	title := http.StatusText(status)

	p := &ProblemDetail{
		Type:     "https://warden.vvault.systems/errors/" + nonEmpty(code, fmt.Sprint(status)),
		Title:    title,
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
		Code:     code,
	}
	if e, ok := err.(*manifest.Error); ok && e.Status != "" {
		p.ManifestStatus = string(e.Status)
	}
	if status == http.StatusInternalServerError {
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		p.Detail = "An unexpected error occurred."
	}
	writeProblem(w, p)
}

// statusFor is the single mapping from pipeline error codes to HTTP
// status codes.
func statusFor(code string) int {
	switch code {
	case manifest.ErrCodeNotFound:
		return http.StatusNotFound
	case manifest.ErrCodeInvalidStatus, manifest.ErrCodeNotPreviewable, manifest.ErrCodeNotReversible:
		return http.StatusConflict
	case manifest.ErrCodeExpired:
		return http.StatusGone
	case manifest.ErrCodeMaxPendingExceeded, service.ErrCodeThrottled:
		return http.StatusTooManyRequests
	case manifest.ErrCodeExecutionDenied,
		registry.ReasonUnknownScope, registry.ReasonInvalidScope,
		registry.ReasonNoGrant, registry.ReasonSuspended, registry.ReasonScopeNotGranted:
		return http.StatusForbidden
	case manifest.ErrCodeSpoolWrite:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

func nonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

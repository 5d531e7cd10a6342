// Package identity resolves the contractor behind a request.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

const (
	ContractorHeaderName = "X-Contractor-ID"
	ContractorQueryParam = "contractor_id"
)

type contextKey int

const (
	contractorIDKey contextKey = iota
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ContractorIDFromContext extracts the contractor ID from the request context.
// It returns 0 when the request was not authenticated.
func ContractorIDFromContext(ctx context.Context) int64 {
	if v, ok := ctx.Value(contractorIDKey).(int64); ok {
		return v
	}
	return 0
}

// WithContractorID returns a copy of ctx carrying contractorID.
func WithContractorID(ctx context.Context, contractorID int64) context.Context {
	return context.WithValue(ctx, contractorIDKey, contractorID)
}

// ParseContractorID parses a positive contractor id.
func ParseContractorID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// SanitizeSessionID trims id and reports whether it is an acceptable
// session identifier.
func SanitizeSessionID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if !sessionIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

func contractorIDFromRequest(r *http.Request) string {
	raw := r.Header.Get(ContractorHeaderName)
	if raw == "" {
		raw = r.URL.Query().Get(ContractorQueryParam)
	}
	return raw
}

// Middleware requires a contractor id on every request. In dev mode requests
// without one are attributed to devContractorID.
func Middleware(isDev bool, devContractorID int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := contractorIDFromRequest(r)
			contractorID, ok := ParseContractorID(raw)
			if !ok && raw == "" && isDev && devContractorID > 0 {
				contractorID, ok = devContractorID, true
			}
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error":"missing or invalid contractor id"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithContractorID(r.Context(), contractorID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

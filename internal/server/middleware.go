package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vanshika/fintrace/riskpipe/internal/auth"
)

// Verifier authenticates signed requests.
type Verifier interface {
	Verify(ctx context.Context, req auth.SignedRequest) (string, error)
}

type ctxKey int

const (
	clientIDKey ctxKey = iota
	requestInfoKey
)

// requestInfo is shared between the access log and inner middleware, which only
// see derived request contexts.
type requestInfo struct {
	clientID string
}

// ClientID returns the authenticated caller, if any.
func ClientID(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey).(string); ok {
		return id
	}
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		return info.clientID
	}
	return ""
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			info := &requestInfo{}
			r = r.WithContext(context.WithValue(r.Context(), requestInfoKey, info))
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.InfoContext(r.Context(), "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"client_id", ClientID(r.Context()),
			)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// authMiddleware reads the body once, verifies the signature over those bytes and
// hands the same bytes to the next handler.
func authMiddleware(verifier Verifier, maxBody int64, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				writeError(w, http.StatusBadRequest, "could not read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			clientID, err := verifier.Verify(r.Context(), auth.FromHTTP(r, body))
			if err != nil {
				if auth.IsAuthError(err) {
					writeError(w, http.StatusUnauthorized, auth.Reason(err))
					return
				}
				logger.ErrorContext(r.Context(), "authentication backend failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, auth.Reason(err))
				return
			}

			if info, ok := r.Context().Value(requestInfoKey).(*requestInfo); ok {
				info.clientID = clientID
			}
			ctx := context.WithValue(r.Context(), clientIDKey, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

var cardNumberRegex = regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?(\d{4})\b`)

// maskCardNumbers rewrites 16-digit card numbers, keeping the last four digits. Digit
// groups that continue a longer hyphenated token, such as a UUID, are left alone.
func maskCardNumbers(body []byte) []byte {
	matches := cardNumberRegex.FindAllSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return body
	}
	out := make([]byte, 0, len(body))
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if joinsToken(body, start, end) {
			continue
		}
		out = append(out, body[last:start]...)
		out = append(out, "XXXX-XXXX-XXXX-"...)
		out = append(out, body[m[2]:m[3]]...)
		last = end
	}
	return append(out, body[last:]...)
}

func joinsToken(b []byte, start, end int) bool {
	if start >= 2 && b[start-1] == '-' && isWordByte(b[start-2]) {
		return true
	}
	return end+1 < len(b) && b[end] == '-' && isWordByte(b[end+1])
}

func isWordByte(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// dlpMiddleware masks card numbers in JSON responses before they leave the process.
func dlpMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := &bufferedWriter{header: w.Header(), status: http.StatusOK}
		next.ServeHTTP(buf, r)

		body := buf.body.Bytes()
		if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
			body = maskCardNumbers(body)
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		}
		w.WriteHeader(buf.status)
		_, _ = w.Write(body)
	})
}

type bufferedWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.status = status
	b.wroteHeader = true
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}

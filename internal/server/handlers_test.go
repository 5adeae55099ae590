package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/vanshika/fintrace/riskpipe/internal/analytics"
	"github.com/vanshika/fintrace/riskpipe/internal/auth"
	"github.com/vanshika/fintrace/riskpipe/internal/domain"
	"github.com/vanshika/fintrace/riskpipe/internal/service"
)

const (
	testClient = "mumbai-hacks-client-001"
	testSecret = "super_secret_hackathon_key"
)

type stubSubmitter struct {
	bodies [][]byte
	id     string
	err    error
}

func (s *stubSubmitter) Submit(_ context.Context, body []byte) (service.Accepted, error) {
	if s.err != nil {
		return service.Accepted{}, s.err
	}
	s.bodies = append(s.bodies, body)
	id := s.id
	if id == "" {
		id = "TXN-1"
	}
	return service.Accepted{TxnID: id, Status: service.StatusPending, Message: "queued"}, nil
}

type stubGraph struct {
	fan   analytics.FanIn
	cycle domain.Cycle
}

func (g stubGraph) FanIn(_ context.Context, userID string) (analytics.FanIn, error) {
	f := g.fan
	f.UserID = userID
	return f, nil
}

func (g stubGraph) Cycle(context.Context, string) (domain.Cycle, error) { return g.cycle, nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(sub Submitter, graph GraphReader, health HealthService) http.Handler {
	return newLoggedRouter(discardLogger(), sub, graph, health)
}

func newLoggedRouter(logger *slog.Logger, sub Submitter, graph GraphReader, health HealthService) http.Handler {
	verifier := auth.NewAuthenticator(auth.NewStaticSecrets(map[string]string{testClient: testSecret}), logger)
	return NewRouter(logger, RouterDependencies{
		Health:   health,
		API:      NewAPIHandlers(logger, sub, graph),
		Verifier: verifier,
		Metrics:  metrics.NewRegistry(),
	})
}

func signedRequest(method, path string, body []byte) *http.Request {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderClientID, testClient)
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderSignature, auth.Sign(testSecret, ts, method, path, body))
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAssessAcceptsSignedRequest(t *testing.T) {
	sub := &stubSubmitter{}
	router := newTestRouter(sub, nil, nil)
	body := []byte(`{"userId":"U1","receiverId":"U2","amount":15000,"currency":"INR"}`)

	for _, path := range []string{"/transaction/assess", "/v1/transaction/assess"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, signedRequest(http.MethodPost, path, body))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d (%s)", path, rec.Code, rec.Body.String())
		}
		got := decodeBody(t, rec)
		if got["status"] != "PENDING" || got["txnId"] != "TXN-1" {
			t.Fatalf("unexpected response %v", got)
		}
	}
	if len(sub.bodies) != 2 || !bytes.Equal(sub.bodies[0], body) {
		t.Fatalf("handler must receive the signed bytes, got %q", sub.bodies)
	}
}

func TestAssessRejectsUnauthenticated(t *testing.T) {
	body := []byte(`{"userId":"U1","receiverId":"U2","amount":1}`)
	cases := []struct {
		name   string
		mutate func(*http.Request)
		want   string
	}{
		{"missing headers", func(r *http.Request) { r.Header.Del(auth.HeaderSignature) }, "Missing Security Headers (x-client-id, x-timestamp, x-signature)"},
		{"unknown client", func(r *http.Request) { r.Header.Set(auth.HeaderClientID, "someone-else") }, "Invalid Client ID"},
		{"expired", func(r *http.Request) {
			r.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(time.Now().Add(-10*time.Minute).UnixMilli(), 10))
		}, "Request Expired (Check System Clock)"},
		{"tampered", func(r *http.Request) {
			r.Body = io.NopCloser(strings.NewReader(`{"userId":"U1","receiverId":"U2","amount":2}`))
		}, "Invalid HMAC Signature"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &stubSubmitter{}
			router := newTestRouter(sub, nil, nil)
			req := signedRequest(http.MethodPost, "/transaction/assess", body)
			tc.mutate(req)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if got := decodeBody(t, rec)["error"]; got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
			if len(sub.bodies) != 0 {
				t.Fatal("unauthenticated request reached intake")
			}
		})
	}
}

func TestAssessMapsIntakeErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&service.ValidationError{Field: "userId", Reason: "is required"}, http.StatusBadRequest},
		{errors.New("redis down"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		router := newTestRouter(&stubSubmitter{err: tc.err}, nil, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, signedRequest(http.MethodPost, "/transaction/assess", []byte(`{}`)))
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
	}
}

func TestHealthIsPublic(t *testing.T) {
	router := newTestRouter(&stubSubmitter{}, nil, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "OK" {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}

	degraded := newTestRouter(&stubSubmitter{}, nil, ProbeFunc(func(context.Context) error { return errors.New("neo4j unreachable") }))
	rec = httptest.NewRecorder()
	degraded.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for failed probe, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	metrics.GetOrRegisterCounter("pipeline.processed", reg).Inc(3)
	router := NewRouter(discardLogger(), RouterDependencies{Metrics: reg})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	got := decodeBody(t, rec)
	counter, ok := got["pipeline.processed"].(map[string]any)
	if !ok || counter["count"] != float64(3) {
		t.Fatalf("unexpected metrics payload %v", got)
	}
}

func TestGraphEndpoints(t *testing.T) {
	graph := stubGraph{fan: analytics.FanIn{InDegree: 6, FraudScore: 0.5}, cycle: domain.Cycle{"A", "B", "C", "A"}}
	router := newTestRouter(&stubSubmitter{}, graph, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(http.MethodGet, "/graph/users/A/fan-in", nil))
	got := decodeBody(t, rec)
	if rec.Code != http.StatusOK || got["userId"] != "A" || got["fraudScore"] != 0.5 {
		t.Fatalf("unexpected fan-in response %d %v", rec.Code, got)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(http.MethodGet, "/graph/users/A/cycle", nil))
	got = decodeBody(t, rec)
	if rec.Code != http.StatusOK || got["length"] != float64(3) {
		t.Fatalf("unexpected cycle response %d %v", rec.Code, got)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/graph/users/A/cycle", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("graph endpoints require a signature, got %d", rec.Code)
	}
}

func TestMaskCardNumbers(t *testing.T) {
	in := []byte(`{"card":"4111 1111 1111 1234","alt":"4111-1111-1111-9876","raw":"4111111111115555","txn":"TXN-12345"}`)
	out := string(maskCardNumbers(in))
	for _, want := range []string{"XXXX-XXXX-XXXX-1234", "XXXX-XXXX-XXXX-9876", "XXXX-XXXX-XXXX-5555", "TXN-12345"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %s", want, out)
		}
	}
	if strings.Contains(out, "4111") {
		t.Fatalf("card prefix leaked: %s", out)
	}
}

func TestResponsesAreMasked(t *testing.T) {
	sub := &stubSubmitter{err: &service.ValidationError{Field: "card 4111111111111234", Reason: "is not allowed"}}
	router := newTestRouter(sub, nil, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(http.MethodPost, "/transaction/assess", []byte(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "4111111111111234") || !strings.Contains(rec.Body.String(), "XXXX-XXXX-XXXX-1234") {
		t.Fatalf("response not masked: %s", rec.Body.String())
	}
}

func TestMaskCardNumbersKeepsUUIDs(t *testing.T) {
	const id = "12345678-1234-4234-9234-123456789012"
	in := []byte(`{"txnId":"` + id + `","card":"4111 1111 1111 4321"}`)
	out := string(maskCardNumbers(in))
	if !strings.Contains(out, id) {
		t.Fatalf("uuid was rewritten: %s", out)
	}
	if !strings.Contains(out, "XXXX-XXXX-XXXX-4321") || strings.Contains(out, "4111 1111") {
		t.Fatalf("card not masked next to uuid: %s", out)
	}
}

func TestAcceptedUUIDTxnIDIsNotMasked(t *testing.T) {
	const id = "12345678-1234-4234-9234-123456789012"
	router := newTestRouter(&stubSubmitter{id: id}, nil, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(http.MethodPost, "/transaction/assess", []byte(`{"txnId":"`+id+`"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if got := decodeBody(t, rec); got["txnId"] != id {
		t.Fatalf("expected txnId %s echoed, got %v", id, got["txnId"])
	}
}

func TestAccessLogCarriesClientID(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	router := newLoggedRouter(logger, &stubSubmitter{}, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(http.MethodPost, "/transaction/assess", []byte(`{}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if entry["msg"] != "request completed" {
			continue
		}
		if entry["client_id"] != testClient {
			t.Fatalf("expected client_id %q, got %v", testClient, entry["client_id"])
		}
		return
	}
	t.Fatalf("no access log line in %s", logs.String())
}

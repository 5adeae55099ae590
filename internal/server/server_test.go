package server

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/vanshika/fintrace/riskpipe/internal/config"
)

func TestServerServesAndShutsDown(t *testing.T) {
	released := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/block" {
			<-r.Context().Done()
			close(released)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(discardLogger(), config.HTTPConfig{Host: "127.0.0.1"}, handler)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/ping")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	go func() {
		if resp, err := http.Get("http://" + srv.Addr() + "/block"); err == nil {
			resp.Body.Close()
		}
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = srv.Shutdown(ctx)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked handler was not released on shutdown")
	}
	if err := <-done; err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

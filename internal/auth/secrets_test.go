package auth

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisSecretStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mr.HSet("client_secrets", "c1", "s3cret")
	mr.HSet("client_secrets", "disabled", "")
	store := NewRedisSecretStore(client, "client_secrets")
	ctx := context.Background()

	secret, ok, err := store.Secret(ctx, "c1")
	if err != nil || !ok || secret != "s3cret" {
		t.Fatalf("unexpected lookup %q %v %v", secret, ok, err)
	}
	if _, ok, err := store.Secret(ctx, "unknown"); ok || err != nil {
		t.Fatalf("unknown client should be absent, got %v %v", ok, err)
	}
	if _, ok, _ := store.Secret(ctx, "disabled"); ok {
		t.Fatal("empty secret must not authenticate")
	}

	mr.SetError("LOADING")
	if _, _, err := store.Secret(ctx, "c1"); err == nil || IsAuthError(err) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

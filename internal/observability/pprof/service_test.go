package pprof

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	logx "taskbell/pkg/logx"
)

func get(t *testing.T, url, token string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, http.NoBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestReconfigureEnableDisable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := New(Config{}, logx.Nop())
	if err := s.Start(ctx); err != nil || s.Addr() != "" {
		t.Fatalf("disabled start: addr=%q err=%v", s.Addr(), err)
	}

	if err := s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "tok"}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("no address after enable")
	}
	if code := get(t, "http://"+addr+"/debug/pprof/", ""); code != http.StatusUnauthorized {
		t.Fatalf("without token status=%d", code)
	}
	if code := get(t, "http://"+addr+"/debug/pprof/", "tok"); code != http.StatusOK {
		t.Fatalf("with token status=%d", code)
	}

	if err := s.Reconfigure(ctx, Config{Enabled: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("still serving at %s", s.Addr())
	}
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: ":0"}, logx.Nop())
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err=%v", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}

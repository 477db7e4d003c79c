package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestGracefulShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = freePort(t)

	guardian, err := NewGuardian(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("Failed to create guardian: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := guardian.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait for the HTTP surface to come up.
	url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	start := time.Now()
	if err := guardian.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}

	if _, err := http.Get(url); err == nil {
		t.Error("expected server to be stopped")
	}
}

package server

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestReloaderDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policies.yaml")
	otherPath := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(policyPath, []byte("policies: []\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	r, err := NewReloader(map[string]ReloadFunc{
		policyPath: func(context.Context) error { calls.Add(1); return nil },
		"":         func(context.Context) error { t.Error("empty path must be ignored"); return nil },
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	r.delay = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(policyPath, []byte("policies: []\n# edit\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(otherPath, []byte("unrelated"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(250 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one debounced reload, got %d", got)
	}
}

package main

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"pocketshield/config"
	"pocketshield/engine"
	"pocketshield/logger"
	"pocketshield/rules"
	"pocketshield/store"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	logger.Init("error")
	base := t.TempDir()

	st, err := store.Open(filepath.Join(base, "db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Defaults()
	cfg.DBPath = filepath.Join(base, "db")
	cfg.QuarantineDir = filepath.Join(base, "vault")

	eng, err := engine.New(cfg, st, rules.Compile(rules.Defaults()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func TestHandleSignalEventReturnsAfterSignal(t *testing.T) {
	eng := testEngine(t)

	sigChan := make(chan os.Signal, 1)
	done := make(chan struct{})
	go func() {
		handleSignalEvent(eng, sigChan)
		close(done)
	}()

	sigChan <- syscall.SIGTERM

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler did not return")
	}
}

func TestProgressVisibleHonorsEnv(t *testing.T) {
	t.Setenv("POCKETSHIELD_DISABLE_PROGRESS", "")
	if !progressVisible() {
		t.Error("progress should be visible by default")
	}
	for _, v := range []string{"1", "true", "YES", "on"} {
		t.Setenv("POCKETSHIELD_DISABLE_PROGRESS", v)
		if progressVisible() {
			t.Errorf("progress should be hidden for %q", v)
		}
	}
}

func TestPrintReportHandlesNil(t *testing.T) {
	printReport(nil) // must not panic
}

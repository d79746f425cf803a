package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStopWithInfoIncludesDetail(t *testing.T) {
	ws := t.TempDir()
	if err := Initialize(ws, "info"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(Shutdown)

	timer := StartTimer(CategoryPool, "dispatch worker")
	elapsed := timer.StopWithInfo("agent=codex status=completed")
	if elapsed < 0 {
		t.Fatalf("elapsed = %v", elapsed)
	}
	Shutdown()

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(ws, ".substrate", "logs", fmt.Sprintf("%s_%s.log", date, CategoryPool))
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "dispatch worker completed in") {
		t.Errorf("operation missing from log line: %q", line)
	}
	if !strings.Contains(line, "agent=codex status=completed") {
		t.Errorf("info detail missing from log line: %q", line)
	}
}

func TestTimerStopIsQuietWhenDisabled(t *testing.T) {
	// Without an active Initialize, Stop must not panic and still returns
	// the elapsed time.
	timer := StartTimer(CategoryGraph, "noop")
	if elapsed := timer.Stop(); elapsed < 0 {
		t.Fatalf("elapsed = %v", elapsed)
	}
}

package heartbeat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteReadCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run", "heartbeat.json")

	probe := func() KernelStatus {
		return KernelStatus{State: "busy", ExecutionCount: 3, Holder: "execute", Waiters: 1, LastPump: time.Now()}
	}
	w := NewWriter(path, "127.0.0.1:18430", time.Minute, probe)
	w.Start()
	defer w.Stop()

	status, hb, err := Check(path, 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusAlive {
		t.Errorf("expected alive, got %s", status)
	}
	if hb == nil {
		t.Fatal("expected heartbeat, got nil")
	}
	if hb.PID != os.Getpid() {
		t.Errorf("PID: got %d, want %d", hb.PID, os.Getpid())
	}
	if hb.Addr != "127.0.0.1:18430" {
		t.Errorf("Addr: got %q", hb.Addr)
	}
	if hb.Uptime == "" {
		t.Error("expected non-empty uptime")
	}
	if hb.Kernel == nil || hb.Kernel.State != "busy" || hb.Kernel.ExecutionCount != 3 || hb.Kernel.Holder != "execute" {
		t.Errorf("kernel status: got %+v", hb.Kernel)
	}
	if hb.Wedged(time.Minute) {
		t.Error("fresh pump reported as wedged")
	}
}

func TestWithoutProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")
	w := NewWriter(path, "", 0, nil)
	w.Start()
	defer w.Stop()

	_, hb, err := Check(path, time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if hb.Kernel != nil {
		t.Errorf("expected no kernel status, got %+v", hb.Kernel)
	}
	if hb.Wedged(time.Second) {
		t.Error("heartbeat without kernel status reported as wedged")
	}
}

func TestStaleDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heartbeat.json")

	// Write a heartbeat file with an old timestamp directly
	old := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: time.Now().Add(-2 * time.Hour),
		Timestamp: time.Now().Add(-1 * time.Hour),
		Uptime:    "1h0m0s",
	}
	data, _ := json.Marshal(old)
	os.WriteFile(path, data, 0o644)

	// Check with maxAge shorter than the timestamp age
	status, hb, err := Check(path, 30*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusStale {
		t.Errorf("expected stale, got %s", status)
	}
	if hb == nil {
		t.Fatal("expected heartbeat, got nil")
	}
}

func TestWedgedDetection(t *testing.T) {
	now := time.Now()
	hb := Heartbeat{
		Timestamp: now,
		Kernel:    &KernelStatus{State: "busy", LastPump: now.Add(-10 * time.Minute)},
	}
	if !hb.Wedged(time.Minute) {
		t.Error("expected wedged interpreter")
	}
	if hb.Wedged(time.Hour) {
		t.Error("pump within maxAge reported as wedged")
	}
}

func TestDeadDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heartbeat.json")

	status, hb, err := Check(path, 2*time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != StatusDead {
		t.Errorf("expected dead, got %s", status)
	}
	if hb != nil {
		t.Errorf("expected nil heartbeat, got %+v", hb)
	}
}

func TestStopRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heartbeat.json")

	w := NewWriter(path, "", time.Minute, nil)
	w.Start()
	w.Stop()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected heartbeat file to be removed after Stop")
	}
}

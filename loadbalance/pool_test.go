package loadbalance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, dir string, services map[string]map[string]int) string {
	t.Helper()
	path := filepath.Join(dir, "endpoints.json")
	raw, err := json.Marshal(services)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPoolPickDistributesByWeight(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]map[string]int{
		"UserService": {":9001": 10, ":9002": 10},
	})

	pool, err := NewPool(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		addr, err := pool.Pick("UserService")
		if err != nil {
			t.Fatal(err)
		}
		counts[addr]++
	}
	if counts[":9001"] == 0 || counts[":9002"] == 0 {
		t.Fatalf("expected both endpoints to be picked, got %v", counts)
	}
}

func TestPoolPickExactWeightProportion(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]map[string]int{
		"svc": {"10.0.0.1:9000": 2, "10.0.0.2:9000": 1},
	})

	pool, err := NewPool(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	// The repetition list has exactly 3 slots (2 + 1), so any 300 consecutive picks
	// walk it 100 full times and land on an exact 200:100 split.
	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		addr, err := pool.Pick("svc")
		if err != nil {
			t.Fatal(err)
		}
		counts[addr]++
	}
	if counts["10.0.0.1:9000"] != 200 || counts["10.0.0.2:9000"] != 100 {
		t.Fatalf("expected exactly 200/100, got %v", counts)
	}
}

func TestPoolClampsWeights(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]map[string]int{
		"svc": {":9001": 500, ":9002": 0},
	})

	pool, err := NewPool(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	pool.mu.RLock()
	n := len(pool.repeated["svc"])
	pool.mu.RUnlock()
	// 500 clamps to 100 repetitions, 0 rises to 1.
	if n != 101 {
		t.Fatalf("expected 101 repetition slots after clamping, got %d", n)
	}
}

func TestPoolPickUnknownService(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]map[string]int{})
	pool, err := NewPool(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	_, err = pool.Pick("Nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown service")
	}
}

func TestPoolMissingConfigFileIsFatalAtStartup(t *testing.T) {
	_, err := NewPool(filepath.Join(t.TempDir(), "absent.json"), zap.NewNop(), nil)
	if err == nil {
		t.Fatal("expected a startup error for a missing config file")
	}
}

func TestPoolMarkBrokenSkipsQuarantinedEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]map[string]int{
		"UserService": {":9001": 1, ":9002": 1},
	})

	pool, err := NewPool(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	pool.MarkBroken(":9001")
	for i := 0; i < 20; i++ {
		addr, err := pool.Pick("UserService")
		if err != nil {
			t.Fatal(err)
		}
		if addr == ":9001" {
			t.Fatal("quarantined endpoint was picked")
		}
	}
}

func TestPoolAllEndpointsQuarantinedFallsBackToFirst(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]map[string]int{
		"UserService": {":9001": 1},
	})

	pool, err := NewPool(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	pool.MarkBroken(":9001")
	addr, err := pool.Pick("UserService")
	if err != nil {
		t.Fatalf("expected a last-resort fallback, got error: %v", err)
	}
	if addr != ":9001" {
		t.Fatalf("expected fallback to the first configured endpoint, got %q", addr)
	}
}

func TestPoolProberClearsQuarantine(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]map[string]int{
		"UserService": {":9001": 1},
	})

	alive := make(chan struct{})
	prober := func(addr string) bool {
		select {
		case <-alive:
			return true
		default:
			return false
		}
	}

	pool, err := NewPoolWithTick(path, zap.NewNop(), prober, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	pool.MarkBroken(":9001")
	close(alive)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := pool.broken.Load(":9001"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected quarantine to clear once prober reports the endpoint alive")
}

func TestPoolReloadsOnMtimeChangeAndKeepsQuarantine(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, map[string]map[string]int{
		"svc": {":9001": 1},
	})

	pool, err := NewPoolWithTick(path, zap.NewNop(), func(string) bool { return false }, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	pool.MarkBroken(":9001")

	raw, _ := json.Marshal(map[string]map[string]int{"svc": {":9001": 1, ":9002": 1}})
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	// os.WriteFile may land within the same mtime granularity as the original write;
	// nudge the mtime forward explicitly so the reload poll observes a change.
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pool.mu.RLock()
		n := len(pool.repeated["svc"])
		pool.mu.RUnlock()
		if n == 2 {
			if _, stillBroken := pool.broken.Load(":9001"); !stillBroken {
				t.Fatal("expected the quarantine set to survive a config reload")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the pool to pick up the rewritten config file")
}

package metrics

import (
	"testing"
	"time"
)

func resetReadiness() {
	readiness = &readinessTracker{
		components: make(map[string]componentHealth),
		startTime:  time.Now(),
	}
}

func TestUpdateComponent(t *testing.T) {
	resetReadiness()

	UpdateComponent("store", true, "running")

	if len(readiness.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(readiness.components))
	}

	comp := readiness.components["store"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}
	if comp.Message != "" && comp.Message != "running" {
		t.Errorf("unexpected message %q", comp.Message)
	}
}

func TestStatus_AllHealthy(t *testing.T) {
	resetReadiness()
	SetVersion("1.0.0")
	UpdateComponent("store", true, "")
	UpdateComponent("journal", true, "")
	UpdateComponent("lock", true, "")

	status := Status()
	if status.Status != "healthy" {
		t.Errorf("expected healthy, got %s", status.Status)
	}
	if status.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", status.Version)
	}
}

func TestStatus_OneUnhealthy(t *testing.T) {
	resetReadiness()
	UpdateComponent("store", true, "")
	UpdateComponent("lock", false, "lock timeout")

	status := Status()
	if status.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %s", status.Status)
	}
	if status.Components["lock"] != "unhealthy: lock timeout" {
		t.Errorf("unexpected lock component status: %s", status.Components["lock"])
	}
}

func TestReady_WaitsForAllSubsystems(t *testing.T) {
	resetReadiness()

	if ok, _ := Ready(); ok {
		t.Error("expected not ready before any subsystem reports")
	}

	UpdateComponent("store", true, "")
	UpdateComponent("journal", true, "")
	UpdateComponent("lock", true, "")

	ok, reason := Ready()
	if !ok {
		t.Errorf("expected ready, got not ready: %s", reason)
	}
}

func TestReady_UnhealthySubsystem(t *testing.T) {
	resetReadiness()
	UpdateComponent("store", true, "")
	UpdateComponent("journal", false, "disk full")
	UpdateComponent("lock", true, "")

	ok, reason := Ready()
	if ok {
		t.Error("expected not ready when journal is unhealthy")
	}
	if reason == "" {
		t.Error("expected a reason when not ready")
	}
}

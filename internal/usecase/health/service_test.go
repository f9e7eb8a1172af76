package health

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// --- Mocks ---

type mockDBPinger struct {
	err error
}

func (m *mockDBPinger) Ping(_ context.Context) error { return m.err }

type mockLoop struct {
	running bool
}

func (m *mockLoop) IsRunning() bool { return m.running }

// --- Tests ---

func TestCheck_AllHealthy(t *testing.T) {
	svc := New(&mockDBPinger{}, map[string]Loop{"calib_maker": &mockLoop{running: true}})
	r := svc.Check(context.Background())

	if r.Status != Healthy {
		t.Errorf("expected %q, got %q", Healthy, r.Status)
	}
	if r.Checks[CheckDatabase] != CheckOK {
		t.Errorf("expected database %q, got %q", CheckOK, r.Checks[CheckDatabase])
	}
	if r.Checks["calib_maker"] != CheckOK {
		t.Errorf("expected calib_maker %q, got %q", CheckOK, r.Checks["calib_maker"])
	}
}

func TestCheck_DBError(t *testing.T) {
	svc := New(&mockDBPinger{err: errors.New("conn refused")}, map[string]Loop{"ingestor": &mockLoop{running: true}})
	r := svc.Check(context.Background())

	if r.Status != Unhealthy {
		t.Errorf("expected %q, got %q", Unhealthy, r.Status)
	}
	if r.Checks[CheckDatabase] != CheckError {
		t.Errorf("expected database %q, got %q", CheckError, r.Checks[CheckDatabase])
	}
	if r.Checks["ingestor"] != CheckOK {
		t.Errorf("expected ingestor %q, got %q", CheckOK, r.Checks["ingestor"])
	}
}

func TestCheck_StoppedLoop(t *testing.T) {
	svc := New(&mockDBPinger{}, map[string]Loop{
		"ingestor":    &mockLoop{running: true},
		"calib_maker": &mockLoop{running: false},
	})
	r := svc.Check(context.Background())

	if r.Status != Degraded {
		t.Errorf("expected %q, got %q", Degraded, r.Status)
	}
	if r.Checks["calib_maker"] != CheckError {
		t.Errorf("expected calib_maker %q, got %q", CheckError, r.Checks["calib_maker"])
	}
}

func TestCheck_DBErrorWinsOverStoppedLoop(t *testing.T) {
	svc := New(&mockDBPinger{err: errors.New("db down")}, map[string]Loop{"ingestor": &mockLoop{}})
	r := svc.Check(context.Background())

	if r.Status != Unhealthy {
		t.Errorf("expected %q, got %q", Unhealthy, r.Status)
	}
}

func TestCheck_NilLoopsIgnored(t *testing.T) {
	svc := New(&mockDBPinger{}, map[string]Loop{"quality": nil, "ingestor": &mockLoop{running: true}})
	r := svc.Check(context.Background())

	if r.Status != Healthy {
		t.Errorf("expected %q, got %q", Healthy, r.Status)
	}
	if _, ok := r.Checks["quality"]; ok {
		t.Error("quality check should be absent when its loop is nil")
	}
	if got := svc.Loops(); !reflect.DeepEqual(got, []string{"ingestor"}) {
		t.Errorf("loops = %v", got)
	}
}

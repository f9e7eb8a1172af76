package health

import (
	"context"
	"sort"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates a stopped background loop.
	Degraded Status = "degraded"
	// Unhealthy indicates the database is unreachable.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// CheckDatabase is the check name of the store ping.
const CheckDatabase = "database"

// Report aggregates health check results.
type Report struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Service coordinates health checks.
type Service struct {
	db    DBPinger
	loops map[string]Loop
}

// New creates a Service. loops maps a service name to its loop; nil entries
// are ignored.
func New(db DBPinger, loops map[string]Loop) *Service {
	active := make(map[string]Loop, len(loops))
	for name, l := range loops {
		if l != nil {
			active[name] = l
		}
	}
	return &Service{db: db, loops: active}
}

// Loops returns the names of the monitored loops, sorted.
func (s *Service) Loops() []string {
	names := make([]string, 0, len(s.loops))
	for name := range s.loops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check pings the database and reports which loops are running.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult, len(s.loops)+1)

	status := Healthy
	if err := s.db.Ping(ctx); err != nil {
		checks[CheckDatabase] = CheckError
		status = Unhealthy
	} else {
		checks[CheckDatabase] = CheckOK
	}

	for name, l := range s.loops {
		if l.IsRunning() {
			checks[name] = CheckOK
			continue
		}
		checks[name] = CheckError
		if status == Healthy {
			status = Degraded
		}
	}

	return Report{Status: status, Checks: checks}
}

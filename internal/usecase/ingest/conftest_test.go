package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/huntsman-telescope/drp/internal/queue"
)

// --- Mocks ---

type mockExposures struct {
	mu       sync.Mutex
	stored   []string
	screened []string
	ingested []string
	ingestFn func(filename string) error
	listErr  error
}

func (m *mockExposures) Filenames(_ context.Context, screened bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	if screened {
		return append([]string(nil), m.screened...), nil
	}
	return append([]string(nil), m.stored...), nil
}

func (m *mockExposures) IngestFile(_ context.Context, filename string) error {
	var err error
	if m.ingestFn != nil {
		err = m.ingestFn(filename)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingested = append(m.ingested, filename)
	if err == nil {
		m.stored = append(m.stored, filename)
		m.screened = append(m.screened, filename)
	}
	return err
}

func (m *mockExposures) ingestedFiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ingested...)
}

func fixedFiles(files ...string) Lister {
	return func(string) ([]string, error) { return files, nil }
}

func fastQueue() queue.Options {
	return queue.Options{
		StatusInterval: 10 * time.Millisecond,
		QueueInterval:  10 * time.Millisecond,
		PollTimeout:    5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

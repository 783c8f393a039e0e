// Package storage archives the samples of every cycle to local backends:
// JSON files, MySQL, PostgreSQL or an MQTT feed.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/eds-sync/logger"
	"github.com/eddielth/eds-sync/metrics"
	"github.com/eddielth/eds-sync/transformer"
)

// Series is the archived form of one point's samples
type Series struct {
	Group     string               `json:"group"`
	PointID   string               `json:"point_id"`
	ProjectID string               `json:"project_id,omitempty"`
	EntityID  string               `json:"entity_id,omitempty"`
	Samples   []transformer.Sample `json:"samples"`
}

// StorageBackend is an archive backend
type StorageBackend interface {
	// Name identifies the backend in logs and metrics
	Name() string
	// Store archives series. Storing the same samples again overwrites them.
	Store(ctx context.Context, series Series) error
	Close() error
}

// Manager fans series out to several backends
type Manager struct {
	backends []StorageBackend
	mutex    sync.RWMutex
}

// NewManager returns a manager writing to backends
func NewManager(backends ...StorageBackend) *Manager {
	return &Manager{
		backends: backends,
	}
}

// Store writes series to every backend. A failing backend does not stop the
// others; all failures are returned joined. Samples without a finite value
// are not archived.
func (m *Manager) Store(ctx context.Context, series Series) error {
	series.Samples = transformer.DropNonFinite(series.Samples)
	if len(series.Samples) == 0 {
		return nil
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var errs []error
	for _, backend := range m.backends {
		err := backend.Store(ctx, series)
		metrics.RecordArchive(backend.Name(), err)
		if err != nil {
			logger.Error("failed to archive %s/%s to %s: %v", series.Group, series.PointID, backend.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of backends
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.backends)
}

// AddBackend adds a backend
func (m *Manager) AddBackend(backend StorageBackend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}

// Close closes all backends
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var errs []error
	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close archive backend %s: %v", backend.Name(), err)
			errs = append(errs, err)
		}
	}
	m.backends = nil
	return errors.Join(errs...)
}

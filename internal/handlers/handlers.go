package handlers

import (
	"time"

	"index-manager/internal/index"
	"index-manager/internal/manager"
)

// Handlers serves the HTTP API of a single index manager.
type Handlers struct {
	manager   *manager.Manager
	index     *index.Index
	startTime time.Time
}

// New creates the handlers for m.
func New(m *manager.Manager) *Handlers {
	return &Handlers{
		manager:   m,
		index:     m.Index(),
		startTime: time.Now(),
	}
}

package models

import "time"

// Snapshot is a committed, immutable aggregate of per-service state.
type Snapshot struct {
	ID        string                    `json:"id"        validate:"required"`
	Timestamp time.Time                 `json:"timestamp" validate:"required"`
	Services  map[string]map[string]any `json:"services"`
}

// ServiceState returns the state captured for name.
func (s *Snapshot) ServiceState(name string) (map[string]any, bool) {
	if s == nil {
		return nil, false
	}

	state, ok := s.Services[name]

	return state, ok
}

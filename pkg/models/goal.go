package models

// Goal is a target the system steers towards; Current is nil until first measured.
type Goal struct {
	Name    string   `json:"name"              validate:"required"`
	Target  float64  `json:"target"`
	Current *float64 `json:"current,omitempty"`
}

// BelowTarget reports whether a measured value falls short of the target.
func (g Goal) BelowTarget() bool {
	return g.Current != nil && *g.Current < g.Target
}

package health

import (
	"context"
	"fmt"
	"time"
)

// Dependency is one backing service. Check returns nil when it is usable.
type Dependency struct {
	Name string
	// Required dependencies mark the service unhealthy when they fail. Optional
	// ones only add an issue, e.g. Redis when a local fallback exists.
	Required bool
	Check    func(ctx context.Context) error
}

type DependencyResult struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Required bool   `json:"required"`
	Error    string `json:"error,omitempty"`
	Latency  string `json:"latency"`
}

type HealthStatus struct {
	Healthy      bool               `json:"healthy"`
	Degraded     bool               `json:"degraded"`
	Dependencies []DependencyResult `json:"dependencies"`
	Issues       []string           `json:"issues,omitempty"`
	Checked      time.Time          `json:"checked_at"`
}

// Check runs every dependency check with its own timeout and aggregates the
// results.
func Check(ctx context.Context, timeout time.Duration, deps ...Dependency) *HealthStatus {
	status := &HealthStatus{
		Healthy: true,
		Issues:  []string{},
		Checked: time.Now().UTC(),
	}

	for _, p := range deps {
		start := time.Now()
		err := run(ctx, timeout, p)
		result := DependencyResult{
			Name:     p.Name,
			OK:       err == nil,
			Required: p.Required,
			Latency:  time.Since(start).Round(time.Microsecond).String(),
		}
		if err != nil {
			result.Error = err.Error()
			status.Issues = append(status.Issues, fmt.Sprintf("%s: %v", p.Name, err))
			if p.Required {
				status.Healthy = false
			} else {
				status.Degraded = true
			}
		}
		status.Dependencies = append(status.Dependencies, result)
	}
	return status
}

func run(ctx context.Context, timeout time.Duration, p Dependency) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.Check(ctx)
}

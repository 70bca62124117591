// Package scaler turns pool metrics into scaling recommendations and records
// the decisions it executes. It never starts or stops agent processes itself;
// an optional ScaleHandler hands executed actions to an external orchestrator.
package scaler

import (
	"fmt"
	"math"
	"time"

	"agentfleet/pkg/config"
	"agentfleet/pkg/models"
	"agentfleet/pkg/pool"
)

// Policy bounds and paces scaling.
type Policy struct {
	MinAgents          int
	MaxAgents          int
	ScaleUpThreshold   float64 // utilization percent
	ScaleDownThreshold float64 // utilization percent
	TargetUtilization  float64 // fraction of capacity in use after scaling
	ScaleUpCooldown    time.Duration
	ScaleDownCooldown  time.Duration
}

// PolicyFromConfig maps the scaler config section onto a Policy.
func PolicyFromConfig(c config.ScalerConfig) Policy {
	return Policy{
		MinAgents:          c.MinAgents,
		MaxAgents:          c.MaxAgents,
		ScaleUpThreshold:   c.ScaleUpThreshold,
		ScaleDownThreshold: c.ScaleDownThreshold,
		TargetUtilization:  c.TargetUtilization,
		ScaleUpCooldown:    c.ScaleUpCooldown,
		ScaleDownCooldown:  c.ScaleDownCooldown,
	}
}

// Recommendation is the scaler's proposal for one cycle.
type Recommendation struct {
	Action           models.ScalingAction
	CurrentCount     int
	RecommendedCount int
	Delta            int
	Reason           string
	Metrics          map[string]any
}

// Recommend is a pure function of the pool snapshot and the policy.
//
// High utilization scales up and low utilization scales down, both toward
// ceil(used/target) agents clamped to [min, max]. Only when neither fires do
// offline agents trigger a replacement scale-up. A computed count that does
// not move in the intended direction yields no_op.
func Recommend(m *pool.Metrics, p Policy) Recommendation {
	current := m.ActiveAgents
	util := m.UtilizationPercent
	rec := Recommendation{
		Action:           models.ScaleNoOp,
		CurrentCount:     current,
		RecommendedCount: current,
		Metrics: map[string]any{
			"utilization_percent": util,
			"total_capacity":      m.TotalCapacity,
			"used_capacity":       m.UsedCapacity,
			"active_agents":       m.ActiveAgents,
			"offline_agents":      m.OfflineAgents,
		},
	}

	switch {
	case util >= p.ScaleUpThreshold && current < p.MaxAgents:
		target := p.targetCount(m.UsedCapacity)
		if target <= current {
			rec.Reason = fmt.Sprintf("utilization %.1f%% >= %.1f%% but target count %d does not exceed current %d",
				util, p.ScaleUpThreshold, target, current)
			return rec
		}
		rec.Action = models.ScaleUp
		rec.RecommendedCount = target
		rec.Reason = fmt.Sprintf("utilization %.1f%% >= scale-up threshold %.1f%%", util, p.ScaleUpThreshold)

	case util <= p.ScaleDownThreshold && current > p.MinAgents:
		target := p.targetCount(m.UsedCapacity)
		if target >= current {
			rec.Reason = fmt.Sprintf("utilization %.1f%% <= %.1f%% but target count %d is not below current %d",
				util, p.ScaleDownThreshold, target, current)
			return rec
		}
		rec.Action = models.ScaleDown
		rec.RecommendedCount = target
		rec.Reason = fmt.Sprintf("utilization %.1f%% <= scale-down threshold %.1f%%", util, p.ScaleDownThreshold)

	case m.OfflineAgents > 0:
		target := min(p.MaxAgents, current+m.OfflineAgents)
		if target <= current {
			rec.Reason = fmt.Sprintf("%d offline agent(s) but already at max %d", m.OfflineAgents, p.MaxAgents)
			return rec
		}
		rec.Action = models.ScaleUp
		rec.RecommendedCount = target
		rec.Reason = fmt.Sprintf("replacing %d offline agent(s)", m.OfflineAgents)

	default:
		rec.Reason = fmt.Sprintf("utilization %.1f%% within [%.1f%%, %.1f%%]", util, p.ScaleDownThreshold, p.ScaleUpThreshold)
		return rec
	}

	rec.Delta = rec.RecommendedCount - current
	return rec
}

func (p Policy) targetCount(used int) int {
	target := p.TargetUtilization
	if target <= 0 {
		target = 0.6
	}
	n := int(math.Ceil(float64(used) / target))
	return min(p.MaxAgents, max(p.MinAgents, n))
}

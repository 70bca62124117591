// Package statemachine validates and records project status transitions.
package statemachine

import "agentfleet/pkg/models"

// validTransitions defines the project lifecycle graph.
//
//nolint:gochecknoglobals // Intentional package-level constant for state machine definition
var validTransitions = map[models.ProjectStatus][]models.ProjectStatus{
	models.ProjectIdle: {
		models.ProjectQueued,
		models.ProjectRunning,
		models.ProjectCancelled,
	},
	models.ProjectQueued: {
		models.ProjectRunning,
		models.ProjectIdle,
		models.ProjectCancelled,
	},
	models.ProjectRunning: {
		models.ProjectPaused,
		models.ProjectError,
		models.ProjectCompleted,
		models.ProjectCancelled,
	},
	models.ProjectPaused: {
		models.ProjectRunning,
		models.ProjectIdle,
		models.ProjectCancelled,
	},
	models.ProjectError: {
		models.ProjectIdle,
		models.ProjectQueued,
		models.ProjectRunning, // retry
		models.ProjectCancelled,
	},
	models.ProjectCompleted: {
		models.ProjectIdle,
	},
	models.ProjectCancelled: {
		models.ProjectIdle,
		models.ProjectQueued,
	},
}

// initialStates are the only targets for a project without a status.
//
//nolint:gochecknoglobals // Intentional package-level constant for state machine definition
var initialStates = []models.ProjectStatus{models.ProjectIdle, models.ProjectQueued}

// IsValidTransition reports whether from -> to is an edge of the lifecycle
// graph. A nil from is the initial transition.
func IsValidTransition(from *models.ProjectStatus, to models.ProjectStatus) bool {
	for _, allowed := range AllowedTargets(from) {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the states reachable from from.
func AllowedTargets(from *models.ProjectStatus) []models.ProjectStatus {
	if from == nil || *from == "" {
		return append([]models.ProjectStatus(nil), initialStates...)
	}
	return append([]models.ProjectStatus(nil), validTransitions[*from]...)
}

// AllStates returns every project status.
func AllStates() []models.ProjectStatus {
	return []models.ProjectStatus{
		models.ProjectIdle,
		models.ProjectQueued,
		models.ProjectRunning,
		models.ProjectPaused,
		models.ProjectError,
		models.ProjectCompleted,
		models.ProjectCancelled,
	}
}

package statemachine

import (
	"context"
	"fmt"

	"agentfleet/pkg/models"
)

// Metadata keys read or written by the built-in validators.
const (
	MetaAutoRetry       = "auto_retry"
	MetaRetryCount      = "retry_count"
	MetaMaxRetries      = "max_retries"
	MetaShouldAutoRetry = "should_auto_retry"
	MetaRole            = "role"
)

// Roles allowed to force a running project into cancelled.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// AutoRetryValidator flags should_auto_retry when a project enters error with
// auto_retry set and retries remaining.
type AutoRetryValidator struct{}

// Validate implements TransitionValidator.
func (AutoRetryValidator) Validate(_ context.Context, req *Request) error {
	if req.To != models.ProjectError {
		return nil
	}
	if enabled, _ := req.Metadata[MetaAutoRetry].(bool); !enabled {
		return nil
	}
	count, _ := asInt(req.Metadata[MetaRetryCount])
	limit, ok := asInt(req.Metadata[MetaMaxRetries])
	if !ok {
		return nil
	}
	if count < limit {
		req.Metadata[MetaShouldAutoRetry] = true
	}
	return nil
}

// RoleValidator restricts user and API initiated running -> cancelled to
// the admin and operator roles.
type RoleValidator struct{}

// Validate implements TransitionValidator.
func (RoleValidator) Validate(_ context.Context, req *Request) error {
	if req.From == nil || *req.From != models.ProjectRunning || req.To != models.ProjectCancelled {
		return nil
	}
	if req.Source != models.SourceUser && req.Source != models.SourceAPI {
		return nil
	}
	role, _ := req.Metadata[MetaRole].(string)
	if role == RoleAdmin || role == RoleOperator {
		return nil
	}
	return fmt.Errorf("%w: role %q may not cancel a running project", ErrPermissionDenied, role)
}

// asInt accepts the numeric shapes metadata arrives in (Go ints or JSON floats).
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

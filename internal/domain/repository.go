package domain

import (
	"context"

	"github.com/google/uuid"
)

// RunRepository defines the interface for mix run report persistence
type RunRepository interface {
	// Save stores a finished run together with all its transfer outcomes
	Save(ctx context.Context, result *MixRunResult) error

	// GetByID retrieves a run report; returns ErrRunNotFound when missing
	GetByID(ctx context.Context, id uuid.UUID) (*MixRunResult, error)

	// List retrieves run reports, newest first
	List(ctx context.Context, limit, offset int) ([]*MixRunResult, error)
}

// RunEventType identifies a run lifecycle event
type RunEventType string

const (
	RunEventStarted   RunEventType = "started"
	RunEventCompleted RunEventType = "completed"
	RunEventStalled   RunEventType = "stalled"
)

// RunEvent is published when a run starts and when it reaches a terminal status
type RunEvent struct {
	Type     RunEventType  `json:"type"`
	RunID    uuid.UUID     `json:"run_id"`
	Strategy StrategyKind  `json:"strategy"`
	Status   RunStatus     `json:"status,omitempty"`
	Result   *MixRunResult `json:"result,omitempty"`
}

// EventPublisher defines the interface for publishing run lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, event RunEvent) error
}

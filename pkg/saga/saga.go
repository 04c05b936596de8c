// Package saga 带补偿的多步骤执行
package saga

import (
	"context"
	"time"
)

// State represents the lifecycle state of a saga run.
type State string

const (
	StateRunning      State = "RUNNING"
	StateCompleted    State = "COMPLETED"
	StateCompensating State = "COMPENSATING"
	StateFailed       State = "FAILED"
)

// Step is a saga unit of work with a compensating action.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

// Func 用函数组装步骤，Undo 可以为空
type Func struct {
	StepName string
	Do       func(ctx context.Context) error
	Undo     func(ctx context.Context) error
}

func (f Func) Name() string { return f.StepName }

func (f Func) Execute(ctx context.Context) error { return f.Do(ctx) }

func (f Func) Compensate(ctx context.Context) error {
	if f.Undo == nil {
		return nil
	}
	return f.Undo(ctx)
}

// Log is the persisted record of a saga run.
type Log struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Steps       []string  `json:"steps"`
	CurrentStep int       `json:"currentStep"`
	Error       string    `json:"error,omitempty"`
	CompError   string    `json:"compensateError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists saga logs for recovery and inspection.
type Store interface {
	Save(ctx context.Context, log *Log) error
	Get(ctx context.Context, id string) (*Log, error)
}

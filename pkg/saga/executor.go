package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/exchange/orchestrator/pkg/logger"
)

type Executor struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

func NewExecutor(store Store) *Executor {
	return &Executor{store: store, log: logger.Nop(), now: time.Now}
}

// SetLogger 设置日志
func (e *Executor) SetLogger(log *logger.Logger) {
	if log != nil {
		e.log = log
	}
}

// Run 按顺序执行步骤，任一步失败时逆序补偿已完成的步骤
//
// 返回的错误保留失败步骤的原始错误，便于调用方按错误码处理。
func (e *Executor) Run(ctx context.Context, name string, steps []Step) error {
	now := e.now()
	log := &Log{
		ID:        uuid.NewString(),
		Name:      name,
		State:     StateRunning,
		Steps:     make([]string, len(steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, step := range steps {
		log.Steps[i] = step.Name()
	}
	if err := e.store.Save(ctx, log); err != nil {
		return fmt.Errorf("save saga log: %w", err)
	}

	for i, step := range steps {
		log.CurrentStep = i
		if err := step.Execute(ctx); err != nil {
			return e.compensate(ctx, log, steps[:i], fmt.Errorf("%s: %w", step.Name(), err))
		}
	}

	// 步骤已全部生效，完成状态写失败只记录，不影响结果
	log.State = StateCompleted
	log.CurrentStep = len(steps)
	log.UpdatedAt = e.now()
	if err := e.store.Save(ctx, log); err != nil {
		e.log.WithError(err).Warnf("[saga] save completed log failed", logger.Fields{"sagaId": log.ID, "saga": name})
	}
	return nil
}

func (e *Executor) compensate(ctx context.Context, log *Log, done []Step, cause error) error {
	log.Error = cause.Error()
	log.State = StateCompensating
	log.UpdatedAt = e.now()
	_ = e.store.Save(ctx, log)

	var compErr error
	for j := len(done) - 1; j >= 0; j-- {
		if err := done[j].Compensate(ctx); err != nil && compErr == nil {
			compErr = fmt.Errorf("compensate %s: %w", done[j].Name(), err)
		}
	}

	log.State = StateFailed
	if compErr != nil {
		log.CompError = compErr.Error()
	}
	log.UpdatedAt = e.now()
	_ = e.store.Save(ctx, log)

	if compErr != nil {
		return fmt.Errorf("%w; %v", cause, compErr)
	}
	return cause
}

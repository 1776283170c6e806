package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetentionState 描述过期索引与期望窗口的关系
type RetentionState int

const (
	RetentionAbsent RetentionState = iota
	RetentionWrongWindow
	RetentionCorrect
)

func (s RetentionState) String() string {
	switch s {
	case RetentionAbsent:
		return "absent"
	case RetentionWrongWindow:
		return "wrong_window"
	case RetentionCorrect:
		return "correct"
	default:
		return "unknown"
	}
}

// RetentionAction 是一次维护实际执行的动作
type RetentionAction string

const (
	RetentionNoop      RetentionAction = "noop"
	RetentionCreated   RetentionAction = "created"
	RetentionRecreated RetentionAction = "recreated"
	// RetentionSkipped 表示集合尚不存在，下次写入后再处理
	RetentionSkipped RetentionAction = "skipped"
)

// ExpiryIndex 是后端当前的过期索引
type ExpiryIndex struct {
	Name   string
	Window time.Duration
}

// RetentionInspector 由各存储后端实现，提供过期索引的查询和增删。
//
// InspectExpiry 在索引不存在时返回 (nil, nil)，集合不存在时返回 ErrContainerNotFound。
// DropExpiry 对已被并发删除的索引必须返回 nil。
type RetentionInspector interface {
	InspectExpiry(ctx context.Context) (*ExpiryIndex, error)
	CreateExpiry(ctx context.Context, window time.Duration) error
	DropExpiry(ctx context.Context) error
}

// ClassifyRetention 根据当前索引判断状态
func ClassifyRetention(current *ExpiryIndex, window time.Duration) RetentionState {
	switch {
	case current == nil:
		return RetentionAbsent
	case current.Window != window:
		return RetentionWrongWindow
	default:
		return RetentionCorrect
	}
}

// ReconcileRetention 把过期索引收敛到期望窗口
//
//	absent       -> create
//	wrong window -> drop + create
//	correct      -> noop
//
// 集合不存在时跳过，其他错误原样返回。多个实例并发执行结果相同。
func ReconcileRetention(ctx context.Context, inspector RetentionInspector, window time.Duration) (RetentionAction, error) {
	action, err := reconcile(ctx, inspector, window)
	if errors.Is(err, ErrContainerNotFound) {
		return RetentionSkipped, nil
	}
	return action, err
}

func reconcile(ctx context.Context, inspector RetentionInspector, window time.Duration) (RetentionAction, error) {
	current, err := inspector.InspectExpiry(ctx)
	if err != nil {
		return "", fmt.Errorf("inspect expiry index: %w", err)
	}

	switch ClassifyRetention(current, window) {
	case RetentionCorrect:
		return RetentionNoop, nil
	case RetentionWrongWindow:
		if err := inspector.DropExpiry(ctx); err != nil {
			return "", fmt.Errorf("drop expiry index: %w", err)
		}
		if err := inspector.CreateExpiry(ctx, window); err != nil {
			return "", fmt.Errorf("create expiry index: %w", err)
		}
		return RetentionRecreated, nil
	default:
		if err := inspector.CreateExpiry(ctx, window); err != nil {
			return "", fmt.Errorf("create expiry index: %w", err)
		}
		return RetentionCreated, nil
	}
}

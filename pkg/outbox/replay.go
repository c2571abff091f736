package outbox

import (
	"context"
	"fmt"
)

// ReplayStore ReplayService 依赖的存储操作
type ReplayStore interface {
	GetEventByID(ctx context.Context, eventID int64) (*Event, error)
	ResetEvent(ctx context.Context, eventID int64) error
}

// ReplayService 手动重放 outbox 事件
type ReplayService struct {
	store ReplayStore
}

func NewReplayService(store ReplayStore) *ReplayService {
	return &ReplayService{store: store}
}

// ReplayEvent 将事件重置为 pending，交给 Dispatcher 重新发布
// 已经 pending 的事件不做处理
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) (*Event, error) {
	event, err := s.store.GetEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status == StatusPending {
		return event, nil
	}
	if err := s.store.ResetEvent(ctx, eventID); err != nil {
		return nil, fmt.Errorf("failed to replay event %d: %w", eventID, err)
	}
	event.Status = StatusPending
	event.RetryCount = 0
	event.NextRetryAt = nil
	return event, nil
}

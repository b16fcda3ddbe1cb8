package scheduler

import (
	"context"
)

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks github.com/mattjoyce/runlane/internal/scheduler LaneFlusher,DispatchService,EffectService

// LaneFlusher turns lanes whose debounce window has closed into dispatches.
type LaneFlusher interface {
	FlushDue(ctx context.Context) (int, error)
}

// DispatchService recovers dispatch leases and reports live claims.
type DispatchService interface {
	RequeueExpired(ctx context.Context) (int64, error)
	ActiveCount(ctx context.Context) (int, error)
}

// EffectService recovers delivery leases.
type EffectService interface {
	RequeueExpired(ctx context.Context) (int64, error)
}

package state

import (
	"context"
	"log/slog"
)

// Env can be read from any goroutine.
type Env struct {
	Config
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger
	Clock   Clock
}

func NewEnv(ctx context.Context, cfg Config, log *slog.Logger, clock Clock) *Env {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Env{
		Config:  cfg,
		Context: ctx,
		Cancel:  cancel,
		Log:     log,
		Clock:   clock,
	}
}

package builder

import (
	"context"

	"github.com/park285/chess-overlay/internal/control"
)

// controlFunc adapts a function to remote.Controller.
type controlFunc func(ctx context.Context, ev control.Event) error

func (f controlFunc) Handle(ctx context.Context, ev control.Event) error { return f(ctx, ev) }

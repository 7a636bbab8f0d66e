package orchestrator

import (
	"context"
	"errors"

	"github.com/brackwood/nexus/internal/bus"
)

func isBusTimeout(err error) bool {
	return errors.Is(err, bus.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func isBusNoResponders(err error) bool {
	return errors.Is(err, bus.ErrNoResponders)
}

func isBusDisconnected(err error) bool {
	return errors.Is(err, bus.ErrDisconnected)
}

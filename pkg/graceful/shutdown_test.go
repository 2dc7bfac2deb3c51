package graceful

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gap-service/donation_service/pkg/logger"
)

func TestShutdown_StopsComponentsInOrder(t *testing.T) {
	var order []string
	sm := NewShutdownManager(&http.Server{}, logger.NewNop()).WithTimeout(time.Second)
	sm.Register(ShutdownFunc(func(ctx context.Context) error {
		order = append(order, "first")
		return errors.New("boom")
	}))
	sm.Register(ShutdownFunc(func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		order = append(order, "second")
		return nil
	}))

	sm.Shutdown()

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestShutdown_NilServer(t *testing.T) {
	called := false
	sm := NewShutdownManager(nil, logger.NewNop())
	sm.Register(ShutdownFunc(func(context.Context) error { called = true; return nil }))

	sm.Shutdown()

	assert.True(t, called)
}

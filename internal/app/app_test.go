package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dokzlo13/thermd/internal/accessory"
)

func TestWaitReportsFatalCause(t *testing.T) {
	a := &App{}
	assert.NoError(t, a.Wait(), "never started")

	a.ctx, a.cancel = context.WithCancelCause(context.Background())
	a.cancel(accessory.ErrMaxReconnectsExceeded)
	assert.True(t, errors.Is(a.Wait(), accessory.ErrMaxReconnectsExceeded))

	a.ctx, a.cancel = context.WithCancelCause(context.Background())
	a.cancel(nil)
	assert.NoError(t, a.Wait(), "regular shutdown")
}

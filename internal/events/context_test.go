package events_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/chatvault/internal/events"
)

func TestFromContext(t *testing.T) {
	ctx := context.Background()

	// Should return default logger when none in context
	logger := events.FromContext(ctx)
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	ctx := context.Background()
	logger := &events.Logger{}

	ctx = events.WithLogger(ctx, logger)
	retrieved := events.FromContext(ctx)

	assert.Equal(t, logger, retrieved)
}

func TestWithRequestID(t *testing.T) {
	ctx := context.Background()
	requestID := "req-123"

	ctx = events.WithRequestID(ctx, requestID)
	retrieved := events.GetRequestID(ctx)

	assert.Equal(t, requestID, retrieved)
	assert.NotNil(t, events.FromContext(ctx))
}

func TestWithRecordID(t *testing.T) {
	ctx := context.Background()

	ctx = events.WithRecordID(ctx, "chat-456")
	assert.Equal(t, "chat-456", events.GetRecordID(ctx))
	assert.NotNil(t, events.FromContext(ctx))
}

func TestGetIDsEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, events.GetRequestID(ctx))
	assert.Empty(t, events.GetRecordID(ctx))
}

func TestSetDefault(t *testing.T) {
	previous := events.FromContext(context.Background())
	defer events.SetDefault(previous)

	customLogger := &events.Logger{}
	events.SetDefault(customLogger)

	retrieved := events.FromContext(context.Background())
	assert.Equal(t, customLogger, retrieved)
}

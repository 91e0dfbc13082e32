package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"circle-service/internal/mocks"
	"circle-service/internal/observability"
)

func TestEmitBuildsEnvelope(t *testing.T) {
	pub := &mocks.PublisherMock{}
	var got Envelope
	pub.On("Publish", mock.Anything, "circle.domain.chat.created", mock.AnythingOfType("telemetry.Envelope")).
		Run(func(args mock.Arguments) { got = args.Get(2).(Envelope) }).
		Return(nil)

	emitter := NewEmitter(pub, "circle.domain", "circle-service", "test")
	ctx := observability.WithRequestID(context.Background(), "req-7")
	emitter.Emit(ctx, EventChatCreated, "alice", map[string]string{"chat_id": "alice::bob"})

	pub.AssertExpectations(t)
	assert.Equal(t, EventChatCreated, got.EventType)
	assert.Equal(t, "req-7", got.RequestID)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "alice", *got.UserID)
	assert.Equal(t, 1, got.SchemaVersion)
	assert.NotEmpty(t, got.EventID)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	pub := &mocks.PublisherMock{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	emitter := NewEmitter(pub, "circle.domain", "circle-service", "test")
	assert.NotPanics(t, func() { emitter.Emit(context.Background(), EventMessageSent, "", nil) })
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestNilEmitterIsNoop(t *testing.T) {
	var emitter *Emitter
	assert.NotPanics(t, func() { emitter.Emit(context.Background(), EventChatExpired, "", nil) })
}

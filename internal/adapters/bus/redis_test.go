package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_PublishesEventsInOrder(t *testing.T) {
	client, mock := redismock.NewClientMock()
	events := []core.Event{
		{Type: core.EventRoomCreated, Node: "n1", RoomID: "r1", Timestamp: 1},
		{Type: core.EventParticipantJoined, Node: "n1", RoomID: "r1", ParticipantID: "p1", Name: "Alice", Timestamp: 2},
	}
	for _, evt := range events {
		data, err := json.Marshal(evt)
		require.NoError(t, err)
		mock.ExpectPublish(DefaultChannel, string(data)).SetVal(1)
	}

	r := NewRedis(client, "", "n1")
	for _, evt := range events {
		r.Publish(context.Background(), evt)
	}
	r.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_PublishFailureIsSoft(t *testing.T) {
	client, mock := redismock.NewClientMock()
	evt := core.Event{Type: core.EventRoomClosed, RoomID: "r1"}
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	mock.ExpectPublish("custom", string(data)).SetErr(errors.New("connection refused"))

	r := NewRedis(client, "custom", "n1")
	r.Publish(context.Background(), evt)
	r.Close()
	r.Close()
	r.Publish(context.Background(), evt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNop(t *testing.T) {
	var pub core.EventPublisher = Nop{}
	pub.Publish(context.Background(), core.Event{Type: core.EventRoomCreated})
}

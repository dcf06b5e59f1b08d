package event

import (
	"testing"
	"time"

	"github.com/phonemesh/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_MessageSent(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	env := New("client-a", MessageSent{Message: model.Message{
		ID: "m1", SenderID: "d1", ReceiverID: "d2", Text: "hi", Timestamp: at,
	}})
	data, err := Encode(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"message_sent"`)
	assert.Contains(t, string(data), `"origin_id":"client-a"`)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, TypeMessageSent, got.Type)
	p, ok := got.Payload.(MessageSent)
	require.True(t, ok)
	assert.Equal(t, "hi", p.Message.Text)
	assert.True(t, at.Equal(p.Message.Timestamp))
	assert.ElementsMatch(t, []model.DeviceID{"d1", "d2"}, p.Targets())
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"id":"x","type":"teleport","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecode_AllVariants(t *testing.T) {
	payloads := []Payload{
		ContactChanged{DeviceID: "d1", ContactID: "d2", Action: ContactRemoved},
		MessagesDeleted{DeviceID: "d1", Key: model.KeyOf("d1", "d2"), MessageIDs: []string{"m1"}},
		ConversationCleared{DeviceID: "d1", Key: model.KeyOf("d1", "d2"), UpTo: time.Unix(50, 0).UTC()},
		AllMessagesCleared{DeviceID: "d1"},
		MessagesRead{DeviceID: "d1", Key: model.KeyOf("d1", "d2"), At: time.Unix(100, 0).UTC()},
		Persisted{EventID: "e1"},
		SyncRequested{},
	}
	for _, p := range payloads {
		data, err := Encode(New("c", p))
		require.NoError(t, err)
		got, err := Decode(data)
		require.NoError(t, err, p.Type())
		assert.Equal(t, p.Type(), got.Payload.Type())
		assert.Equal(t, p, got.Payload)
	}
}

func TestMarshal_NilPayload(t *testing.T) {
	_, err := Encode(Envelope{ID: "x"})
	assert.Error(t, err)
}

func TestDecode_DevicesChangedAppliesToEveryone(t *testing.T) {
	env := New("c", DevicesChanged{Devices: []model.Device{{ID: "d1", OwnerID: "o1", Address: "555-0101"}}})
	data, err := Encode(env)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	p, ok := got.Payload.(DevicesChanged)
	require.True(t, ok)
	require.Len(t, p.Devices, 1)
	assert.Equal(t, "555-0101", p.Devices[0].Address)
	assert.Nil(t, p.Targets())
}

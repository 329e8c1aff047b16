package wa

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"

	"followup-engine/internal/channel"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/logging"
)

type fakeConn struct {
	connected bool
	err       error
	to        types.JID
	text      string
	id        types.MessageID
}

func (f *fakeConn) IsConnected() bool { return f.connected }
func (f *fakeConn) IsLoggedIn() bool  { return f.connected }

func (f *fakeConn) SendMessage(_ context.Context, to types.JID, message *waProto.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	if f.err != nil {
		return whatsmeow.SendResponse{}, f.err
	}
	f.to = to
	f.text = message.GetConversation()
	if len(extra) > 0 {
		f.id = extra[0].ID
	}
	return whatsmeow.SendResponse{ID: f.id}, nil
}

func newTestClient(fc *fakeConn) *Client {
	return &Client{conn: fc, logger: logging.Discard()}
}

func waMessage() dispatch.Message {
	return dispatch.Message{Channel: channel.WhatsApp, Recipient: "+62 812-3456-7890", Body: "Halo!", IdempotencyKey: "c1:6281234567890:1"}
}

func TestSendText(t *testing.T) {
	fc := &fakeConn{connected: true}
	receipt, err := newTestClient(fc).Send(context.Background(), waMessage())
	require.NoError(t, err)
	assert.Equal(t, "6281234567890@s.whatsapp.net", fc.to.String())
	assert.Equal(t, "Halo!", fc.text)
	assert.Equal(t, MessageID("c1:6281234567890:1"), fc.id)
	assert.Equal(t, string(fc.id), receipt.ProviderID)
}

func TestSendNotConnectedIsTransient(t *testing.T) {
	_, err := newTestClient(&fakeConn{}).Send(context.Background(), waMessage())
	require.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, dispatch.IsTransient(err))
}

func TestSendFailureIsTransient(t *testing.T) {
	_, err := newTestClient(&fakeConn{connected: true, err: errors.New("server returned error 500")}).Send(context.Background(), waMessage())
	require.Error(t, err)
	assert.True(t, dispatch.IsTransient(err))
}

func TestSendInvalidNumberIsPermanent(t *testing.T) {
	msg := waMessage()
	msg.Recipient = "n/a"
	_, err := newTestClient(&fakeConn{connected: true}).Send(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, dispatch.IsPermanent(err))
}

func TestMessageIDIsDeterministic(t *testing.T) {
	id := MessageID("k")
	assert.Equal(t, id, MessageID("k"))
	assert.NotEqual(t, id, MessageID("k2"))
	assert.Len(t, string(id), 22)
	assert.Equal(t, "3EB0", string(id)[:4])
}

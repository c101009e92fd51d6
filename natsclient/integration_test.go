//go:build integration

package natsclient

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_RequestReply(t *testing.T) {
	tc := NewTestClient(t, WithTestTimeout(2*time.Second))
	ctx := context.Background()

	err := tc.Client.Handle(ctx, "entities.echo", func(_ context.Context, data []byte) ([]byte, error) {
		return append([]byte("echo:"), data...), nil
	})
	require.NoError(t, err)

	reply, err := tc.Client.Request(ctx, "entities.echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(reply))
	assert.Equal(t, int32(0), tc.Client.Failures())
	assert.Greater(t, tc.Client.GetStatus().RTT, time.Duration(0))
}

func TestIntegration_HandlerError(t *testing.T) {
	tc := NewTestClient(t, WithTestTimeout(2*time.Second))
	ctx := context.Background()

	err := tc.Client.Handle(ctx, "entities.fail", func(context.Context, []byte) ([]byte, error) {
		return nil, stderrors.New("boom")
	})
	require.NoError(t, err)

	reqCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = tc.Client.Request(reqCtx, "entities.fail", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), tc.Client.Failures())
}

func TestIntegration_NoResponders(t *testing.T) {
	tc := NewTestClient(t)

	_, err := tc.Client.Request(context.Background(), "entities.nobody", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responders")
}

func TestIntegration_RequestFromSecondConnection(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	require.NoError(t, tc.Client.Handle(ctx, "entities.ping", func(context.Context, []byte) ([]byte, error) {
		return []byte("pong"), nil
	}))

	conn := tc.NewConnection(t)
	msg, err := conn.Request("entities.ping", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg.Data))
}

func TestIntegration_ObjectStore(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	cfg := jetstream.ObjectStoreConfig{Bucket: "entity-blobs"}
	bucket, err := tc.Client.ObjectStore(ctx, cfg)
	require.NoError(t, err)

	_, err = bucket.Put(ctx, jetstream.ObjectMeta{Name: "crm/Contact/1"}, bytes.NewReader([]byte("photo")))
	require.NoError(t, err)

	again, err := tc.Client.ObjectStore(ctx, cfg)
	require.NoError(t, err)
	obj, err := again.Get(ctx, "crm/Contact/1")
	require.NoError(t, err)
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "photo", string(data))
}

func TestIntegration_CloseDrains(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	require.NoError(t, tc.Client.Handle(ctx, "entities.x", func(context.Context, []byte) ([]byte, error) {
		return nil, nil
	}))
	require.NoError(t, tc.Client.Close(ctx))
	assert.Equal(t, StatusDisconnected, tc.Client.Status())

	_, err := tc.Client.Request(ctx, "entities.x", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

package natsclient

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
}

func TestCircuitBreaker_Threshold(t *testing.T) {
	client, err := NewClient("nats://invalid:4222", WithCircuitBreakerThreshold(2))
	require.NoError(t, err)

	client.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, client.Status())
	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
	assert.Equal(t, StatusDisconnected, client.Status(), "no connection to return to")
	assert.True(t, client.GetStatus().LastFailureTime.IsZero())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxBackoff(10*time.Second))
	require.NoError(t, err)

	round := func() {
		for i := 0; i < 5; i++ {
			client.recordFailure()
		}
	}

	round()
	assert.Equal(t, 2*time.Second, client.Backoff())
	round()
	assert.Equal(t, 4*time.Second, client.Backoff())
	for i := 0; i < 10; i++ {
		round()
	}
	assert.Equal(t, 10*time.Second, client.Backoff())
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		initial ConnectionStatus
		action  func(*Client)
		want    ConnectionStatus
	}{
		{
			name:    "reconnect handler",
			initial: StatusReconnecting,
			action:  func(c *Client) { c.handleReconnect(nil) },
			want:    StatusConnected,
		},
		{
			name:    "disconnect handler",
			initial: StatusConnected,
			action:  func(c *Client) { c.handleDisconnect(nil, stderrors.New("eof")) },
			want:    StatusReconnecting,
		},
		{
			name:    "closed handler",
			initial: StatusConnected,
			action:  func(c *Client) { c.handleClosed(nil) },
			want:    StatusDisconnected,
		},
		{
			name:    "failures open the circuit",
			initial: StatusConnected,
			action: func(c *Client) {
				for i := 0; i < 5; i++ {
					c.recordFailure()
				}
			},
			want: StatusCircuitOpen,
		},
		{
			name:    "half-open without a connection",
			initial: StatusCircuitOpen,
			action:  func(c *Client) { c.testCircuit() },
			want:    StatusDisconnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient("nats://localhost:4222")
			require.NoError(t, err)
			client.setStatus(tt.initial)

			tt.action(client)
			assert.Equal(t, tt.want, client.Status())
		})
	}
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestConcurrentSafety(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				client.recordFailure()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = client.GetStatus()
				_ = client.IsHealthy()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = client.Request(context.Background(), "entities.query", nil)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(500), client.Failures())
}

func TestRequest_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = client.Request(context.Background(), "entities.get", []byte("{}"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(0), client.Failures(), "an unavailable client is not a transport failure")

	err = client.Handle(context.Background(), "entities.get", func(context.Context, []byte) ([]byte, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRequest_CircuitOpen(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		client.recordFailure()
	}

	_, err = client.Request(context.Background(), "entities.get", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, client.Connect(context.Background()), ErrCircuitOpen)
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCredentials("user", "secret"))
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.Empty(t, client.password)

	assert.ErrorIs(t, client.Connect(context.Background()), ErrClosed)
	_, err = client.Request(context.Background(), "entities.get", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnectionOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCredentials("user", "pass"),
		WithToken("token"),
		WithTLS("cert.pem", "key.pem", "ca.pem"),
		WithName("entitycache"),
	)
	require.NoError(t, err)

	// handlers, timeouts and the four options above
	assert.Len(t, client.buildConnectionOptions(), 9+5)
}

func TestMetrics(t *testing.T) {
	var nilMetrics *requestMetrics
	assert.NotPanics(t, func() { nilMetrics.record("entities.get", "ok", time.Millisecond) })

	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)
	require.NotNil(t, client.metrics)

	_, _ = client.Request(context.Background(), "entities.get", nil)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "entitycache_nats_requests_total" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, float64(1), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)

	_, err = NewClient("nats://localhost:4222", WithMetrics(registry))
	assert.Error(t, err, "the same collectors cannot be registered twice")
}

func TestIsAlreadyExistsError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{stderrors.New("nats: bucket name already in use"), true},
		{stderrors.New("stream name already in use with a different configuration"), true},
		{stderrors.New("object already exists"), true},
		{stderrors.New("timeout"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isAlreadyExistsError(tt.err), "%v", tt.err)
	}
}

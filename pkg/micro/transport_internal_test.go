package micro

import (
	"context"
	"testing"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClient_Subjects(t *testing.T) {
	t.Parallel()

	c := NewTestClient(t, "subjects")
	assert.Equal(t, "subjects.rpc.tx.game.move", c.RPCSubject("tx/game/move"))
	assert.Equal(t, "subjects.rpc.nakama.claim-persona", c.RPCSubject("/nakama/claim-persona"))
	assert.Equal(t, "subjects.event.receipt", c.EventSubject("receipt"))
}

func TestClient_UnaryCall(t *testing.T) {
	t.Parallel()

	server := NewTestClient(t, "unary")
	client := NewTestClient(t, "unary")

	_, err := server.Serve("query/game/location", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	require.NoError(t, err)
	_, err = server.Serve("tx/game/error", func(context.Context, []byte) ([]byte, error) {
		return nil, status.Error(codes.FailedPrecondition, "player not spawned")
	})
	require.NoError(t, err)
	_, err = server.Serve("tx/game/panic", func(context.Context, []byte) ([]byte, error) {
		return nil, eris.New("boom")
	})
	require.NoError(t, err)
	require.NoError(t, server.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("ok", func(t *testing.T) {
		ack, err := client.UnaryCall(ctx, "query/game/location", []byte(`{"x":1}`))
		require.NoError(t, err)
		assert.Equal(t, int(codes.OK), ack.StatusCode)
		assert.JSONEq(t, `{"x":1}`, string(ack.Payload))
	})

	t.Run("status error keeps its code", func(t *testing.T) {
		_, err := client.UnaryCall(ctx, "tx/game/error", nil)
		var tErr *correlation.TransportError
		require.ErrorAs(t, err, &tErr)
		assert.Equal(t, int(codes.FailedPrecondition), tErr.StatusCode)
		assert.Equal(t, "player not spawned", tErr.Body)
	})

	t.Run("plain error is internal", func(t *testing.T) {
		_, err := client.UnaryCall(ctx, "tx/game/panic", nil)
		var tErr *correlation.TransportError
		require.ErrorAs(t, err, &tErr)
		assert.Equal(t, int(codes.Internal), tErr.StatusCode)
	})

	t.Run("no responders", func(t *testing.T) {
		_, err := client.UnaryCall(ctx, "tx/game/nobody", nil)
		var tErr *correlation.TransportError
		require.ErrorAs(t, err, &tErr)
		assert.Equal(t, int(codes.Unavailable), tErr.StatusCode)
	})
}

func TestClient_SubscribeAndPublish(t *testing.T) {
	t.Parallel()

	c := NewTestClient(t, "events")

	sub, err := c.Subscribe(context.Background(), "receipt")
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	require.NoError(t, c.PublishEvent("receipt", "0xabc", []byte(`{"result":{}}`)))
	require.NoError(t, c.PublishEvent("event", "", []byte(`{"message":"ignored"}`)))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "receipt", ev.Category)
		assert.Equal(t, "0xabc", ev.Key)
		assert.JSONEq(t, `{"result":{}}`, string(ev.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
}

func TestClient_CorrelatedCallOverNATS(t *testing.T) {
	t.Parallel()

	server := NewTestClient(t, "correlated")
	client := NewTestClient(t, "correlated")

	// The backend acknowledges with the tx hash and publishes the receipt afterwards.
	_, err := server.Serve("tx/game/move", func(context.Context, []byte) ([]byte, error) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			receipt, _ := json.Marshal(map[string]any{"txHash": "0xother", "result": map[string]int{"x": 0}})
			_ = server.PublishEvent(correlation.DefaultCategory, "", receipt)
			receipt, _ = json.Marshal(map[string]any{"txHash": "0xmove", "result": map[string]int{"x": 7}})
			_ = server.PublishEvent(correlation.DefaultCategory, "0xmove", receipt)
		}()
		return []byte(`{"txHash":"0xmove","tick":42}`), nil
	})
	require.NoError(t, err)
	require.NoError(t, server.Flush())

	engine, err := correlation.NewEngine(client, correlation.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	out := engine.CorrelatedCall(context.Background(), correlation.Call{
		Name:    "tx/game/move",
		Timeout: 5 * time.Second,
	}, []byte(`{"direction":"up"}`))
	require.True(t, out.IsSuccess(), "outcome: %s %v", out.Kind, out.Err)
	assert.Equal(t, "0xmove", out.Value.TxHash)

	var pos struct{ X int }
	require.NoError(t, out.Value.DecodeResult(&pos))
	assert.Equal(t, 7, pos.X)
	assert.Equal(t, 0, engine.Pending())
}

func TestNATSConfig_Validate(t *testing.T) {
	t.Parallel()

	good := NATSConfig{Name: "n", URL: "nats://127.0.0.1:4222", SubjectPrefix: "world", EventBuffer: 1}
	require.NoError(t, good.Validate())

	bad := good
	bad.URL = ""
	require.Error(t, bad.Validate())

	bad = good
	bad.SubjectPrefix = "world.>"
	require.Error(t, bad.Validate())
}

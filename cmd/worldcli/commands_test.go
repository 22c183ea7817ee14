package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/nakama/nakamatest"
	"github.com/argus-labs/world-engine-client/pkg/sign"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, srv *nakamatest.Server, args ...string) (string, error) {
	t.Helper()

	out := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--quiet", "--address", srv.URL, "--device-id", "device-0001", "--timeout", "5s"}, args...))

	err := cmd.Execute()
	return out.String(), err
}

func decodeOutput(t *testing.T, out string) map[string]any {
	t.Helper()

	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &v), "output: %s", out)
	return v
}

// notifyWhenConnected sends a receipt once the client's realtime socket is up.
func notifyWhenConnected(srv *nakamatest.Server, content string) {
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for srv.Connections() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		_ = srv.Notify("receipt", content, false)
	}()
}

func TestLogin(t *testing.T) {
	srv := nakamatest.NewServer(t)

	out, err := execute(t, srv, "login")
	require.NoError(t, err)

	v := decodeOutput(t, out)
	assert.NotEmpty(t, v["userId"])
	assert.NotEmpty(t, v["expiresAt"])
	assert.Equal(t, 1, srv.Authentications())
}

func TestLogin_Unreachable(t *testing.T) {
	srv := nakamatest.NewServer(t)
	srv.Close()

	_, err := execute(t, srv, "login")
	require.Error(t, err)
}

func TestTx(t *testing.T) {
	srv := nakamatest.NewServer(t)
	srv.Handle("tx/game/move", func(_ context.Context, _ string, payload []byte) (int, []byte) {
		if !json.Valid(payload) {
			return 400, []byte(`{"message":"bad payload"}`)
		}
		notifyWhenConnected(srv, `{"txHash":"0xabc","result":{"x":2}}`)
		return 200, []byte(`{"txHash":"0xabc","tick":7}`)
	})

	out, err := execute(t, srv, "tx", "move", "--payload", `{"direction":"north"}`)
	require.NoError(t, err)

	v := decodeOutput(t, out)
	assert.Equal(t, "0xabc", v["txHash"])
	assert.Equal(t, true, v["success"])
	assert.Equal(t, map[string]any{"x": float64(2)}, v["result"])
}

func TestTx_FailedReceipt(t *testing.T) {
	srv := nakamatest.NewServer(t)
	srv.Handle("tx/game/move", func(context.Context, string, []byte) (int, []byte) {
		notifyWhenConnected(srv, `{"txHash":"0xbad","errors":["blocked"]}`)
		return 200, []byte(`{"txHash":"0xbad","tick":7}`)
	})

	out, err := execute(t, srv, "tx", "move")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
	assert.Equal(t, "0xbad", decodeOutput(t, out)["txHash"])
}

func TestTx_InvalidPayload(t *testing.T) {
	srv := nakamatest.NewServer(t)

	_, err := execute(t, srv, "tx", "move", "--payload", "{")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --payload")
	assert.Equal(t, 0, srv.Authentications())
}

func TestQuery(t *testing.T) {
	srv := nakamatest.NewServer(t)
	srv.Handle("query/game/location", func(_ context.Context, _ string, payload []byte) (int, []byte) {
		var req struct {
			Persona string `json:"persona"`
		}
		if err := json.Unmarshal(payload, &req); err != nil || req.Persona != "hero" {
			return 400, []byte(`{"message":"unknown persona"}`)
		}
		return 200, []byte(`{"x":3,"y":4}`)
	})

	out, err := execute(t, srv, "query", "location", "--payload", `{"persona":"hero"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":3,"y":4}`, out)

	_, err = execute(t, srv, "query", "location", "--payload", `{"persona":"villain"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown persona")
}

func TestTick(t *testing.T) {
	t.Setenv("WORLD_TICK_RATE", "10")

	srv := nakamatest.NewServer(t)
	srv.Handle("query/world/tick", func(context.Context, string, []byte) (int, []byte) {
		return 200, []byte(`{"tick":42}`)
	})

	out, err := execute(t, srv, "tick")
	require.NoError(t, err)

	v := decodeOutput(t, out)
	assert.EqualValues(t, 42, v["tick"])
	assert.EqualValues(t, 10, v["rate"])
	assert.GreaterOrEqual(t, v["extrapolated"].(float64), float64(42))
}

func TestClaimPersona(t *testing.T) {
	srv := nakamatest.NewServer(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey).Hex()

	var signer string
	srv.Handle("nakama/claim-persona", func(_ context.Context, _ string, payload []byte) (int, []byte) {
		var req struct {
			SignerAddress string `json:"signerAddress"`
		}
		_ = json.Unmarshal(payload, &req)
		signer = req.SignerAddress
		notifyWhenConnected(srv, `{"txHash":"0x01","result":{"success":true}}`)
		return 200, []byte(`{"txHash":"0x01","tick":1}`)
	})
	srv.Handle("nakama/show-persona", func(context.Context, string, []byte) (int, []byte) {
		return 200, []byte(`{"personaTag":"hero","status":"accepted"}`)
	})

	keyFile := filepath.Join(t.TempDir(), "signer.key")
	require.NoError(t, os.WriteFile(keyFile, []byte(hexutil.Encode(crypto.FromECDSA(key))+"\n"), 0o600))

	out, err := execute(t, srv, "claim-persona", "hero", "--signer-key", "@"+keyFile, "--wait")
	require.NoError(t, err)
	assert.Equal(t, want, signer)

	v := decodeOutput(t, out)
	assert.Equal(t, "hero", v["personaTag"])
	assert.Equal(t, "accepted", v["status"])
}

func TestLoadSigner(t *testing.T) {
	key, err := loadSigner("")
	require.NoError(t, err)
	assert.Nil(t, key)

	_, err = loadSigner("zz")
	require.Error(t, err)

	// An address is not a private key.
	_, err = loadSigner("0x71C7656EC7ab88b098defB751B7401B5f6d8976F")
	require.Error(t, err)

	want, err := crypto.GenerateKey()
	require.NoError(t, err)
	got, err := loadSigner(hexutil.Encode(crypto.FromECDSA(want)))
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	_, err = loadSigner("@" + filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestTx_Signed(t *testing.T) {
	srv := nakamatest.NewServer(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := hexutil.Encode(crypto.FromECDSA(key))

	var tx sign.Transaction
	srv.Handle("tx/game/move", func(_ context.Context, _ string, payload []byte) (int, []byte) {
		if err := json.Unmarshal(payload, &tx); err != nil {
			return 400, []byte(`{"message":"not a signed transaction"}`)
		}
		notifyWhenConnected(srv, `{"txHash":"0x05"}`)
		return 200, []byte(`{"txHash":"0x05","tick":1}`)
	})

	_, err = execute(t, srv, "tx", "move", "--signer-key", hexKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--persona")

	_, err = execute(t, srv, "tx", "move", "--signer-key", hexKey, "--persona", "hero", "--payload", `{"dx":1}`)
	require.NoError(t, err)
	assert.Equal(t, "hero", tx.PersonaTag)
	require.NoError(t, tx.Verify(crypto.PubkeyToAddress(key.PublicKey).Hex()))
}

package correlation_test

import (
	"testing"

	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec_AckKey(t *testing.T) {
	t.Parallel()

	codec := correlation.JSONCodec{}

	tests := []struct {
		name    string
		ack     string
		want    string
		wantErr bool
	}{
		{name: "key present", ack: `{"txHash":"0xabc","tick":12}`, want: "0xabc"},
		{name: "key missing", ack: `{"status":"ok"}`, wantErr: true},
		{name: "key empty", ack: `{"txHash":""}`, wantErr: true},
		{name: "key not a string", ack: `{"txHash":12}`, wantErr: true},
		{name: "not json", ack: `ok`, wantErr: true},
		{name: "empty", ack: ``, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := codec.AckKey([]byte(tc.ack))
			if tc.wantErr {
				var perr *correlation.ParseError
				require.ErrorAs(t, err, &perr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestJSONCodec_DecodeReceipt(t *testing.T) {
	t.Parallel()

	codec := correlation.JSONCodec{}

	t.Run("success derived from errors", func(t *testing.T) {
		t.Parallel()

		r, err := codec.DecodeReceipt([]byte(`{"txHash":"0x1","result":{"ok":true}}`), "")
		require.NoError(t, err)
		assert.True(t, r.Success)
		assert.NoError(t, r.Err())

		r, err = codec.DecodeReceipt([]byte(`{"txHash":"0x1","errors":["not enough gold"]}`), "")
		require.NoError(t, err)
		assert.False(t, r.Success)
		require.ErrorIs(t, r.Err(), correlation.ErrTransactionFailed)
		assert.Contains(t, r.Err().Error(), "not enough gold")
	})

	t.Run("explicit success wins", func(t *testing.T) {
		t.Parallel()

		r, err := codec.DecodeReceipt([]byte(`{"txHash":"0x1","success":false}`), "")
		require.NoError(t, err)
		assert.False(t, r.Success)
	})

	t.Run("out of band key", func(t *testing.T) {
		t.Parallel()

		r, err := codec.DecodeReceipt([]byte(`{"result":1}`), "0x9")
		require.NoError(t, err)
		assert.Equal(t, "0x9", r.TxHash)

		_, err = codec.DecodeReceipt([]byte(`{"txHash":"0x1"}`), "0x9")
		var perr *correlation.ParseError
		require.ErrorAs(t, err, &perr)

		_, err = codec.DecodeReceipt([]byte(`{"result":1}`), "")
		require.ErrorAs(t, err, &perr)
	})

	t.Run("custom key field", func(t *testing.T) {
		t.Parallel()

		r, err := correlation.JSONCodec{KeyField: "id"}.DecodeReceipt([]byte(`{"id":"abc"}`), "")
		require.NoError(t, err)
		assert.Equal(t, "abc", r.TxHash)
	})
}

func TestReceipt_DecodeResult(t *testing.T) {
	t.Parallel()

	r := correlation.Receipt{Result: []byte(`{"x":4,"y":5}`)}
	var pos struct{ X, Y int }
	require.NoError(t, r.DecodeResult(&pos))
	assert.Equal(t, 4, pos.X)

	var perr *correlation.ParseError
	require.ErrorAs(t, correlation.Receipt{}.DecodeResult(&pos), &perr)
}

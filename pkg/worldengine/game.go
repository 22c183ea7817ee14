package worldengine

import (
	"context"
	"path"

	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

const (
	txPrefix    = "tx/game/"
	queryPrefix = "query/game/"
)

// Transact submits a game message and waits for its receipt. payload may be a []byte holding
// JSON or any value that marshals to JSON. With a signer the payload is wrapped in a signed
// transaction.
func (c *Client) Transact(ctx context.Context, msg string, payload any) correlation.Outcome[TxResult[json.RawMessage]] {
	if msg == "" {
		return correlation.Failure[TxResult[json.RawMessage]](eris.New("message name cannot be empty"))
	}
	if c.signer != nil {
		body, err := marshal(payload)
		if err != nil {
			return correlation.Failure[TxResult[json.RawMessage]](err)
		}
		tx, err := c.signer.Sign(body)
		if err != nil {
			return correlation.Failure[TxResult[json.RawMessage]](err)
		}
		c.log.Debug().Str("msg", msg).Uint64("nonce", tx.Nonce).Msg("Signed transaction")
		payload = tx
	}
	return transact[json.RawMessage](ctx, c, path.Join(txPrefix, msg), payload)
}

// Query runs a read-only game query and decodes its reply into reply.
func (c *Client) Query(ctx context.Context, name string, req any, reply any) correlation.Outcome[json.RawMessage] {
	if name == "" {
		return correlation.Failure[json.RawMessage](eris.New("query name cannot be empty"))
	}
	out := query[json.RawMessage](ctx, c, path.Join(queryPrefix, name), req)
	if reply == nil {
		return out
	}
	return correlation.Then(out, func(raw json.RawMessage) (json.RawMessage, error) {
		if err := json.Unmarshal(raw, reply); err != nil {
			return raw, &correlation.ParseError{What: name + " reply", Err: err}
		}
		return raw, nil
	})
}

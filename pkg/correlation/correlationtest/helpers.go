package correlationtest

import (
	"context"

	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/goccy/go-json"
)

// AckWithKey returns a handler that acknowledges with {"txHash": key}.
func AckWithKey(key string) Handler {
	return func(context.Context, []byte) (correlation.Ack, error) {
		return correlation.Ack{Payload: KeyPayload(key), StatusCode: 200}, nil
	}
}

// KeyPayload encodes {"txHash": key}.
func KeyPayload(key string) []byte {
	b, _ := json.Marshal(map[string]string{correlation.DefaultKeyField: key})
	return b
}

// ReceiptEvent builds a receipt event for category carrying key in its body.
func ReceiptEvent(category, key string, result any, errs ...string) correlation.Event {
	body := map[string]any{correlation.DefaultKeyField: key}
	if result != nil {
		body["result"] = result
	}
	if len(errs) > 0 {
		body["errors"] = errs
	}
	b, _ := json.Marshal(body)
	return correlation.Event{Category: category, Body: b}
}

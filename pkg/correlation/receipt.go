package correlation

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// DefaultKeyField is the field carrying the correlation key in acks and receipts.
const DefaultKeyField = "txHash"

// ErrTransactionFailed is returned by Receipt.Err for receipts reporting a failed transaction.
var ErrTransactionFailed = eris.New("transaction failed")

// Receipt is the result of a transaction as reported by the push channel.
type Receipt struct {
	TxHash  string          `json:"txHash"`
	Success bool            `json:"success"`
	Errors  []string        `json:"errors,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Err returns nil for successful receipts and an error listing the reported errors otherwise.
func (r Receipt) Err() error {
	if r.Success {
		return nil
	}
	if len(r.Errors) == 0 {
		return eris.Wrapf(ErrTransactionFailed, "tx %s", r.TxHash)
	}
	return eris.Wrapf(ErrTransactionFailed, "tx %s: %s", r.TxHash, strings.Join(r.Errors, "; "))
}

// DecodeResult unmarshals the receipt result into v.
func (r Receipt) DecodeResult(v any) error {
	if len(r.Result) == 0 {
		return &ParseError{What: "receipt result", Err: eris.New("result is empty")}
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return &ParseError{What: "receipt result", Err: err}
	}
	return nil
}

// Event is a push notification delivered by the transport.
type Event struct {
	Category string
	// Key is the correlation key when the transport knows it. Otherwise it is read from Body.
	Key        string
	Body       []byte
	Persistent bool
}

// Codec extracts correlation keys and decodes receipts.
type Codec interface {
	AckKey(ack []byte) (string, error)
	// DecodeReceipt decodes body. A non-empty key is the correlation key supplied out of band;
	// it must agree with the key in body when body carries one.
	DecodeReceipt(body []byte, key string) (Receipt, error)
}

// JSONCodec reads the correlation key from a top-level string field of a JSON object.
type JSONCodec struct {
	KeyField string
}

var _ Codec = JSONCodec{}

func (c JSONCodec) keyField() string {
	if c.KeyField == "" {
		return DefaultKeyField
	}
	return c.KeyField
}

func (c JSONCodec) AckKey(ack []byte) (string, error) {
	fields, err := decodeObject(ack)
	if err != nil {
		return "", &ParseError{What: "ack", Err: err}
	}
	key, err := stringField(fields, c.keyField())
	if err != nil {
		return "", &ParseError{What: "ack", Err: err}
	}
	return key, nil
}

// receiptWire distinguishes an absent success flag from an explicit false.
type receiptWire struct {
	Success *bool           `json:"success"`
	Errors  []string        `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

func (c JSONCodec) DecodeReceipt(body []byte, key string) (Receipt, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return Receipt{}, &ParseError{What: "receipt", Err: err}
	}
	bodyKey, err := stringField(fields, c.keyField())
	switch {
	case err != nil && key == "":
		return Receipt{}, &ParseError{What: "receipt", Err: err}
	case err == nil && key != "" && bodyKey != key:
		return Receipt{}, &ParseError{
			What: "receipt",
			Err:  eris.Errorf("out of band key %q contradicts body key %q", key, bodyKey),
		}
	case err == nil:
		key = bodyKey
	}

	var wire receiptWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return Receipt{}, &ParseError{What: "receipt", Err: err}
	}

	r := Receipt{
		TxHash: key,
		Errors: wire.Errors,
		Result: wire.Result,
	}
	if wire.Success != nil {
		r.Success = *wire.Success
	} else {
		r.Success = len(wire.Errors) == 0
	}
	return r, nil
}

func decodeObject(b []byte) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return nil, eris.New("payload is empty")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, eris.Wrap(err, "payload is not a JSON object")
	}
	return fields, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", eris.Errorf("field %q is missing", name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", eris.Wrapf(err, "field %q is not a string", name)
	}
	if s == "" {
		return "", eris.Errorf("field %q is empty", name)
	}
	return s, nil
}

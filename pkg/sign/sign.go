// Package sign produces and verifies persona-signed game transactions.
package sign

import (
	"crypto/ecdsa"
	"strconv"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// ErrSignatureInvalid is returned when a transaction was not signed by the expected address.
var ErrSignatureInvalid = eris.New("signature validation failed")

// Transaction is a message body signed on behalf of a persona.
type Transaction struct {
	PersonaTag string          `json:"personaTag"`
	Namespace  string          `json:"namespace"`
	Nonce      uint64          `json:"nonce"`
	Signature  string          `json:"signature"`
	Body       json.RawMessage `json:"body"`
}

// Hash is keccak256(personaTag || namespace || decimal nonce || body).
func (tx *Transaction) Hash() common.Hash {
	return crypto.Keccak256Hash(
		[]byte(tx.PersonaTag),
		[]byte(tx.Namespace),
		[]byte(strconv.FormatUint(tx.Nonce, 10)),
		tx.Body,
	)
}

// Verify checks that tx was signed by hexAddress.
func (tx *Transaction) Verify(hexAddress string) error {
	sig, err := hexutil.Decode(tx.Signature)
	if err != nil {
		return eris.Wrap(err, "failed to decode signature")
	}
	pub, err := crypto.SigToPub(tx.Hash().Bytes(), sig)
	if err != nil {
		return eris.Wrap(err, "failed to recover signer")
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(hexAddress) {
		return ErrSignatureInvalid
	}
	return nil
}

// Signer signs transactions for one persona in one namespace. Nonces increase with every
// signature and are safe to draw concurrently.
type Signer struct {
	key        *ecdsa.PrivateKey
	personaTag string
	namespace  string
	nonce      atomic.Uint64
}

// NewSigner creates a signer whose first transaction carries startNonce.
func NewSigner(key *ecdsa.PrivateKey, personaTag, namespace string, startNonce uint64) (*Signer, error) {
	if key == nil {
		return nil, eris.New("signer key is required")
	}
	if personaTag == "" {
		return nil, eris.New("persona tag is required")
	}
	if namespace == "" {
		return nil, eris.New("namespace is required")
	}
	s := &Signer{key: key, personaTag: personaTag, namespace: namespace}
	s.nonce.Store(startNonce)
	return s, nil
}

// Address returns the hex address of the signing key.
func (s *Signer) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// PersonaTag returns the persona transactions are signed for.
func (s *Signer) PersonaTag() string {
	return s.personaTag
}

// Sign signs body, which must be JSON, with the next nonce.
func (s *Signer) Sign(body []byte) (*Transaction, error) {
	if !json.Valid(body) {
		return nil, eris.New("transaction body must be valid JSON")
	}
	tx := &Transaction{
		PersonaTag: s.personaTag,
		Namespace:  s.namespace,
		Nonce:      s.nonce.Add(1) - 1,
		Body:       json.RawMessage(body),
	}
	sig, err := crypto.Sign(tx.Hash().Bytes(), s.key)
	if err != nil {
		return nil, eris.Wrap(err, "failed to sign transaction")
	}
	tx.Signature = hexutil.Encode(sig)
	return tx, nil
}

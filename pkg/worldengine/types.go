package worldengine

import (
	"github.com/argus-labs/world-engine-client/pkg/clock"
	"github.com/argus-labs/world-engine-client/pkg/correlation"
)

// TxResult is a resolved transaction: the raw receipt and its decoded result. The result is only
// decoded for successful receipts; use Receipt.Err to check whether the transaction failed.
type TxResult[T any] struct {
	Receipt correlation.Receipt
	Result  T
}

// Err reports whether the world rejected the transaction.
func (r TxResult[T]) Err() error {
	return r.Receipt.Err()
}

// TxResponse is the immediate reply to a transaction submission.
type TxResponse struct {
	TxHash string     `json:"txHash"`
	Tick   clock.Tick `json:"tick"`
}

// PersonaStatus is the claim status of the session's persona.
type PersonaStatus string

const (
	PersonaPending  PersonaStatus = "pending"
	PersonaAccepted PersonaStatus = "accepted"
	PersonaRejected PersonaStatus = "rejected"
)

// Settled reports whether the claim is no longer pending.
func (s PersonaStatus) Settled() bool {
	return s == PersonaAccepted || s == PersonaRejected
}

type claimPersonaRequest struct {
	PersonaTag    string `json:"personaTag"`
	SignerAddress string `json:"signerAddress"`
}

// ClaimPersonaResult is the body of a claim-persona receipt.
type ClaimPersonaResult struct {
	Success bool `json:"success"`
}

// Persona is the reply to show-persona.
type Persona struct {
	PersonaTag    string        `json:"personaTag"`
	SignerAddress string        `json:"signerAddress,omitempty"`
	Status        PersonaStatus `json:"status"`
	TxHash        string        `json:"txHash,omitempty"`
}

type saveRequest struct {
	Data string `json:"data"`
}

type successReply struct {
	Success bool `json:"success"`
}

// Save is the reply to get-save.
type Save struct {
	Data        string `json:"data"`
	Persona     string `json:"persona"`
	Allowlisted bool   `json:"allowlisted"`
}

type claimKeyRequest struct {
	Key string `json:"key"`
}

type leaderboardRequest struct {
	LeaderboardID string `json:"leaderboardId"`
	Limit         int    `json:"limit"`
	Cursor        string `json:"cursor,omitempty"`
}

// LeaderboardRecord is one ranked entry of a leaderboard.
type LeaderboardRecord struct {
	OwnerID  string `json:"ownerId"`
	Username string `json:"username"`
	Score    int64  `json:"score"`
	Subscore int64  `json:"subscore"`
	Rank     int64  `json:"rank"`
}

// Leaderboard is one page of leaderboard records.
type Leaderboard struct {
	Records    []LeaderboardRecord `json:"records"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

type worldTickReply struct {
	Tick clock.Tick `json:"tick"`
}

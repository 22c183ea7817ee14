package worldengine

import (
	"context"

	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/rotisserie/eris"
)

var ErrRejected = eris.New("request rejected by server")

// SaveGame stores an opaque save blob for the session's persona.
func (c *Client) SaveGame(ctx context.Context, data string) correlation.Outcome[struct{}] {
	return correlation.Then(query[successReply](ctx, c, rpcSave, saveRequest{Data: data}), requireSuccess("save"))
}

// GetSave returns the save blob of the session's persona.
func (c *Client) GetSave(ctx context.Context) correlation.Outcome[Save] {
	return query[Save](ctx, c, rpcGetSave, nil)
}

// ClaimKey redeems a beta key for the session's account.
func (c *Client) ClaimKey(ctx context.Context, key string) correlation.Outcome[struct{}] {
	if key == "" {
		return correlation.Failure[struct{}](eris.New("key cannot be empty"))
	}
	return correlation.Then(query[successReply](ctx, c, rpcClaimKey, claimKeyRequest{Key: key}), requireSuccess("claim key"))
}

// ReadLeaderboard returns up to limit records of a leaderboard, starting at cursor.
func (c *Client) ReadLeaderboard(ctx context.Context, id string, limit int, cursor string) correlation.Outcome[Leaderboard] {
	if id == "" {
		return correlation.Failure[Leaderboard](eris.New("leaderboard id cannot be empty"))
	}
	if limit <= 0 {
		return correlation.Failure[Leaderboard](eris.Errorf("invalid leaderboard limit %d", limit))
	}
	return query[Leaderboard](ctx, c, rpcReadLeaderboard, leaderboardRequest{
		LeaderboardID: id,
		Limit:         limit,
		Cursor:        cursor,
	})
}

func requireSuccess(op string) func(successReply) (struct{}, error) {
	return func(r successReply) (struct{}, error) {
		if !r.Success {
			return struct{}{}, eris.Wrap(ErrRejected, op)
		}
		return struct{}{}, nil
	}
}

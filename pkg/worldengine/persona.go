package worldengine

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rotisserie/eris"
)

var ErrPersonaRejected = eris.New("persona claim rejected")

// ClaimPersona claims tag for the session's account and waits for the world's receipt. The signer
// address is derived from signer; a fresh key is generated when signer is nil.
func (c *Client) ClaimPersona(
	ctx context.Context, tag string, signer *ecdsa.PrivateKey,
) correlation.Outcome[TxResult[ClaimPersonaResult]] {
	if tag == "" {
		return correlation.Failure[TxResult[ClaimPersonaResult]](eris.New("persona tag cannot be empty"))
	}
	if signer == nil {
		key, err := crypto.GenerateKey()
		if err != nil {
			return correlation.Failure[TxResult[ClaimPersonaResult]](eris.Wrap(err, "failed to generate signer key"))
		}
		signer = key
	}

	req := claimPersonaRequest{
		PersonaTag:    tag,
		SignerAddress: crypto.PubkeyToAddress(signer.PublicKey).Hex(),
	}
	c.log.Debug().Str("persona_tag", tag).Str("signer", req.SignerAddress).Msg("Claiming persona")
	return transact[ClaimPersonaResult](ctx, c, rpcClaimPersona, req)
}

// ShowPersona returns the persona claimed by the session's account.
func (c *Client) ShowPersona(ctx context.Context) correlation.Outcome[Persona] {
	return query[Persona](ctx, c, rpcShowPersona, nil)
}

// WaitForPersona polls show-persona until the claim is accepted or rejected. A rejected claim is
// a Failure wrapping ErrPersonaRejected.
func (c *Client) WaitForPersona(ctx context.Context) correlation.Outcome[Persona] {
	ticker := time.NewTicker(c.cfg.PersonaPollInterval)
	defer ticker.Stop()

	for {
		out := c.ShowPersona(ctx)
		if !out.IsSuccess() {
			return out
		}
		switch out.Value.Status {
		case PersonaAccepted:
			return out
		case PersonaRejected:
			return correlation.Failure[Persona](eris.Wrapf(ErrPersonaRejected, "persona %s", out.Value.PersonaTag))
		case PersonaPending:
		default:
			c.log.Warn().Str("status", string(out.Value.Status)).Msg("Unknown persona status")
		}

		select {
		case <-ctx.Done():
			return correlation.Failure[Persona](eris.Wrap(correlation.ErrCancelled, context.Cause(ctx).Error()))
		case <-ticker.C:
		}
	}
}

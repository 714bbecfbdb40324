package recovery

import (
	"context"
	"log/slog"

	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/cashu"
	"github.com/elnosh/nutrecovery/cashu/nuts/nut07"
	"github.com/elnosh/nutrecovery/crypto"
)

type StateChecker interface {
	CheckState(ctx context.Context, mintURL string, Ys []string) (map[string]nut07.State, error)
}

// FilterUnspent returns the proofs the mint reports as unspent. Proofs
// missing from the mint response are treated as spent.
func FilterUnspent(ctx context.Context, checker StateChecker, mintURL string,
	proofs cashu.Proofs, logger *slog.Logger) (cashu.Proofs, error) {

	if len(proofs) == 0 {
		return cashu.Proofs{}, nil
	}

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.Y(proof.Secret)
		if err != nil {
			return nil, apperr.WrapValidation(err, apperr.Params{"amount": proof.Amount}, "could not hash secret to curve")
		}
		Ys[i] = Y
	}

	states, err := checker.CheckState(ctx, mintURL, Ys)
	if err != nil {
		return nil, err
	}

	unspent := make(cashu.Proofs, 0, len(proofs))
	for i, proof := range proofs {
		if state, ok := states[Ys[i]]; ok && state == nut07.Unspent {
			unspent = append(unspent, proof)
		}
	}

	logger.Info("unspent proofs found", slog.String("mintUrl", mintURL),
		slog.Int("total", len(proofs)), slog.Int("unspent", len(unspent)))
	return unspent, nil
}

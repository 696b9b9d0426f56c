package scoring

import (
	"context"
	"errors"
)

var ErrMLUnavailable = errors.New("ml scoring is not available")

// MLBridge is the seam for a learned scorer. Only the rule-based scorer is
// deployed, so callers record the bridge status and fall back to Score.
type MLBridge interface {
	Predict(ctx context.Context, region string, responses map[string]string) (Candidate, error)
}

// UnavailableBridge always reports ErrMLUnavailable.
type UnavailableBridge struct{}

func (UnavailableBridge) Predict(context.Context, string, map[string]string) (Candidate, error) {
	return Candidate{}, ErrMLUnavailable
}

// BridgeStatus reduces a bridge error to the status string stored with an
// analysis.
func BridgeStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMLUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

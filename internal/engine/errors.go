package engine

import (
	"errors"
	"fmt"

	"tradeyard/internal/domain"
)

var (
	// ErrInvalidTransition reports a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrIdempotencyMismatch reports a reused idempotency key whose request
	// differs from the stored intent.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different intent")
)

func invalidTransition(from, to domain.IntentStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ensureIntentTransition enforces the intent lifecycle. CANCELLED and EXPIRED
// are reachable from every non-terminal status; MATCHED -> RISK_PASSED exists
// only for releasing the sides of a rejected match.
func ensureIntentTransition(from, to domain.IntentStatus) error {
	switch from {
	case domain.IntentCreated:
		if to == domain.IntentRiskPending || to == domain.IntentCancelled || to == domain.IntentExpired {
			return nil
		}
	case domain.IntentRiskPending:
		switch to {
		case domain.IntentRiskPassed, domain.IntentRiskBlocked, domain.IntentCancelled, domain.IntentExpired:
			return nil
		}
	case domain.IntentRiskPassed:
		switch to {
		case domain.IntentMatching, domain.IntentMatched, domain.IntentCancelled, domain.IntentExpired:
			return nil
		}
	case domain.IntentMatching:
		switch to {
		case domain.IntentMatched, domain.IntentRiskPassed, domain.IntentCancelled, domain.IntentExpired:
			return nil
		}
	case domain.IntentMatched:
		if to == domain.IntentRiskPassed {
			return nil
		}
	}
	return invalidTransition(from, to)
}

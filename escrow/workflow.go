package escrow

import (
	"fmt"

	"paylock/models"
)

// allowedTransitions enumerates the legal escrow state machine. RELEASED and
// REFUNDED are terminal; a disputed escrow can only be refunded.
var allowedTransitions = map[models.EscrowStatus][]models.EscrowStatus{
	models.EscrowHeld:     {models.EscrowReleased, models.EscrowRefunded, models.EscrowDisputed},
	models.EscrowDisputed: {models.EscrowRefunded},
}

// ValidateTransition ensures the transition follows the defined state machine.
func ValidateTransition(current, next models.EscrowStatus) error {
	for _, state := range allowedTransitions[current] {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}

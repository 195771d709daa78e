package syncer

import (
	"fmt"

	"github.com/zkemails/zkemails/internal/envelope"
)

// UndecryptableError marks a fetched message whose envelope could not be
// opened. The message stays on the server; it is counted failed and not
// retried.
type UndecryptableError struct {
	ID     string
	Reason envelope.FailureReason
}

func (e *UndecryptableError) Error() string {
	return fmt.Sprintf("message %s undecryptable: %s", e.ID, e.Reason)
}

package pipeline

import (
	"time"

	"github.com/nautilux/reef-data-ingest/internal/domain"
)

// envelope carries one decoded reading through the retry lifecycle.
type envelope struct {
	Reading domain.DecodedReading

	// Attempts counts redeliveries so far. Zero means the initial delivery.
	Attempts int

	// NextAttempt is when the scheduled redelivery becomes due.
	NextAttempt time.Time

	// LastError is the message from the most recent failure, kept for
	// dead-letter context if the envelope exhausts.
	LastError string
}

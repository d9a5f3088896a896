package external

import (
	"time"

	"accountsd/internal/core/accounts"
)

// systemClock is the real-wall-clock accounts.Clock implementation.
type systemClock struct{}

// NewSystemClock returns the accounts.Clock backed by time.Now.
func NewSystemClock() accounts.Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

var _ accounts.Clock = systemClock{}

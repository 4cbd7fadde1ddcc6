package ledger

import "time"

// Clock supplies wall-clock time to components that stamp records,
// operations and audit entries. Tests substitute testutil.FakeClock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

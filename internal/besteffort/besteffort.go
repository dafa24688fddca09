// Package besteffort runs non-critical side effects. Index sync and
// operator notifications hang off the primary write path but must never
// fail it; wrapping them here makes that rule explicit at every call site.
package besteffort

import (
	"github.com/rs/zerolog"
)

// Do executes fn and reports whether it succeeded. A failure is logged with
// the operation name and swallowed; it never propagates to the caller.
func Do(logger zerolog.Logger, op string, fn func() error) bool {
	if err := fn(); err != nil {
		logger.Warn().Err(err).Str("op", op).Msg("Non-critical side effect failed")
		return false
	}
	return true
}

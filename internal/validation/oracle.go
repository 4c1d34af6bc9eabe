// Package validation defines the validation oracle consumed by the
// protocol router and a rule-based implementation of it.
package validation

import "context"

//go:generate moq -out oracle_mock.go . Oracle

// Oracle answers validation requests. A nil error means the value is
// valid; a non-nil error carries the message shown to the user. The
// router invokes the oracle synchronously with a deadline on ctx.
type Oracle interface {
	Validate(ctx context.Context, form, field, value string) error
}

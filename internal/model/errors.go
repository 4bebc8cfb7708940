package model

import "github.com/kilnrun/kiln/internal/errs"

func newValidationError(stepID, format string, args ...any) error {
	args = append([]any{stepID}, args...)
	return errs.New(errs.ValidationError, "step %q: "+format, args...)
}

package sparkit

import (
	"github.com/grailbio/base/errors"
)

// IsConfigurationError tells whether err was caused by invalid input or
// settings: a bad class set, a smoothing constant out of range, a label
// outside the class set, mismatched feature dimensions or an empty dataset.
func IsConfigurationError(err error) bool {
	return errors.Is(errors.Invalid, err)
}

// IsNotFitted tells whether err was returned for using an estimator before
// it was fitted.
func IsNotFitted(err error) bool {
	return errors.Is(errors.Precondition, err)
}

func errNotFitted(op string) error {
	return errors.E(errors.Precondition, op+": model is not fitted")
}

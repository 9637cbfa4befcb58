package receipt

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalid          = "RECEIPT_INVALID"
	TextCodeDuplicate        = "RECEIPT_DUPLICATE"
	TextCodeStoreUnavailable = "RECEIPT_STORE_UNAVAILABLE"
)

// ErrConflict is returned by a Store when an insert violates the uniqueness
// constraint on the receipt number.
var ErrConflict = errors.New("receipt number already registered")

func invalidError(message string) error {
	return goerrors.New(message, goerrors.CategoryValidation).
		WithTextCode(TextCodeInvalid)
}

func duplicateError(receipt string) error {
	return goerrors.New("receipt "+receipt+" is already in use", goerrors.CategoryConflict).
		WithTextCode(TextCodeDuplicate)
}

func storeError(source error) error {
	return goerrors.Wrap(source, goerrors.CategoryExternal, "receipt store unavailable").
		WithTextCode(TextCodeStoreUnavailable)
}

// IsInvalid reports whether err is a receipt syntax error.
func IsInvalid(err error) bool {
	return hasTextCode(err, TextCodeInvalid)
}

// IsDuplicate reports whether err means the receipt is already in use. Races
// lost at insert time are reported the same way.
func IsDuplicate(err error) bool {
	return hasTextCode(err, TextCodeDuplicate)
}

// IsStoreUnavailable reports whether err is a transient store failure.
func IsStoreUnavailable(err error) bool {
	return hasTextCode(err, TextCodeStoreUnavailable)
}

func hasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	return rich.TextCode == code
}

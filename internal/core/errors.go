package core

import "errors"

// Sentinel errors for the pure evaluation core. Storage- and engine-level
// errors (AdapterError, FeatureNotFoundError) both live in internal/store,
// since core itself never touches storage.
var (
	// ErrInvalidFeatureType is returned when a flag is registered or
	// reloaded with a value_type outside {boolean, string, number}.
	ErrInvalidFeatureType = errors.New("core: invalid feature type")

	// ErrInvalidFeatureValue is returned when a value does not match its
	// flag's declared value_type (I1).
	ErrInvalidFeatureValue = errors.New("core: invalid feature value")

	// ErrInvalidTargeting is returned when a targeting rule operand is
	// malformed (bad IP or CIDR, unknown operator or complex condition
	// type, non-numeric gt/lt operand, missing complex percentage param).
	// Date ranges and percentage bounds are not validated.
	ErrInvalidTargeting = errors.New("core: invalid targeting rule")

	// ErrNoVariants is returned by SelectVariant when a flag has no
	// variants configured. A zero total weight is not an error: the first
	// variant is selected.
	ErrNoVariants = errors.New("core: no variants configured")
)

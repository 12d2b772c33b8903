package reputation

import "errors"

var (
	// ErrInvalidOwner signals a bond mutation by an identity other than the bound owner.
	ErrInvalidOwner = errors.New("reputation: invalid owner")
	// ErrInvalidAuthority signals a slash attempt by anyone but the settlement authority.
	ErrInvalidAuthority = errors.New("reputation: invalid authority")
	// ErrInvalidAmount signals a non-positive bond amount.
	ErrInvalidAmount = errors.New("reputation: invalid amount")
	// ErrInsufficientBond signals a withdrawal exceeding the bonded balance.
	ErrInsufficientBond = errors.New("reputation: insufficient bond")
	// ErrInvalidSample signals a negative latency sample.
	ErrInvalidSample = errors.New("reputation: invalid latency sample")
	// ErrServiceNotFound is returned by read paths when no record exists yet.
	ErrServiceNotFound = errors.New("reputation: service not found")
)

package wallet

import "errors"

var (
	// ErrDerivation is returned for malformed seeds, paths and templates,
	// and for address collisions between distinct derivation paths.
	ErrDerivation = errors.New("derivation error")

	// ErrDuplicateOutPoint is returned when an outpoint is already tracked.
	ErrDuplicateOutPoint = errors.New("duplicate outpoint")

	// ErrUnknownOutPoint is returned when an outpoint was never recorded.
	ErrUnknownOutPoint = errors.New("unknown outpoint")

	// ErrAlreadySpent is returned when an outpoint has already been taken
	// or spent.
	ErrAlreadySpent = errors.New("outpoint already spent")

	// ErrInsufficientFunds is returned when the inputs cannot cover the fee
	// and the requested outputs.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnresolvableKey is returned when no private key is known for the
	// address owning an input.
	ErrUnresolvableKey = errors.New("unresolvable key")

	// ErrDustOutput is returned when a computed output falls below the
	// network dust threshold.
	ErrDustOutput = errors.New("dust output")

	ErrInvalidDestination = errors.New("invalid destination")
	ErrUnsupportedScript  = errors.New("unsupported script type")

	// ErrUnexpectedScript is returned by the funding observer when a
	// reported output does not match the expected spending condition.
	ErrUnexpectedScript = errors.New("unexpected output script")

	// ErrInvalidSignature is returned when a signed input fails script
	// verification during finalization.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrBuilderState is returned when a builder step is invoked out of
	// order or after the builder reached a terminal state.
	ErrBuilderState = errors.New("invalid builder state")
)

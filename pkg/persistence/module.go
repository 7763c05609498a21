package persistence

import "context"

// Module is a pluggable persistence participant. Modules contribute
// values during Collect, may transform values they own during Map, and
// are notified after loads and committed saves during Publish.
type Module interface {
	// CollectValues contributes read-write and write-only values by
	// inspecting the live instance.
	CollectValues(ctx context.Context) (readWrite, writeOnly map[string]Value, err error)

	// MapValues may transform the collected dictionary. The returned map
	// replaces entries with the same key; other entries are untouched.
	MapValues(ctx context.Context, values map[string]Value) (map[string]Value, error)

	// PublishValues is called with the loaded record on Load, and with
	// the saved record after a store save commits.
	PublishValues(ctx context.Context, values map[string]Value) error
}

// SaveParticipant is implemented by modules that write to their own
// back-ends during the Save stage.
type SaveParticipant interface {
	Module

	// Save writes the module's side state. When the module requires a
	// transaction, the ambient transaction is on the context.
	Save(ctx context.Context, values map[string]Value) error

	// IsSaveTransactionRequired reports whether this module's Save must
	// run under a transaction.
	IsSaveTransactionRequired() bool
}

// LoadParticipant is implemented by modules that materialize side tables
// from the loaded record before the instance tree is rehydrated.
type LoadParticipant interface {
	Module

	// Load claims keys the module recognizes from the loaded record.
	Load(ctx context.Context, values map[string]Value) error

	// IsLoadTransactionRequired reports whether this module's Load must
	// run under a transaction.
	IsLoadTransactionRequired() bool
}

// txKey carries the ambient transaction on a context.
type txKey struct{}

// WithTransaction attaches an ambient transaction handle to the context.
// Save paths pass the context through unchanged, so module saves run
// inside the caller's transaction; no dependent scope is created. The
// handle's concrete type is between the caller and its modules.
func WithTransaction(ctx context.Context, tx any) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TransactionFrom returns the ambient transaction, or nil.
func TransactionFrom(ctx context.Context) any {
	return ctx.Value(txKey{})
}

package interfaces

// LocalStore is the persistence port of the engine. It exposes named keys
// holding opaque values, read and written inside atomic transactions.
type LocalStore interface {
	// View runs fn in a read-only transaction
	View(fn func(tx StoreTx) error) error

	// Update runs fn in a read-write transaction; all writes commit together
	Update(fn func(tx StoreTx) error) error
}

// StoreTx is the key-value view available inside a transaction
type StoreTx interface {
	// Get returns the value for key, or nil if the key is absent
	Get(key string) []byte

	// Put stores value under key
	Put(key string, value []byte) error

	// Delete removes key
	Delete(key string) error

	// Keys lists keys with the given prefix
	Keys(prefix string) []string
}

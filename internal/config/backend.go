package config

import "encoding/json"

// ConfigBackend is persistent storage for values addressed by dotted keys
// such as "embedding.max_length".
type ConfigBackend interface {
	// Lookup returns the stored JSON value for key.
	Lookup(key string) (json.RawMessage, bool)
	Set(key string, value any) error
	Unset(key string) error
}

package meshcache

import "github.com/meshcache/meshcache/internal/types"

// Sentinel errors surfaced by the facade. Engine-level faults are folded
// into the soft-fail policy; these are the conditions callers branch on.
var (
	ErrCacheMiss            = types.ErrCacheMiss
	ErrInvalidKey           = types.ErrInvalidKey
	ErrEngineUnavailable    = types.ErrEngineUnavailable
	ErrPoolExhausted        = types.ErrPoolExhausted
	ErrNoHealthyNode        = types.ErrNoHealthyNode
	ErrTypeMismatch         = types.ErrTypeMismatch
	ErrClusterMisconfigured = types.ErrClusterMisconfigured
	ErrSerializationFailed  = types.ErrSerializationFailed
	ErrClosed               = types.ErrClosed
)

// IsCacheMiss reports whether err is a miss.
func IsCacheMiss(err error) bool {
	return types.IsCacheMiss(err)
}

// IsInvalidKey reports whether err is a key validation failure.
func IsInvalidKey(err error) bool {
	return types.IsInvalidKey(err)
}

package cache

import "errors"

var (
	// ErrAllLayersUnavailable is returned by Set when every enabled layer
	// rejected the write. The caller should fall back to its authoritative
	// source; the cache is acting as if empty.
	ErrAllLayersUnavailable = errors.New("cache: all layers unavailable")

	// ErrInvalidPattern is returned synchronously by pattern invalidation
	// for a malformed glob, before any layer is touched.
	ErrInvalidPattern = errors.New("cache: invalid key pattern")

	// ErrAuthentication is returned by Codec.Decode when the ciphertext
	// fails authentication (tamper or corruption). Layers treat it as a
	// miss and log at elevated severity.
	ErrAuthentication = errors.New("cache: authentication failure")
)

package license

import (
	"github.com/pkg/errors"
)

var (
	ErrInvalidKey           = errors.New("invalid license key")
	ErrInvalidUser          = errors.New("invalid user id")
	ErrDuplicateKey         = errors.New("license key already exists")
	ErrAlreadyAssigned      = errors.New("user already has an active license")
	ErrAlreadyExpired       = errors.New("license already expired")
	ErrAlreadyRevoked       = errors.New("license already revoked")
	ErrKeyInUse             = errors.New("license key is in use by another user")
	ErrConcurrentActivation = errors.New("license was activated concurrently")
	ErrNotFound             = errors.New("license not found")
	ErrNoLicense            = errors.New("no active license")
	ErrExpired              = errors.New("license expired")
	ErrQuotaExceeded        = errors.New("daily quota exceeded")
	ErrFeatureUnavailable   = errors.New("feature not included in license tier")
	ErrUnknownTier          = errors.New("unknown license tier")
	ErrConflict             = errors.New("license status changed concurrently")
	ErrInvalidTransition    = errors.New("invalid license status transition")
	ErrStorageUnavailable   = errors.New("license storage unavailable")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidKey, "INVALID_KEY"},
	{ErrInvalidUser, "INVALID_USER"},
	{ErrDuplicateKey, "DUPLICATE_KEY"},
	{ErrAlreadyAssigned, "ALREADY_ASSIGNED"},
	{ErrAlreadyExpired, "ALREADY_EXPIRED"},
	{ErrAlreadyRevoked, "ALREADY_REVOKED"},
	{ErrKeyInUse, "KEY_IN_USE"},
	{ErrConcurrentActivation, "CONCURRENT_ACTIVATION"},
	{ErrNotFound, "NOT_FOUND"},
	{ErrNoLicense, "NO_LICENSE"},
	{ErrExpired, "EXPIRED"},
	{ErrQuotaExceeded, "QUOTA_EXCEEDED"},
	{ErrFeatureUnavailable, "FEATURE_UNAVAILABLE"},
	{ErrUnknownTier, "UNKNOWN_TIER"},
	{ErrConflict, "CONFLICT"},
	{ErrInvalidTransition, "INVALID_TRANSITION"},
	{ErrStorageUnavailable, "STORAGE_UNAVAILABLE"},
}

// Code returns the stable machine-readable code for err, or "INTERNAL" for errors
// outside the license taxonomy.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// IsDomain reports whether err is an expected license outcome rather than an
// infrastructure failure. Domain errors are never retried.
func IsDomain(err error) bool {
	if err == nil {
		return false
	}
	for _, c := range codes {
		if c.err == ErrStorageUnavailable {
			continue
		}
		if errors.Is(err, c.err) {
			return true
		}
	}
	return false
}

package service

import "errors"

// ErrTokenNotFound is returned when a presented refresh token has no record.
// Callers must surface it identically to invalid credentials so the response
// does not leak whether the token ever existed.
var ErrTokenNotFound = errors.New("refresh token not found")

// ErrTokenReused is returned when an already-revoked refresh token is
// presented again. By the time a caller sees this error the whole family has
// been revoked (or revocation has been attempted and logged).
var ErrTokenReused = errors.New("refresh token reuse detected")

// ErrTokenExpired is returned for tokens past their hard expiry, and for
// access tokens that fail the exp check.
var ErrTokenExpired = errors.New("token expired")

// ErrPrincipalInactive is returned when the owning user is missing or
// deactivated.
var ErrPrincipalInactive = errors.New("user inactive or not found")

// ErrTokenMalformed is returned before any store access when the input does
// not even have the shape of a token.
var ErrTokenMalformed = errors.New("token malformed")

// ErrSignatureInvalid is returned when an access token fails signature
// verification.
var ErrSignatureInvalid = errors.New("token signature invalid")

// ErrBlacklistUnavailable means the revocation check itself could not be
// completed. Authentication must fail closed on it, never treat it as
// "not revoked".
var ErrBlacklistUnavailable = errors.New("blacklist unavailable")

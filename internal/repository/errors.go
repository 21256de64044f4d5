package repository

import "errors"

// ErrRecordNotFound is returned when a lookup key has no item.
var ErrRecordNotFound = errors.New("record not found")

// ErrAlreadyRevoked is returned by Claim when the conditional write lost:
// the record existed but was revoked before this writer got to it.
var ErrAlreadyRevoked = errors.New("refresh token already revoked")

// ErrDuplicateToken is returned when inserting a token value that already
// exists. Token values carry 256 bits of entropy, so seeing this in practice
// means a bug, not a collision.
var ErrDuplicateToken = errors.New("refresh token already exists")

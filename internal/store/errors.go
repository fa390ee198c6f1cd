package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record is absent or soft-expired.
var ErrNotFound = errors.New("record not found")

// ErrDecryption is returned when a record exists but its envelope fails to
// decrypt (tampering or key loss). It wraps ErrNotFound so callers that
// only check errors.Is(err, ErrNotFound) cannot learn whether a record is
// corrupt or merely absent.
var ErrDecryption = fmt.Errorf("%w: decryption failed", ErrNotFound)

// ErrUserMismatch is returned when a credential write presents a token that
// authenticates as a different user than claimed.
var ErrUserMismatch = errors.New("token does not belong to claimed user")

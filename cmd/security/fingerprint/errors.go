package fingerprint

import "errors"

// ErrKeyTooLong is returned when a fingerprint key exceeds the BLAKE2b limit of 64 bytes.
var ErrKeyTooLong = errors.New("fingerprint key too long")

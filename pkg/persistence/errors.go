package persistence

import "errors"

var (
	ErrNotFound      = errors.New("persistence: not found")
	ErrCorruptedData = errors.New("persistence: checksum mismatch")
)

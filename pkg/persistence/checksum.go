package persistence

import (
	"fmt"
	"hash/fnv"
)

// checksum computes a FNV-1a 128-bit digest of data, rendered as lowercase
// hex with no trailing newline — the sidecar format that .checksum files
// are read and written in.
func checksum(data []byte) string {
	h := fnv.New128a()
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

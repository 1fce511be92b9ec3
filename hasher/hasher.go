// Package hasher produces the content digests attached to file results and
// the value hashes used when matched text is redacted.
package hasher

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"
)

const (
	digestPrefix    = "xxh64:"
	hashBufferSize  = 128 * 1024
	valueHashLength = 16
)

var hashBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferSize)
		return &buf
	},
}

// Digest returns a fast, non-cryptographic fingerprint of content.
func Digest(content []byte) string {
	return formatDigest(xxhash.Sum64(content))
}

// DigestFile streams path through xxhash without loading it in memory.
func DigestFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	bufPtr := hashBufferPool.Get().(*[]byte)
	defer hashBufferPool.Put(bufPtr)

	h := xxhash.New()
	if _, err := io.CopyBuffer(h, file, *bufPtr); err != nil {
		return "", err
	}
	return formatDigest(h.Sum64()), nil
}

// ValueHash returns a truncated BLAKE3 hash of a matched value, so identical
// secrets can be correlated across records without storing them.
func ValueHash(value string) string {
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:valueHashLength])
}

func formatDigest(sum uint64) string {
	return fmt.Sprintf("%s%016x", digestPrefix, sum)
}

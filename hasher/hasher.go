// Package hasher computes content digests used as the primary file
// identity for caching, deduplication and quarantine bookkeeping.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"lukechampine.com/blake3"
)

const (
	hashBufferSmallSize      = 32 * 1024
	hashBufferLargeSize      = 128 * 1024
	hashLargeBufferThreshold = 256 * 1024
)

var hashBufferSmallPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferSmallSize)
		return &buf
	},
}

var hashBufferLargePool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferLargeSize)
		return &buf
	},
}

// ErrorKind classifies digest failures so callers can decide whether
// signature matching may still proceed.
type ErrorKind int

const (
	Unreadable ErrorKind = iota
	TooLarge
	IOFailure
)

func (k ErrorKind) String() string {
	switch k {
	case Unreadable:
		return "unreadable"
	case TooLarge:
		return "too large"
	case IOFailure:
		return "io failure"
	default:
		return "unknown"
	}
}

// Error is a typed digest failure. It never aborts a scan; the engine
// degrades to uncached, signature-only analysis for the file.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("digest %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Digest is a hex-encoded content digest plus its algorithm.
type Digest struct {
	Algorithm string
	Hex       string
}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New(), nil
	case "blake3":
		return blake3.New(32, nil), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", algorithm)
	}
}

// Compute streams the file through the chosen hash with a pooled
// buffer, keeping memory bounded regardless of file size. maxSize of
// zero means no size cap.
func Compute(path string, algorithm string, maxSize int64) (Digest, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return Digest{}, &Error{Kind: IOFailure, Path: path, Err: err}
	}

	file, err := os.Open(path)
	if err != nil {
		return Digest{}, &Error{Kind: Unreadable, Path: path, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Digest{}, &Error{Kind: Unreadable, Path: path, Err: err}
	}
	if maxSize > 0 && info.Size() > maxSize {
		return Digest{}, &Error{Kind: TooLarge, Path: path, Err: fmt.Errorf("%d bytes exceeds cap %d", info.Size(), maxSize)}
	}

	bufferPool := &hashBufferSmallPool
	if info.Size() >= hashLargeBufferThreshold {
		bufferPool = &hashBufferLargePool
	}
	bufferPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufferPtr)
	buffer := *bufferPtr

	for {
		n, readErr := file.Read(buffer)
		if n > 0 {
			h.Write(buffer[:n])
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return Digest{}, &Error{Kind: IOFailure, Path: path, Err: readErr}
		}
	}

	return Digest{
		Algorithm: algorithm,
		Hex:       hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Package wire reads and writes streams of length-prefixed protobuf messages,
// preceded by a magic number identifying the stream kind.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Endianness is used for magic numbers.
var Endianness = binary.LittleEndian

// DebugWire prints every message read or written when set.
var DebugWire = false

// MaxMessageSize bounds the length prefix of a single message, so a corrupted
// stream can't make us allocate gigabytes.
const MaxMessageSize = 16 * 1024 * 1024

var (
	// ErrInvalidMagic is returned when a stream doesn't start with the expected magic.
	ErrInvalidMagic = errors.New("invalid magic number")
	// ErrMessageTooLarge is returned when a length prefix exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)

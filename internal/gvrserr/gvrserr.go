// Package gvrserr defines the error kinds surfaced by the GVRS storage
// engine and a helper for checking which kind an error carries.
//
// Leaf packages (bitstream, m32, huffman, backend) return one of these
// sentinels, wrapped with call-site context via xerrors.Errorf("%w"); callers
// further up the stack use Is to classify a failure without caring about the
// wrapping chain.
package gvrserr

import "errors"

// Kind is a sentinel error identifying one of the error categories from
// spec.md §7. Wrap it with xerrors.Errorf("context: %w", Kind) at the point
// of failure; never return a bare Kind to a caller.
type Kind struct {
	name string
}

func (k *Kind) Error() string { return k.name }

var (
	// InvalidArgument: out-of-range coordinates, unknown element name,
	// inconsistent specification. Never retried.
	InvalidArgument = &Kind{"invalid argument"}

	// IntegrityFailure: CRC mismatch, malformed record header, truncated
	// stream, Huffman tree read past end. Fatal for the affected tile; the
	// handle remains usable for other tiles.
	IntegrityFailure = &Kind{"integrity failure"}

	// UnsupportedCodec: codec id found in the file is not registered in the
	// open handle. Hard failure on read.
	UnsupportedCodec = &Kind{"unsupported codec"}

	// UnsupportedCodecBackend: a registered codec references a backend id
	// the handle does not have a decoder for.
	UnsupportedCodecBackend = &Kind{"unsupported codec backend"}

	// Io: underlying read/write failure. Carries the platform error via %w.
	Io = &Kind{"i/o error"}

	// AlreadyClosed: operation attempted after Close.
	AlreadyClosed = &Kind{"handle already closed"}

	// WouldBlock: reserved, currently unused by the single-threaded model.
	WouldBlock = &Kind{"would block"}

	// NotFound: metadata record lookup miss.
	NotFound = &Kind{"not found"}
)

// Is reports whether err (or any error it wraps) is the given Kind.
func Is(err error, kind *Kind) bool {
	return errors.Is(err, kind)
}

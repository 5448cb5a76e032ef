// Package backend is the registry of entropy back-ends the tile codec
// orchestrator (internal/codec) tries against each predictor's residual
// stream (spec.md §4.5). Each backend is a plain byte-sequence transform;
// framing (which predictor produced the bytes, how long the compressed
// stream is) lives one layer up, in the codec header.
package backend

import (
	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/backend/bzip2"
	"github.com/gvrs-go/gvrs/internal/backend/deflate"
	"github.com/gvrs-go/gvrs/internal/gvrserr"
	"github.com/gvrs-go/gvrs/internal/huffman"
)

// ID identifies a backend in the one-byte codec header (spec.md §4.5).
type ID byte

const (
	Huffman ID = 1
	Deflate ID = 2
	BZip2   ID = 3
)

func (id ID) String() string {
	switch id {
	case Huffman:
		return "huffman"
	case Deflate:
		return "deflate"
	case BZip2:
		return "bzip2"
	default:
		return "unknown"
	}
}

// Backend is a reversible byte-sequence transform.
type Backend interface {
	ID() ID
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

type huffmanBackend struct{}

func (huffmanBackend) ID() ID                           { return Huffman }
func (huffmanBackend) Encode(d []byte) ([]byte, error)  { return huffman.Encode(d), nil }
func (huffmanBackend) Decode(d []byte) ([]byte, error)  { return huffman.Decode(d) }

type deflateBackend struct{}

func (deflateBackend) ID() ID                          { return Deflate }
func (deflateBackend) Encode(d []byte) ([]byte, error) { return deflate.Encode(d) }
func (deflateBackend) Decode(d []byte) ([]byte, error) { return deflate.Decode(d) }

type bzip2Backend struct{}

func (bzip2Backend) ID() ID                          { return BZip2 }
func (bzip2Backend) Encode(d []byte) ([]byte, error) { return bzip2.Encode(d) }
func (bzip2Backend) Decode(d []byte) ([]byte, error) { return bzip2.Decode(d) }

// All is the full set of backends GVRS ships, in the order the tile codec
// orchestrator tries them when encoding.
var All = []Backend{huffmanBackend{}, deflateBackend{}, bzip2Backend{}}

// Registry maps backend ids to implementations. A file specification can
// carry a subset (the "registry of named compressor IDs" in spec.md §3),
// restricting which backends a given handle will attempt or accept.
type Registry struct {
	byID map[ID]Backend
}

// NewRegistry builds a Registry from the given backends. An empty list
// means "all backends GVRS ships", matching the default file specification.
func NewRegistry(backends ...Backend) *Registry {
	if len(backends) == 0 {
		backends = All
	}
	r := &Registry{byID: make(map[ID]Backend, len(backends))}
	for _, b := range backends {
		r.byID[b.ID()] = b
	}
	return r
}

// Get looks up a backend by id. The returned error wraps
// gvrserr.UnsupportedCodecBackend when id is not registered, per spec.md
// §4.5: "an unknown backend in a registered codec surfaces
// UnsupportedCodecBackend", distinct from an unrecognized codec id itself.
func (r *Registry) Get(id ID) (Backend, error) {
	b, ok := r.byID[id]
	if !ok {
		return nil, xerrors.Errorf("backend id %d: %w", id, gvrserr.UnsupportedCodecBackend)
	}
	return b, nil
}

// List returns the registered backends in a stable order (by id), used by
// the tile codec orchestrator to iterate candidates when encoding.
func (r *Registry) List() []Backend {
	out := make([]Backend, 0, len(r.byID))
	for _, id := range []ID{Huffman, Deflate, BZip2} {
		if b, ok := r.byID[id]; ok {
			out = append(out, b)
		}
	}
	return out
}

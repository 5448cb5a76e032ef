// Package bzip2 adapts dsnet/compress's bzip2 reader/writer to the
// byte-sequence entropy backend shape used by the tile codec orchestrator.
// It is the optional third backend spec.md §4.5 alludes to ("optional
// BZip2 or others"): the standard library only ships a bzip2 reader, not a
// writer, so a tile codec that wants to try bzip2 needs a third-party
// implementation. dsnet/compress is not a dependency of the teacher repo;
// it is adopted from brawer-wikidata-qrank, the other compression-heavy
// repository in the retrieval pack, whose go.mod requires it directly.
package bzip2

import (
	"bytes"
	"io"

	"github.com/dsnet/compress/bzip2"
	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/gvrserr"
)

// Encode compresses data with bzip2 at the library's default compression
// level. Bzip2's block-sort transform tends to do well on M32 residual
// streams with long runs of small values, which is the typical shape of a
// well-predicted tile.
func Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		return nil, xerrors.Errorf("bzip2: new writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, xerrors.Errorf("bzip2: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, xerrors.Errorf("bzip2: close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. A malformed or truncated stream surfaces
// gvrserr.IntegrityFailure.
func Decode(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, xerrors.Errorf("bzip2: new reader: %w", gvrserr.IntegrityFailure)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("bzip2: decode: %w", gvrserr.IntegrityFailure)
	}
	return out, nil
}

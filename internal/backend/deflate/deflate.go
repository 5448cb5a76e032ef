// Package deflate adapts klauspost/compress's DEFLATE implementation to the
// byte-sequence-in, byte-sequence-out shape the tile codec orchestrator
// expects of an entropy backend (spec.md §4.3's "Deflate codec wrapper").
//
// klauspost/compress/flate is already a direct dependency of the teacher
// repository (pulled in for pgzip's speedups); GVRS uses it directly rather
// than reaching for the standard library's compress/flate, matching the
// teacher's preference for the faster fork everywhere DEFLATE is needed.
package deflate

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/gvrserr"
)

// Encode compresses data at the best-compression level. Tiles are small (a
// few KiB to a few hundred KiB), so the extra CPU cost of level 9 over the
// default is negligible next to the space it saves across a large grid.
func Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, xerrors.Errorf("deflate: new writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, xerrors.Errorf("deflate: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, xerrors.Errorf("deflate: close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. A malformed or truncated stream surfaces
// gvrserr.IntegrityFailure.
func Decode(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("deflate: decode: %w", gvrserr.IntegrityFailure)
	}
	return out, nil
}

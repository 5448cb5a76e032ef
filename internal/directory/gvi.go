package directory

import (
	"encoding/binary"
	"io/ioutil"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/gvrserr"
)

// GVIPath returns the companion index file path for a GVRS data file path,
// per spec.md §4.8.
func GVIPath(dataPath string) string {
	return dataPath + ".gvi"
}

// gviMagic distinguishes a .gvi file from an arbitrary stray file at the
// same path, so a corrupt or unrelated file is treated as "absent" rather
// than crashing the open path.
const gviMagic = "gvi1"

// EncodeGVI serializes the tile-offset array together with the spec
// digest and main-file length it was captured against, so a stale cache
// can be detected cheaply on reopen without re-reading the tile index
// record itself.
func EncodeGVI(specDigest [16]byte, dataFileLen int64, offsets []uint64) []byte {
	buf := make([]byte, 0, 4+16+8+4+8*len(offsets))
	buf = append(buf, gviMagic...)
	buf = append(buf, specDigest[:]...)
	buf = appendU64(buf, uint64(dataFileLen))
	buf = appendU32(buf, uint32(len(offsets)))
	for _, o := range offsets {
		buf = appendU64(buf, o)
	}
	return buf
}

// DecodeGVI reverses EncodeGVI. It returns ok=false (never an error) for
// any malformed or mismatched content. Mismatch is not the error condition
// spec.md §4.8 describes as "rebuild on open" — it is the expected,
// non-fatal signal that triggers that rebuild.
func DecodeGVI(data []byte, wantDigest [16]byte, wantDataFileLen int64) (offsets []uint64, ok bool) {
	if len(data) < 4+16+8+4 {
		return nil, false
	}
	if string(data[0:4]) != gviMagic {
		return nil, false
	}
	var digest [16]byte
	copy(digest[:], data[4:20])
	if digest != wantDigest {
		return nil, false
	}
	fileLen := int64(binary.LittleEndian.Uint64(data[20:28]))
	if fileLen != wantDataFileLen {
		return nil, false
	}
	n := binary.LittleEndian.Uint32(data[28:32])
	want := 4 + 16 + 8 + 4 + 8*int(n)
	if len(data) != want {
		return nil, false
	}
	out := make([]uint64, n)
	off := 32
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	return out, true
}

// LoadGVI reads and validates the companion index file for dataPath. A
// missing .gvi file or one that fails validation is reported as
// ok=false, not an error: the caller falls back to reading the tile index
// record from the main file.
func LoadGVI(dataPath string, specDigest [16]byte, dataFileLen int64) (offsets []uint64, ok bool) {
	raw, err := ioutil.ReadFile(GVIPath(dataPath))
	if err != nil {
		return nil, false
	}
	return DecodeGVI(raw, specDigest, dataFileLen)
}

// WriteGVI atomically (re)writes the companion index file using a
// temp-file-then-rename idiom: a crash mid-write leaves either the old
// .gvi or nothing, never a half-written one that LoadGVI could misread
// as valid.
func WriteGVI(dataPath string, specDigest [16]byte, dataFileLen int64, offsets []uint64) error {
	f, err := renameio.TempFile("", GVIPath(dataPath))
	if err != nil {
		return xerrors.Errorf("directory: creating .gvi temp file: %w", gvrserr.Io)
	}
	defer f.Cleanup()

	if _, err := f.Write(EncodeGVI(specDigest, dataFileLen, offsets)); err != nil {
		return xerrors.Errorf("directory: writing .gvi: %w", gvrserr.Io)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("directory: replacing .gvi: %w", gvrserr.Io)
	}
	return nil
}

// RemoveGVI deletes the companion index file, ignoring a not-exist error;
// used by Close when index writing is disabled, so that no stale index is
// left beside the data file.
func RemoveGVI(dataPath string) error {
	err := os.Remove(GVIPath(dataPath))
	if err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("directory: removing stale .gvi: %w", gvrserr.Io)
	}
	return nil
}

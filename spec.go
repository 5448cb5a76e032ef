// Package gvrs implements GVRS, a storage engine and file format for very
// large two-dimensional raster grids: tiled random read/write of typed
// cells, tile-level bulk access, and optional lossless per-tile
// compression. See spec.md for the full specification; this file covers
// the immutable grid specification a file is created from (§3 of
// spec.md).
package gvrs

import (
	"crypto/md5"
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/directory"
	"github.com/gvrs-go/gvrs/internal/gvrserr"
	"github.com/gvrs-go/gvrs/internal/tiledata"
)

// ElementType is the primitive storage type of one element (spec.md §3).
type ElementType int

const (
	// TypeInt32 stores each cell as a signed 32-bit integer.
	TypeInt32 ElementType = ElementType(tiledata.TypeI32)
	// TypeShort stores each cell as a signed 16-bit integer.
	TypeShort ElementType = ElementType(tiledata.TypeI16)
	// TypeFloat stores each cell as an IEEE-754 32-bit float.
	TypeFloat ElementType = ElementType(tiledata.TypeF32)
	// TypeIntCodedFloat stores each cell as a 32-bit integer code i, with
	// f = i/Scale + Offset recovering the floating-point value on read.
	TypeIntCodedFloat ElementType = ElementType(tiledata.TypeICF)
)

// maxElementNameBytes is spec.md §3's "unique name (≤32 bytes UTF-8)".
const maxElementNameBytes = 32

// ElementSpecification describes one typed scalar channel of the grid. It
// is part of the grid specification and, once a file is created, is
// immutable for the lifetime of that file (spec.md §4.8).
type ElementSpecification struct {
	Name        string
	Type        ElementType
	FillInt     int32   // used when Type is TypeInt32 or TypeShort; for TypeIntCodedFloat, the integer code of FillFloat
	FillFloat   float32 // used when Type is TypeFloat or TypeIntCodedFloat
	Scale       float64 // used when Type is TypeIntCodedFloat
	Offset      float64 // used when Type is TypeIntCodedFloat
	Description string
}

// NewIntElement returns the specification for a TypeInt32 element with the
// given fill value.
func NewIntElement(name string, fill int32) ElementSpecification {
	return ElementSpecification{Name: name, Type: TypeInt32, FillInt: fill}
}

// NewShortElement returns the specification for a TypeShort element with
// the given fill value.
func NewShortElement(name string, fill int16) ElementSpecification {
	return ElementSpecification{Name: name, Type: TypeShort, FillInt: int32(fill)}
}

// NewFloatElement returns the specification for a TypeFloat element with
// the given fill value.
func NewFloatElement(name string, fill float32) ElementSpecification {
	return ElementSpecification{Name: name, Type: TypeFloat, FillFloat: fill}
}

// NewIntCodedFloatElement returns the specification for a TypeIntCodedFloat
// element: f = i/scale + offset, with fill given in floating-point terms.
func NewIntCodedFloatElement(name string, scale, offset float64, fill float32) ElementSpecification {
	return ElementSpecification{Name: name, Type: TypeIntCodedFloat, Scale: scale, Offset: offset, FillFloat: fill,
		FillInt: int32((float64(fill) - offset) * scale)}
}

func (e ElementSpecification) validate() error {
	if e.Name == "" {
		return xerrors.Errorf("element: empty name: %w", gvrserr.InvalidArgument)
	}
	if len(e.Name) > maxElementNameBytes {
		return xerrors.Errorf("element %q: name exceeds %d bytes: %w", e.Name, maxElementNameBytes, gvrserr.InvalidArgument)
	}
	if e.Type == TypeIntCodedFloat && e.Scale == 0 {
		return xerrors.Errorf("element %q: integer-coded float requires a nonzero scale: %w", e.Name, gvrserr.InvalidArgument)
	}
	return nil
}

func (e ElementSpecification) toDirectory() directory.ElementSpec {
	return directory.ElementSpec{
		Name: e.Name, Type: uint8(e.Type), FillInt: e.FillInt, FillFloat: e.FillFloat,
		Scale: e.Scale, Offset: e.Offset, Description: e.Description,
	}
}

func elementFromDirectory(d directory.ElementSpec) ElementSpecification {
	return ElementSpecification{
		Name: d.Name, Type: ElementType(d.Type), FillInt: d.FillInt, FillFloat: d.FillFloat,
		Scale: d.Scale, Offset: d.Offset, Description: d.Description,
	}
}

// CompressionSpecification controls whether tiles are compressed and,
// if so, which entropy backends the tile codec orchestrator is allowed to
// try (spec.md §3: "optional registry of named compressor IDs"). A zero
// value means compression disabled.
type CompressionSpecification struct {
	Enabled bool

	// Backends lists the entropy backends to try, by name ("huffman",
	// "deflate", "bzip2"). A nil slice with Enabled true means "all
	// backends GVRS ships".
	Backends []string
}

// GridSpecification describes the immutable shape of a GVRS file: its
// extents, tiling, elements, and compression/checksum/georeferencing
// configuration (spec.md §3). Construct with NewGridSpecification, then
// add elements with AddElement before passing it to Create.
type GridSpecification struct {
	NRows, NColumns   int32
	TileRows, TileCols int32
	Elements          []ElementSpecification
	Compression       CompressionSpecification
	ChecksumEnabled   bool

	hasTransform bool
	r2m, m2r     [6]float64
}

// NewGridSpecification validates and returns the extents of a new grid.
// Tile extents need not evenly divide the grid extents; boundary tiles are
// stored full size with unused cells holding the fill value (spec.md §3).
func NewGridSpecification(nRows, nColumns, tileRows, tileCols int32) (*GridSpecification, error) {
	if nRows <= 0 || nColumns <= 0 {
		return nil, xerrors.Errorf("grid: non-positive extents %dx%d: %w", nRows, nColumns, gvrserr.InvalidArgument)
	}
	if tileRows <= 0 || tileCols <= 0 {
		return nil, xerrors.Errorf("grid: non-positive tile extents %dx%d: %w", tileRows, tileCols, gvrserr.InvalidArgument)
	}
	return &GridSpecification{NRows: nRows, NColumns: nColumns, TileRows: tileRows, TileCols: tileCols}, nil
}

// AddElement appends an element specification, rejecting a duplicate name.
func (g *GridSpecification) AddElement(e ElementSpecification) error {
	if err := e.validate(); err != nil {
		return err
	}
	for _, existing := range g.Elements {
		if existing.Name == e.Name {
			return xerrors.Errorf("grid: duplicate element name %q: %w", e.Name, gvrserr.InvalidArgument)
		}
	}
	g.Elements = append(g.Elements, e)
	return nil
}

// SetTransform records the affine raster-to-model transform r2m (six
// coefficients: x = r2m[0] + r2m[1]*col + r2m[2]*row, y = r2m[3] +
// r2m[4]*col + r2m[5]*row) and computes its inverse for model-to-raster
// conversion. spec.md §3 treats reprojection beyond this single affine
// transform as out of scope.
func (g *GridSpecification) SetTransform(r2m [6]float64) error {
	m2r, err := invertAffine(r2m)
	if err != nil {
		return err
	}
	g.hasTransform = true
	g.r2m = r2m
	g.m2r = m2r
	return nil
}

func invertAffine(r2m [6]float64) ([6]float64, error) {
	a, b, c, d, e, f := r2m[1], r2m[2], r2m[4], r2m[5], r2m[0], r2m[3]
	det := a*d - b*c
	if det == 0 {
		return [6]float64{}, xerrors.Errorf("grid: affine transform is not invertible: %w", gvrserr.InvalidArgument)
	}
	ia := d / det
	ib := -b / det
	ic := -c / det
	id := a / det
	ie := -(ia*e + ib*f)
	ifv := -(ic*e + id*f)
	return [6]float64{ie, ia, ib, ifv, ic, id}, nil
}

func (g *GridSpecification) tilesPerRow() int    { return ceilDiv(int(g.NColumns), int(g.TileCols)) }
func (g *GridSpecification) tilesPerColumn() int { return ceilDiv(int(g.NRows), int(g.TileRows)) }
func (g *GridSpecification) nTiles() int         { return g.tilesPerRow() * g.tilesPerColumn() }

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// digest computes the MD5 hash recorded in the file header (spec.md §6)
// over every field that is immutable once the file is created: extents,
// tiling, and the element dictionary. Compression/checksum flags and the
// transform live in mutable header fields elsewhere and are not part of
// the digest's input, matching their own header fields.
func (g *GridSpecification) digest() [16]byte {
	var buf []byte
	buf = appendI32(buf, g.NRows)
	buf = appendI32(buf, g.NColumns)
	buf = appendI32(buf, g.TileRows)
	buf = appendI32(buf, g.TileCols)
	dirElements := make([]directory.ElementSpec, len(g.Elements))
	for i, e := range g.Elements {
		dirElements[i] = e.toDirectory()
	}
	buf = append(buf, directory.EncodeElementDict(dirElements)...)
	return md5.Sum(buf)
}

func appendI32(dst []byte, v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return append(dst, b[:]...)
}

// tileByteSize returns the on-disk size of one tile's worth of samples for
// element e (spec.md §3: tileRows * tileCols * sizeof(elementType)).
func (g *GridSpecification) tileByteSize(e ElementSpecification) int {
	return int(g.TileRows) * int(g.TileCols) * tiledata.Type(e.Type).ByteWidth()
}

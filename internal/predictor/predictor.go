// Package predictor implements the deterministic transforms of spec.md
// §4.4 that turn a tile's row-major integer samples into small residuals:
// differencing, linear, triangle, and the Lagrange-optimal predictor.
//
// Every predictor shares the same residual framing: the very first cell
// (row 0, col 0) is transmitted raw as the "seed", an "initializer" stream
// carries residuals for cells the predictor's neighborhood cannot reach
// (usually the first row/column), and an "interior" stream carries
// residuals for everything else. The tile codec orchestrator
// (internal/codec) M32-encodes both streams independently before handing
// them to an entropy backend.
package predictor

import (
	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/gvrserr"
)

// ID identifies a predictor in the one-byte codec header (spec.md §4.5).
type ID byte

const (
	Differencing ID = 1
	Linear       ID = 2
	Triangle     ID = 3
	Optimal8     ID = 4
	Optimal12    ID = 5
)

func (id ID) String() string {
	switch id {
	case Differencing:
		return "differencing"
	case Linear:
		return "linear"
	case Triangle:
		return "triangle"
	case Optimal8:
		return "optimal8"
	case Optimal12:
		return "optimal12"
	default:
		return "unknown"
	}
}

// Result is the output of encoding a tile with a predictor: a seed value
// plus two residual streams. Params is predictor-specific side data (the
// optimal predictor's coefficients); it is empty for the three simple
// predictors.
type Result struct {
	Seed        int32
	Params      []byte
	Initializer []int32
	Interior    []int32
}

// Predictor is the interface every entry in this package implements.
type Predictor interface {
	ID() ID
	MinRows() int
	MinCols() int
	Encode(values []int32, nRows, nCols int) (Result, error)
	Decode(res Result, nRows, nCols int) ([]int32, error)
}

// ByID returns the Predictor implementation for id, or
// gvrserr.UnsupportedCodec wrapped with context if id is not one GVRS
// implements.
func ByID(id ID) (Predictor, error) {
	switch id {
	case Differencing:
		return differencingPredictor{}, nil
	case Linear:
		return linearPredictor{}, nil
	case Triangle:
		return trianglePredictor{}, nil
	case Optimal8:
		return optimalPredictor{coeffCount: 8}, nil
	case Optimal12:
		return optimalPredictor{coeffCount: 12}, nil
	default:
		return nil, xerrors.Errorf("predictor id %d: %w", id, gvrserr.UnsupportedCodec)
	}
}

// All is every predictor the tile codec orchestrator tries when encoding.
var All = []Predictor{
	differencingPredictor{},
	linearPredictor{},
	trianglePredictor{},
	optimalPredictor{coeffCount: 8},
	optimalPredictor{coeffCount: 12},
}

func at(values []int32, nCols, r, c int) int32 {
	return values[r*nCols+c]
}

func checkDims(nRows, nCols, minRows, minCols int) error {
	if nRows <= 0 || nCols <= 0 {
		return xerrors.Errorf("predictor: non-positive tile dimensions %dx%d: %w", nRows, nCols, gvrserr.InvalidArgument)
	}
	if nRows < minRows || nCols < minCols {
		return xerrors.Errorf("predictor: tile %dx%d smaller than minimum %dx%d: %w", nRows, nCols, minRows, minCols, gvrserr.InvalidArgument)
	}
	return nil
}

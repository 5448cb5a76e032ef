package predictor

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// neighborOffsets12 lays out z1..z12 exactly as spec.md §4.4 diagrams them,
// as (row, col) deltas from the predicted cell P:
//
//	row i   :      z6   z1   P
//	row i-1 :  z7  z2   z3   z4   z5
//	row i-2 :  z8  z9   z10  z11  z12
var neighborOffsets12 = [12][2]int{
	{0, -1}, {-1, -1}, {-1, 0}, {-1, 1}, {-1, 2},
	{0, -2}, {-1, -2}, {-2, -2}, {-2, -1}, {-2, 0}, {-2, 1}, {-2, 2},
}

// optimalPredictor picks linear coefficients u_1..u_k by solving a
// constrained least-squares system (zero-mean-residual Lagrange
// constraint) over the tile's reachable interior, per spec.md §4.4. The
// 8-coefficient variant uses the first 8 of the 12 neighbor offsets above;
// spec.md names the variant but only diagrams the 12-neighbor layout, so
// this is the documented reduction (see DESIGN.md).
type optimalPredictor struct {
	coeffCount int
}

func (p optimalPredictor) ID() ID {
	if p.coeffCount == 8 {
		return Optimal8
	}
	return Optimal12
}

func (optimalPredictor) MinRows() int { return 6 }
func (optimalPredictor) MinCols() int { return 6 }

func (p optimalPredictor) offsets() [][2]int {
	out := make([][2]int, p.coeffCount)
	copy(out, neighborOffsets12[:p.coeffCount])
	return out
}

// reachable reports whether every neighbor offset resolves to a valid,
// already-decoded (causally earlier) cell for (r, c).
func reachable(offsets [][2]int, r, c, nRows, nCols int) bool {
	for _, o := range offsets {
		rr, cc := r+o[0], c+o[1]
		if rr < 0 || rr >= nRows || cc < 0 || cc >= nCols {
			return false
		}
	}
	return true
}

// round implements spec.md §4.4's rounding rule: floor(x+0.5) for x >= 0,
// -floor(-x+0.5) for x < 0 (symmetric rounding, computed in float32 so
// encoder and decoder reproduce identical integers regardless of
// platform).
func round(x float32) int32 {
	if x >= 0 {
		return int32(float32(math.Floor(float64(x + 0.5))))
	}
	return -int32(float32(math.Floor(float64(-x + 0.5))))
}

func predict(coeffs []float32, offsets [][2]int, out []int32, nCols, r, c int) float32 {
	var sum float32
	for i, o := range offsets {
		z := out[(r+o[0])*nCols+(c+o[1])]
		sum += coeffs[i] * float32(z)
	}
	return sum
}

// boundaryPredict reproduces the triangle predictor's rule for a single
// cell, falling back to differencing against whichever neighbor exists.
// It is used by the optimal predictor's initializer stream, which covers
// exactly the cells the 8/12-neighbor stencil cannot reach;
// trianglePredictor applies the same rule inline.
func boundaryPredict(values []int32, nCols, r, c int) int32 {
	switch {
	case r == 0 && c == 0:
		return 0 // unused: (0,0) is always the seed, never in a stream
	case r == 0:
		return at(values, nCols, r, c-1)
	case c == 0:
		return at(values, nCols, r-1, c)
	default:
		a := at(values, nCols, r-1, c-1)
		b := at(values, nCols, r-1, c)
		cc := at(values, nCols, r, c-1)
		return b + cc - a
	}
}

func (p optimalPredictor) Encode(values []int32, nRows, nCols int) (Result, error) {
	if err := checkDims(nRows, nCols, p.MinRows(), p.MinCols()); err != nil {
		return Result{}, err
	}
	offsets := p.offsets()
	k := p.coeffCount

	ztz := make([]float64, k*k)
	ztb := make([]float64, k)
	sumZ := make([]float64, k)
	var sumB float64
	var samples int

	z := make([]float64, k)
	for r := 0; r < nRows; r++ {
		for c := 0; c < nCols; c++ {
			if r == 0 && c == 0 {
				continue
			}
			if !reachable(offsets, r, c, nRows, nCols) {
				continue
			}
			for i, o := range offsets {
				z[i] = float64(at(values, nCols, r+o[0], c+o[1]))
			}
			b := float64(at(values, nCols, r, c))
			for i := 0; i < k; i++ {
				sumZ[i] += z[i]
				ztb[i] += z[i] * b
				for j := 0; j < k; j++ {
					ztz[i*k+j] += z[i] * z[j]
				}
			}
			sumB += b
			samples++
		}
	}

	coeffs := make([]float32, k)
	if samples >= k {
		if solved, ok := solveConstrainedLeastSquares(ztz, sumZ, ztb, sumB, k); ok {
			for i := 0; i < k; i++ {
				coeffs[i] = float32(solved[i])
			}
		}
	}

	var initializer, interior []int32
	out := values // raw values available directly on encode
	for r := 0; r < nRows; r++ {
		for c := 0; c < nCols; c++ {
			if r == 0 && c == 0 {
				continue
			}
			actual := at(out, nCols, r, c)
			if reachable(offsets, r, c, nRows, nCols) {
				pred := round(predict(coeffs, offsets, out, nCols, r, c))
				interior = append(interior, actual-pred)
			} else {
				pred := boundaryPredict(out, nCols, r, c)
				initializer = append(initializer, actual-pred)
			}
		}
	}

	return Result{
		Seed:        values[0],
		Params:      encodeCoeffs(coeffs),
		Initializer: initializer,
		Interior:    interior,
	}, nil
}

func (p optimalPredictor) Decode(res Result, nRows, nCols int) ([]int32, error) {
	if err := checkDims(nRows, nCols, p.MinRows(), p.MinCols()); err != nil {
		return nil, err
	}
	offsets := p.offsets()
	coeffs := decodeCoeffs(res.Params, p.coeffCount)

	out := make([]int32, nRows*nCols)
	out[0] = res.Seed
	ii, ji := 0, 0
	for r := 0; r < nRows; r++ {
		for c := 0; c < nCols; c++ {
			if r == 0 && c == 0 {
				continue
			}
			if reachable(offsets, r, c, nRows, nCols) {
				pred := round(predict(coeffs, offsets, out, nCols, r, c))
				out[r*nCols+c] = pred + res.Interior[ii]
				ii++
			} else {
				pred := boundaryPredict(out, nCols, r, c)
				out[r*nCols+c] = pred + res.Initializer[ji]
				ji++
			}
		}
	}
	return out, nil
}

// solveConstrainedLeastSquares builds and solves the (k+1)x(k+1) augmented
// system from spec.md §4.4:
//
//	[ Z^tZ   sumZ ] [u]        [Z^t b]
//	[ sumZ^t  0   ] [lambda] = [sum b]
//
// via LU decomposition. It returns ok=false (leaving the caller to fall
// back to zero coefficients) if the system is singular, which happens for
// degenerate tiles such as a constant-valued interior.
func solveConstrainedLeastSquares(ztz, sumZ, ztb []float64, sumB float64, k int) ([]float64, bool) {
	n := k + 1
	a := mat.NewDense(n, n, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			a.Set(i, j, ztz[i*k+j])
		}
		a.Set(i, k, sumZ[i])
		a.Set(k, i, sumZ[i])
	}
	a.Set(k, k, 0)

	b := mat.NewVecDense(n, nil)
	for i := 0; i < k; i++ {
		b.SetVec(i, ztb[i])
	}
	b.SetVec(k, sumB)

	var lu mat.LU
	lu.Factorize(a)
	if cond := lu.Cond(); math.IsInf(cond, 1) || math.IsNaN(cond) {
		return nil, false
	}

	x := mat.NewVecDense(n, nil)
	if err := lu.SolveVecTo(x, false, b); err != nil {
		return nil, false
	}
	out := make([]float64, k)
	for i := 0; i < k; i++ {
		out[i] = x.AtVec(i)
	}
	return out, true
}

func encodeCoeffs(coeffs []float32) []byte {
	out := make([]byte, 4*len(coeffs))
	for i, c := range coeffs {
		bits := math.Float32bits(c)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}

func decodeCoeffs(data []byte, k int) []float32 {
	out := make([]float32, k)
	for i := 0; i < k && 4*i+4 <= len(data); i++ {
		bits := uint32(data[4*i]) | uint32(data[4*i+1])<<8 | uint32(data[4*i+2])<<16 | uint32(data[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// Package huffman implements the canonical two-pass Huffman coder described
// in spec.md §4.3: a frequency table is built over the input bytes, a
// priority-queue Huffman tree is constructed from it, and the tree
// structure itself (not the frequencies) is serialized so the decoder can
// rebuild the same tree before decoding symbols.
//
// Tree traversal on the decode path is iterative (an explicit stack of
// node slots), never native recursion, because trees built over pathological
// (geometric) frequency distributions can reach depth 255.
package huffman

import (
	"container/heap"
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/bitstream"
	"github.com/gvrs-go/gvrs/internal/gvrserr"
)

type node struct {
	isLeaf      bool
	symbol      byte
	left, right *node
}

// heapItem orders nodes by ascending frequency, breaking ties by insertion
// sequence so that two runs over identical frequency tables always combine
// nodes in the same order and therefore produce an identical tree.
type heapItem struct {
	freq int
	seq  int
	n    *node
}

type nodeHeap []*heapItem

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	if h[i].freq != h[j].freq {
		return h[i].freq < h[j].freq
	}
	return h[i].seq < h[j].seq
}
func (h nodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func buildTree(freq [256]int) *node {
	h := &nodeHeap{}
	seq := 0
	for sym := 0; sym < 256; sym++ {
		if freq[sym] == 0 {
			continue
		}
		heap.Push(h, &heapItem{freq: freq[sym], seq: seq, n: &node{isLeaf: true, symbol: byte(sym)}})
		seq++
	}
	if h.Len() == 0 {
		// No symbols at all (empty input): synthesize a placeholder leaf so
		// the prelude is still well-formed; no codewords are ever decoded
		// against it because the caller-tracked symbol count is zero.
		heap.Push(h, &heapItem{freq: 0, seq: seq, n: &node{isLeaf: true, symbol: 0}})
		seq++
	}
	for h.Len() > 1 {
		a := heap.Pop(h).(*heapItem)
		b := heap.Pop(h).(*heapItem)
		merged := &node{left: a.n, right: b.n}
		heap.Push(h, &heapItem{freq: a.freq + b.freq, seq: seq, n: merged})
		seq++
	}
	return (*h)[0].n
}

// code is a leaf's bit pattern (right-justified in bits) and its length.
type code struct {
	bits uint32
	n    uint
}

func buildCodes(root *node) map[byte]code {
	codes := make(map[byte]code)
	if root.isLeaf {
		codes[root.symbol] = code{bits: 0, n: 0}
		return codes
	}
	type frame struct {
		n    *node
		bits uint32
		n2   uint
	}
	stack := []frame{{root, 0, 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.n.isLeaf {
			codes[f.n.symbol] = code{bits: f.bits, n: f.n2}
			continue
		}
		stack = append(stack,
			frame{f.n.right, f.bits | (1 << f.n2), f.n2 + 1},
			frame{f.n.left, f.bits, f.n2 + 1},
		)
	}
	return codes
}

func writeTree(bw *bitstream.Writer, root *node) {
	stack := []*node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.isLeaf {
			bw.WriteBit(1)
			bw.WriteBits(uint32(n.symbol), 8)
			continue
		}
		bw.WriteBit(0)
		// Push right then left: left is popped next and its whole subtree is
		// fully drained (depth-first) before right is touched, reproducing
		// the recursive "node, then left, then right" order from spec.md.
		stack = append(stack, n.right, n.left)
	}
}

// readTree reconstructs the tree from the bit prelude written by writeTree,
// using an explicit stack of node slots rather than recursion.
func readTree(br *bitstream.Reader, symbolCount int) (*node, error) {
	var root *node
	slots := []**node{&root}
	read := 0
	for len(slots) > 0 {
		slot := slots[len(slots)-1]
		slots = slots[:len(slots)-1]
		bit, err := br.ReadBit()
		if err != nil {
			return nil, xerrors.Errorf("huffman: reading tree: %w", gvrserr.IntegrityFailure)
		}
		n := &node{}
		*slot = n
		if bit == 1 {
			sym, err := br.ReadBits(8)
			if err != nil {
				return nil, xerrors.Errorf("huffman: reading leaf symbol: %w", gvrserr.IntegrityFailure)
			}
			n.isLeaf = true
			n.symbol = byte(sym)
			read++
		} else {
			slots = append(slots, &n.right, &n.left)
		}
	}
	if read != symbolCount {
		return nil, xerrors.Errorf("huffman: tree has %d leaves, header declared %d: %w", read, symbolCount, gvrserr.IntegrityFailure)
	}
	return root, nil
}

// Encode compresses data with a canonical Huffman code over the byte
// alphabet. The output is self-contained: a one-byte leaf count minus one, the tree
// prelude, a four-byte original length, and the packed codeword stream.
func Encode(data []byte) []byte {
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	root := buildTree(freq)
	codes := buildCodes(root)

	distinct := 0
	for _, c := range freq {
		if c > 0 {
			distinct++
		}
	}
	if distinct == 0 {
		distinct = 1
	}

	bw := bitstream.NewWriter(len(data)/2 + 16)
	writeTree(bw, root)
	prelude := bw.Bytes()

	dataBits := bitstream.NewWriter(len(data) / 2)
	for _, b := range data {
		c := codes[b]
		if c.n > 0 {
			dataBits.WriteBits(c.bits, c.n)
		}
	}
	packed := dataBits.Bytes()

	out := make([]byte, 0, 1+len(prelude)+4+len(packed))
	out = append(out, byte(distinct-1))
	out = append(out, prelude...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	out = append(out, lenBuf[:]...)
	out = append(out, packed...)
	return out
}

// Decode reverses Encode, returning exactly the original byte sequence.
func Decode(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, xerrors.Errorf("huffman: empty input: %w", gvrserr.IntegrityFailure)
	}
	symbolCount := int(data[0]) + 1

	br := bitstream.NewReader(data[1:])
	root, err := readTree(br, symbolCount)
	if err != nil {
		return nil, err
	}

	// The tree prelude is bit-packed but the length field and codeword
	// stream that follow it are byte-aligned, matching how Encode flushed
	// the prelude writer before appending them.
	preludeBytes := (br.BitsConsumed() + 7) / 8
	if 1+preludeBytes > len(data) {
		return nil, xerrors.Errorf("huffman: truncated prelude: %w", gvrserr.IntegrityFailure)
	}
	rest := data[1+preludeBytes:]
	if len(rest) < 4 {
		return nil, xerrors.Errorf("huffman: truncated length field: %w", gvrserr.IntegrityFailure)
	}
	n := int(binary.LittleEndian.Uint32(rest[:4]))
	codeBits := bitstream.NewReader(rest[4:])

	out := make([]byte, 0, n)
	if root.isLeaf {
		for i := 0; i < n; i++ {
			out = append(out, root.symbol)
		}
		return out, nil
	}
	for i := 0; i < n; i++ {
		cur := root
		for !cur.isLeaf {
			bit, err := codeBits.ReadBit()
			if err != nil {
				return nil, xerrors.Errorf("huffman: decoding symbol %d: %w", i, gvrserr.IntegrityFailure)
			}
			if bit == 0 {
				cur = cur.left
			} else {
				cur = cur.right
			}
		}
		out = append(out, cur.symbol)
	}
	return out, nil
}

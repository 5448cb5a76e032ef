package gvrs

import (
	"context"
	"os"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/gvrs-go/gvrs/internal/assist"
	"github.com/gvrs-go/gvrs/internal/backend"
	"github.com/gvrs-go/gvrs/internal/cache"
	"github.com/gvrs-go/gvrs/internal/codec"
	"github.com/gvrs-go/gvrs/internal/directory"
	"github.com/gvrs-go/gvrs/internal/gvrserr"
	"github.com/gvrs-go/gvrs/internal/store"
	"github.com/gvrs-go/gvrs/internal/tiledata"
)

// File is an open handle to a GVRS raster file. It exclusively owns both
// its record manager and its tile cache; the record manager holds no
// reference to the cache. A File is not safe for concurrent use from multiple
// goroutines: spec.md §5 specifies single-writer, single-reader access per
// handle.
type File struct {
	f        *os.File
	path     string
	readOnly bool
	closed   bool

	header       directory.Header
	spec         *GridSpecification
	elements     []ElementSpecification
	elementByName map[string]int

	mgr          *store.Manager
	tileIndex    []uint64
	tileIndexOff int64
	metaDict     *directory.MetadataDict
	metaDictOff  int64
	metaDirty    bool

	backends      *backend.Registry
	codecRegistry *codec.Registry
	codecFamily   codec.Family

	cache *cache.Cache

	indexWriteEnabled bool

	assistant *assist.Assist
}

const defaultAssistBuffer = 4

// Create creates a new GVRS file at path from spec, which must have at
// least one element. The file is opened read-write on return.
func Create(path string, spec *GridSpecification) (*File, error) {
	if len(spec.Elements) == 0 {
		return nil, xerrors.Errorf("gvrs: grid specification has no elements: %w", gvrserr.InvalidArgument)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, xerrors.Errorf("gvrs: creating %s: %w", path, gvrserr.Io)
	}

	mgr := store.NewManager(f, int64(directory.HeaderSize), spec.ChecksumEnabled)

	dirElements := make([]directory.ElementSpec, len(spec.Elements))
	for i, e := range spec.Elements {
		dirElements[i] = e.toDirectory()
	}
	elementDictOff, err := directory.PutElementDict(mgr, dirElements)
	if err != nil {
		f.Close()
		return nil, err
	}

	metaDict := directory.NewMetadataDict()
	metaDictOff, err := directory.PutMetadataDict(mgr, 0, metaDict)
	if err != nil {
		f.Close()
		return nil, err
	}

	nTiles := spec.nTiles()
	tileIndex := make([]uint64, nTiles)
	tileIndexOff, err := directory.PutTileIndex(mgr, 0, tileIndex)
	if err != nil {
		f.Close()
		return nil, err
	}

	freeListOff, err := directory.PutFreeList(mgr, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	var r2m, m2r [6]float64
	if spec.hasTransform {
		r2m, m2r = spec.r2m, spec.m2r
	}
	header := directory.NewHeader(spec.NRows, spec.NColumns, spec.TileRows, spec.TileCols,
		int32(len(spec.Elements)), spec.Compression.Enabled, spec.ChecksumEnabled, spec.digest(), r2m, m2r)
	header.ElementDictOffset = uint64(elementDictOff)
	header.MetadataDictOffset = uint64(metaDictOff)
	header.TileIndexOffset = uint64(tileIndexOff)
	header.FreeListOffset = uint64(freeListOff)

	if _, err := f.WriteAt(directory.EncodeHeader(header), 0); err != nil {
		f.Close()
		return nil, xerrors.Errorf("gvrs: writing header: %w", gvrserr.Io)
	}

	backends, family, err := buildCodec(spec.Compression)
	if err != nil {
		f.Close()
		return nil, err
	}

	file := &File{
		f: f, path: path, header: header, spec: spec, elements: spec.Elements,
		mgr: mgr, tileIndex: tileIndex, tileIndexOff: tileIndexOff,
		metaDict: metaDict, metaDictOff: metaDictOff,
		backends: backends, codecRegistry: codec.NewRegistry(family), codecFamily: family,
		cache: cache.New(cache.SizeMedium), indexWriteEnabled: true,
	}
	file.indexElements()
	return file, nil
}

// Mode selects how Open attaches to an existing file.
type Mode int

const (
	ModeRead Mode = iota
	ModeReadWrite
)

// Open opens an existing GVRS file. Read-only handles reject any mutating
// operation with gvrserr.InvalidArgument.
func Open(path string, mode Mode) (*File, error) {
	flag := os.O_RDONLY
	if mode == ModeReadWrite {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, xerrors.Errorf("gvrs: opening %s: %w", path, gvrserr.Io)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("gvrs: stat %s: %w", path, gvrserr.Io)
	}
	fileLen := info.Size()

	var hdr [directory.HeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, xerrors.Errorf("gvrs: reading header of %s: %w", path, gvrserr.IntegrityFailure)
	}
	header, err := directory.DecodeHeader(hdr[:])
	if err != nil {
		f.Close()
		return nil, err
	}

	mgr := store.NewManager(f, fileLen, header.CRCEnabled())
	if err := directory.LoadFreeList(mgr, int64(header.FreeListOffset)); err != nil {
		f.Close()
		return nil, err
	}

	dirElements, err := directory.LoadElementDict(mgr, int64(header.ElementDictOffset))
	if err != nil {
		f.Close()
		return nil, err
	}
	elements := make([]ElementSpecification, len(dirElements))
	for i, d := range dirElements {
		elements[i] = elementFromDirectory(d)
	}

	metaDict, err := directory.LoadMetadataDict(mgr, int64(header.MetadataDictOffset))
	if err != nil {
		f.Close()
		return nil, err
	}

	nTiles := header.NTiles()
	tileIndex, ok := directory.LoadGVI(path, header.SpecDigest, fileLen)
	if !ok {
		tileIndex, err = directory.LoadTileIndex(mgr, int64(header.TileIndexOffset), nTiles)
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	compression := CompressionSpecification{Enabled: header.CompressionEnabled()}
	backends, family, err := buildCodec(compression)
	if err != nil {
		f.Close()
		return nil, err
	}

	spec := &GridSpecification{
		NRows: header.NRows, NColumns: header.NColumns, TileRows: header.TileRows, TileCols: header.TileCols,
		Elements: elements, Compression: compression, ChecksumEnabled: header.CRCEnabled(),
		hasTransform: header.R2M != [6]float64{}, r2m: header.R2M, m2r: header.M2R,
	}

	file := &File{
		f: f, path: path, readOnly: mode == ModeRead, header: header, spec: spec, elements: elements,
		mgr: mgr, tileIndex: tileIndex, tileIndexOff: int64(header.TileIndexOffset),
		metaDict: metaDict, metaDictOff: int64(header.MetadataDictOffset),
		backends: backends, codecRegistry: codec.NewRegistry(family), codecFamily: family,
		cache: cache.New(cache.SizeMedium), indexWriteEnabled: true,
	}
	file.indexElements()
	return file, nil
}

func buildCodec(c CompressionSpecification) (*backend.Registry, codec.Family, error) {
	if !c.Enabled || len(c.Backends) == 0 {
		return backend.NewRegistry(), codec.StandardFamily(backendIDs(backend.All)), nil
	}
	var chosen []backend.Backend
	for _, name := range c.Backends {
		var found backend.Backend
		for _, b := range backend.All {
			if strings.EqualFold(b.ID().String(), name) {
				found = b
				break
			}
		}
		if found == nil {
			return nil, codec.Family{}, xerrors.Errorf("gvrs: unknown compressor backend %q: %w", name, gvrserr.InvalidArgument)
		}
		chosen = append(chosen, found)
	}
	reg := backend.NewRegistry(chosen...)
	return reg, codec.StandardFamily(backendIDs(chosen)), nil
}

func backendIDs(backends []backend.Backend) []backend.ID {
	ids := make([]backend.ID, len(backends))
	for i, b := range backends {
		ids[i] = b.ID()
	}
	return ids
}

func (file *File) indexElements() {
	file.elementByName = make(map[string]int, len(file.elements))
	for i, e := range file.elements {
		file.elementByName[e.Name] = i
	}
}

func (file *File) checkOpen() error {
	if file.closed {
		return xerrors.Errorf("gvrs: operation on closed file: %w", gvrserr.AlreadyClosed)
	}
	return nil
}

func (file *File) checkWritable() error {
	if err := file.checkOpen(); err != nil {
		return err
	}
	if file.readOnly {
		return xerrors.Errorf("gvrs: write operation on a read-only handle: %w", gvrserr.InvalidArgument)
	}
	return nil
}

// Element returns an accessor for the named element.
func (file *File) Element(name string) (*Accessor, error) {
	if err := file.checkOpen(); err != nil {
		return nil, err
	}
	idx, ok := file.elementByName[name]
	if !ok {
		return nil, xerrors.Errorf("gvrs: unknown element %q: %w", name, gvrserr.InvalidArgument)
	}
	return &Accessor{file: file, elementIndex: idx, element: file.elements[idx]}, nil
}

// Metadata returns the bytes stored under (name, id), or
// gvrserr.NotFound if no such record exists.
func (file *File) Metadata(name string, id int32) ([]byte, error) {
	if err := file.checkOpen(); err != nil {
		return nil, err
	}
	off, ok := file.metaDict.Lookup(directory.MetadataKey{Name: name, ID: id})
	if !ok {
		return nil, xerrors.Errorf("gvrs: metadata %q/%d: %w", name, id, gvrserr.NotFound)
	}
	_, content, err := file.mgr.Get(off)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

// StoreMetadata writes (adding or replacing) the metadata record at
// (name, id).
func (file *File) StoreMetadata(name string, id int32, data []byte) error {
	if err := file.checkWritable(); err != nil {
		return err
	}
	key := directory.MetadataKey{Name: name, ID: id}
	var off int64
	if existing, ok := file.metaDict.Lookup(key); ok {
		newOff, err := file.mgr.Update(existing, store.TypeMetadata, data)
		if err != nil {
			return err
		}
		off = newOff
	} else {
		newOff, err := file.mgr.Put(store.TypeMetadata, data)
		if err != nil {
			return err
		}
		off = newOff
	}
	file.metaDict.Set(key, off)
	file.metaDirty = true
	return nil
}

// DeleteMetadata removes the metadata record at (name, id), if present.
func (file *File) DeleteMetadata(name string, id int32) error {
	if err := file.checkWritable(); err != nil {
		return err
	}
	key := directory.MetadataKey{Name: name, ID: id}
	off, ok := file.metaDict.Lookup(key)
	if !ok {
		return nil
	}
	if err := file.mgr.Free(off); err != nil {
		return err
	}
	file.metaDict.Delete(key)
	file.metaDirty = true
	return nil
}

// SetTileCacheSize changes the number of tile slots the cache holds. It
// flushes the file first and then replaces the cache with an empty one of
// the new size, so any positive size is accepted and no tile stays
// resident across the change.
func (file *File) SetTileCacheSize(size int) error {
	if err := file.checkOpen(); err != nil {
		return err
	}
	if size <= 0 {
		return xerrors.Errorf("gvrs: non-positive cache size %d: %w", size, gvrserr.InvalidArgument)
	}
	if err := file.Flush(); err != nil {
		return err
	}
	file.cache = cache.New(size)
	return nil
}

// SetMultiThreadReadEnabled starts or stops the background reading
// assistant (spec.md §5). Enabling starts the assistant goroutine at once;
// the start is not deferred to the first read. It is always stopped on
// Close regardless of how it was left here.
func (file *File) SetMultiThreadReadEnabled(enabled bool) error {
	if err := file.checkOpen(); err != nil {
		return err
	}
	if !enabled {
		if file.assistant != nil {
			err := file.assistant.Stop()
			file.assistant = nil
			return err
		}
		return nil
	}
	if file.assistant == nil {
		file.assistant = assist.Start(context.Background(), file.assistDecode, defaultAssistBuffer)
	}
	return nil
}

// assistDecode is the assistant's Decoder: it loads and decodes a tile
// from disk without touching the cache, exactly as spec.md §5 requires
// ("it never mutates cache entries").
func (file *File) assistDecode(tileIndex int) (map[int]*tiledata.Buffer, error) {
	offset := file.tileIndex[tileIndex]
	if offset == 0 {
		return file.newTileBuffers(), nil
	}
	return file.decodeTileRecord(int64(offset))
}

// SetIndexWriteEnabled controls whether Close writes the companion .gvi
// tile-index cache file (spec.md §4.8).
func (file *File) SetIndexWriteEnabled(enabled bool) error {
	if err := file.checkOpen(); err != nil {
		return err
	}
	file.indexWriteEnabled = enabled
	return nil
}

// writeBackTile is the cache's WriteBack callback: it encodes and persists
// one tile's per-element buffers, or frees its record entirely if every
// element buffer is all-fill (spec.md §3: "may be elided from storage
// entirely").
func (file *File) writeBackTile(tileIndex int, buffers map[int]*tiledata.Buffer) error {
	allFill := true
	for _, buf := range buffers {
		if !buf.IsFill() {
			allFill = false
			break
		}
	}

	existingOff := file.tileIndex[tileIndex]
	if allFill {
		if existingOff != 0 {
			if err := file.mgr.Free(int64(existingOff)); err != nil {
				return err
			}
			file.tileIndex[tileIndex] = 0
		}
		return nil
	}

	content := encodeTileRecord(file.backends, file.codecFamily, file.header.CompressionEnabled(), tileIndex, buffers, len(file.elements))
	if existingOff != 0 {
		newOff, err := file.mgr.Update(int64(existingOff), store.TypeTile, content)
		if err != nil {
			return err
		}
		file.tileIndex[tileIndex] = uint64(newOff)
	} else {
		newOff, err := file.mgr.Put(store.TypeTile, content)
		if err != nil {
			return err
		}
		file.tileIndex[tileIndex] = uint64(newOff)
	}
	return nil
}

// encodeTileRecord assembles the content of a tile record per spec.md §6:
// [tileIndex:u32 | perElementLen:u32 × nElements | perElementPayload...].
// perElementLen[i] == 0 means element i's payload is its raw uncompressed
// bytes; float elements never go through the integer predictor pipeline
// (spec.md §4.4: "all predictors operate on integer samples") and are
// always stored raw.
func encodeTileRecord(backends *backend.Registry, family codec.Family, compressionEnabled bool, tileIndex int, buffers map[int]*tiledata.Buffer, nElements int) []byte {
	lens := make([]uint32, nElements)
	payloads := make([][]byte, nElements)

	for i := 0; i < nElements; i++ {
		buf := buffers[i]
		raw := buf.RawBytes()
		if !compressionEnabled || buf.Type == tiledata.TypeF32 {
			payloads[i] = raw
			continue
		}
		values := buf.Int32View()
		compressed, ok, _ := codec.EncodeTile(backends, family, values, buf.NRows, buf.NCols, false, len(raw))
		if ok {
			lens[i] = uint32(len(compressed))
			payloads[i] = compressed
		} else {
			payloads[i] = raw
		}
	}

	out := make([]byte, 0, 4+4*nElements)
	out = appendU32Bytes(out, uint32(tileIndex))
	for i := 0; i < nElements; i++ {
		out = appendU32Bytes(out, lens[i])
	}
	for i := 0; i < nElements; i++ {
		out = append(out, payloads[i]...)
	}
	return out
}

func appendU32Bytes(dst []byte, v uint32) []byte {
	var b [4]byte
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return append(dst, b[:]...)
}

// Flush writes every dirty tile, then the tile index, the metadata
// dictionary (if changed), and the free list, then rewrites the header (spec.md
// §4.6: "a flush writes all dirty tiles in ascending tileIndex order, then
// persists allocator and tile-index state").
func (file *File) Flush() error {
	if err := file.checkOpen(); err != nil {
		return err
	}
	if file.readOnly {
		return nil
	}

	if err := file.cache.Flush(file.writeBackTile); err != nil {
		return err
	}

	newTileIndexOff, err := directory.PutTileIndex(file.mgr, file.tileIndexOff, file.tileIndex)
	if err != nil {
		return err
	}
	file.tileIndexOff = newTileIndexOff

	if file.metaDirty {
		newMetaOff, err := directory.PutMetadataDict(file.mgr, file.metaDictOff, file.metaDict)
		if err != nil {
			return err
		}
		file.metaDictOff = newMetaOff
		file.metaDirty = false
	}

	newFreeListOff, err := directory.PutFreeList(file.mgr, int64(file.header.FreeListOffset))
	if err != nil {
		return err
	}

	file.header.TileIndexOffset = uint64(file.tileIndexOff)
	file.header.MetadataDictOffset = uint64(file.metaDictOff)
	file.header.FreeListOffset = uint64(newFreeListOff)

	if _, err := file.f.WriteAt(directory.EncodeHeader(file.header), 0); err != nil {
		return xerrors.Errorf("gvrs: writing header: %w", gvrserr.Io)
	}
	return nil
}

// Close flushes the file (if writable) and releases its resources. An
// error during flush is reported, but the underlying file descriptor is
// still closed (spec.md §7: "close still releases resources").
func (file *File) Close() error {
	if file.closed {
		return nil
	}
	if file.assistant != nil {
		// Stopped unconditionally, including on error paths: spec.md §5,
		// "Failure to stop it is a bug."
		_ = file.assistant.Stop()
		file.assistant = nil
	}
	var flushErr error
	if !file.readOnly {
		flushErr = file.Flush()
	}

	if file.indexWriteEnabled && !file.readOnly {
		info, statErr := file.f.Stat()
		if statErr == nil {
			_ = directory.WriteGVI(file.path, file.header.SpecDigest, info.Size(), file.tileIndex)
		}
	} else if !file.indexWriteEnabled {
		_ = directory.RemoveGVI(file.path)
	}

	closeErr := file.f.Close()
	file.closed = true
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return xerrors.Errorf("gvrs: closing %s: %w", file.path, gvrserr.Io)
	}
	return nil
}

// sortedElementNames returns the element names sorted alphabetically.
func (file *File) sortedElementNames() []string {
	names := make([]string, len(file.elements))
	for i, e := range file.elements {
		names[i] = e.Name
	}
	sort.Strings(names)
	return names
}

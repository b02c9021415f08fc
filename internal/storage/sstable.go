package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	sstableMagic   = 0x53455247 // "SERG"
	sstableVersion = 1

	// DefaultIndexSampleRate samples every Nth key into the sparse index.
	DefaultIndexSampleRate = 16
)

type sstableHeader struct {
	Magic          uint32
	Version        uint32
	EntryCount     uint32
	Compressed     uint8
	DataOffset     uint64
	DataLen        uint64 // on-disk (possibly compressed) length
	DataLogicalLen uint64 // decompressed length
	IndexOffset    uint64
	IndexLen       uint64
	BloomOffset    uint64
	BloomLen       uint64
	CreatedAtUnix  int64
}

// sstableHeaderSize must equal the exact byte count writeHeader emits:
// 3 uint32 (12) + 1 uint8 (1) + 8 uint64/int64 fields (64) = 77.
const sstableHeaderSize = 4 + 4 + 4 + 1 + 8*8

// indexSample is one entry of the sparse index: every Nth key maps to its
// byte offset within the (decompressed) data region.
type indexSample struct {
	Key    []byte
	Offset uint64
}

// SSTable is an immutable, sorted, on-disk segment.
type SSTable struct {
	id          uint64
	path        string
	file        *os.File
	index       []indexSample
	bloom       *BloomFilter
	minKey      []byte
	maxKey      []byte
	entryCount  int
	createdAt   time.Time
	dataOffset  int64
	dataLen     int64
	compressed  bool
	decoder     *zstd.Decoder
}

// ID returns the monotonically increasing file id of this SSTable.
func (s *SSTable) ID() uint64       { return s.id }
func (s *SSTable) EntryCount() int  { return s.entryCount }
func (s *SSTable) MinKey() []byte   { return s.minKey }
func (s *SSTable) MaxKey() []byte   { return s.maxKey }
func (s *SSTable) Path() string     { return s.path }
func (s *SSTable) CreatedAt() time.Time { return s.createdAt }

func (s *SSTable) SizeBytes() int64 {
	stat, err := s.file.Stat()
	if err != nil {
		return 0
	}
	return stat.Size()
}

// sstableEntry is one logical record inside the data region.
type sstableEntry struct {
	Key   []byte
	Kind  OpKind
	Value []byte
	Seq   uint64
}

// BuildSSTable writes a new immutable SSTable to path from entries, which
// must already be sorted in ascending key order with no duplicate keys
// (the caller — a sealed memtable or a compactor merge — guarantees
// this). The file is written to a .tmp sibling and fsynced, then
// atomically renamed into place.
func BuildSSTable(path string, id uint64, entries []sstableEntry, fpRate float64, compress bool) (*SSTable, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("storage: refusing to build empty sstable")
	}

	bloom := NewBloomFilter(len(entries), fpRate)
	data := new(bytes.Buffer)
	var index []indexSample

	for i, e := range entries {
		bloom.Add(e.Key)
		if i%DefaultIndexSampleRate == 0 {
			index = append(index, indexSample{Key: append([]byte(nil), e.Key...), Offset: uint64(data.Len())})
		}
		writeEntry(data, e)
	}

	logicalLen := data.Len()
	var onDisk []byte
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		onDisk = enc.EncodeAll(data.Bytes(), nil)
		enc.Close()
	} else {
		onDisk = data.Bytes()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	removeTmp := true
	defer func() {
		if removeTmp {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	header := sstableHeader{
		Magic:          sstableMagic,
		Version:        sstableVersion,
		EntryCount:     uint32(len(entries)),
		DataOffset:     uint64(sstableHeaderSize),
		DataLen:        uint64(len(onDisk)),
		DataLogicalLen: uint64(logicalLen),
		CreatedAtUnix:  time.Now().Unix(),
	}
	if compress {
		header.Compressed = 1
	}

	if _, err := tmp.Seek(int64(sstableHeaderSize), io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := tmp.Write(onDisk); err != nil {
		return nil, err
	}

	bloomBytes := bloom.Marshal()
	header.BloomOffset = header.DataOffset + header.DataLen
	header.BloomLen = uint64(len(bloomBytes))
	if _, err := tmp.Write(bloomBytes); err != nil {
		return nil, err
	}

	indexBuf := new(bytes.Buffer)
	for _, s := range index {
		binary.Write(indexBuf, binary.LittleEndian, uint32(len(s.Key)))
		indexBuf.Write(s.Key)
		binary.Write(indexBuf, binary.LittleEndian, s.Offset)
	}
	header.IndexOffset = header.BloomOffset + header.BloomLen
	header.IndexLen = uint64(indexBuf.Len())
	if _, err := tmp.Write(indexBuf.Bytes()); err != nil {
		return nil, err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := writeHeader(tmp, header); err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	removeTmp = false

	if err := os.Rename(tmpPath, path); err != nil {
		return nil, err
	}

	return LoadSSTable(path, id)
}

func writeEntry(w io.Writer, e sstableEntry) {
	binary.Write(w, binary.LittleEndian, uint32(len(e.Key)))
	w.Write(e.Key)
	var kind uint8
	if e.Kind == OpDelete {
		kind = 1
	}
	binary.Write(w, binary.LittleEndian, kind)
	binary.Write(w, binary.LittleEndian, uint32(len(e.Value)))
	w.Write(e.Value)
	binary.Write(w, binary.LittleEndian, e.Seq)
}

func writeHeader(w io.Writer, h sstableHeader) error {
	fields := []any{
		h.Magic, h.Version, h.EntryCount, h.Compressed,
		h.DataOffset, h.DataLen, h.DataLogicalLen,
		h.IndexOffset, h.IndexLen, h.BloomOffset, h.BloomLen, h.CreatedAtUnix,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func readHeader(r io.Reader) (sstableHeader, error) {
	var h sstableHeader
	fields := []any{
		&h.Magic, &h.Version, &h.EntryCount, &h.Compressed,
		&h.DataOffset, &h.DataLen, &h.DataLogicalLen,
		&h.IndexOffset, &h.IndexLen, &h.BloomOffset, &h.BloomLen, &h.CreatedAtUnix,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return h, err
		}
	}
	return h, nil
}

// LoadSSTable opens an existing SSTable file and reconstructs its index
// and bloom filter for reads.
func LoadSSTable(path string, id uint64) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	header, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorruptSSTableHeader, err)
	}
	if header.Magic != sstableMagic || header.Version != sstableVersion {
		f.Close()
		return nil, ErrCorruptSSTableHeader
	}

	bloomBuf := make([]byte, header.BloomLen)
	if _, err := f.ReadAt(bloomBuf, int64(header.BloomOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorruptSSTableHeader, err)
	}
	bloom := UnmarshalBloomFilter(bloomBuf)

	indexBuf := make([]byte, header.IndexLen)
	if _, err := f.ReadAt(indexBuf, int64(header.IndexOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorruptSSTableHeader, err)
	}
	ir := bytes.NewReader(indexBuf)
	var index []indexSample
	for ir.Len() > 0 {
		var keyLen uint32
		if err := binary.Read(ir, binary.LittleEndian, &keyLen); err != nil {
			break
		}
		key := make([]byte, keyLen)
		io.ReadFull(ir, key)
		var off uint64
		binary.Read(ir, binary.LittleEndian, &off)
		index = append(index, indexSample{Key: key, Offset: off})
	}

	sst := &SSTable{
		id:         id,
		path:       path,
		file:       f,
		index:      index,
		bloom:      bloom,
		entryCount: int(header.EntryCount),
		createdAt:  time.Unix(header.CreatedAtUnix, 0),
		dataOffset: int64(header.DataOffset),
		dataLen:    int64(header.DataLen),
		compressed: header.Compressed == 1,
	}
	if len(index) > 0 {
		sst.minKey = index[0].Key
	}

	// Determine maxKey and fill minKey if sampling skipped the first key
	// (it never does, by construction) by scanning once.
	data, err := sst.readData()
	if err != nil {
		f.Close()
		return nil, err
	}
	r := bytes.NewReader(data)
	var last []byte
	var first []byte
	for r.Len() > 0 {
		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			break
		}
		key := make([]byte, keyLen)
		io.ReadFull(r, key)
		var kindByte uint8
		binary.Read(r, binary.LittleEndian, &kindByte)
		var valLen uint32
		binary.Read(r, binary.LittleEndian, &valLen)
		r.Seek(int64(valLen), io.SeekCurrent)
		var seq uint64
		binary.Read(r, binary.LittleEndian, &seq)
		if first == nil {
			first = key
		}
		last = key
	}
	sst.minKey = first
	sst.maxKey = last

	return sst, nil
}

func (s *SSTable) readData() ([]byte, error) {
	buf := make([]byte, s.dataLen)
	if _, err := s.file.ReadAt(buf, s.dataOffset); err != nil {
		return nil, err
	}
	if !s.compressed {
		return buf, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(buf, nil)
}

// Get looks up key: (1) consult the bloom filter, (2) binary-search the
// sparse index for the bracketing block, (3) linear-scan the bracketed
// block for an exact match.
func (s *SSTable) Get(key []byte) (Value, bool, error) {
	if !s.bloom.MightContain(key) {
		return Value{}, false, nil
	}

	idx := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].Key, key) > 0
	})
	startOffset := uint64(0)
	if idx > 0 {
		startOffset = s.index[idx-1].Offset
	}

	data, err := s.readData()
	if err != nil {
		return Value{}, false, err
	}
	r := bytes.NewReader(data)
	if _, err := r.Seek(int64(startOffset), io.SeekStart); err != nil {
		return Value{}, false, err
	}
	for r.Len() > 0 {
		e, err := readEntry(r)
		if err != nil {
			return Value{}, false, err
		}
		cmp := bytes.Compare(e.Key, key)
		if cmp == 0 {
			return Value{Bytes: e.Value, Tombstone: e.Kind == OpDelete, Sequence: e.Seq}, true, nil
		}
		if cmp > 0 {
			return Value{}, false, nil
		}
	}
	return Value{}, false, nil
}

func readEntry(r *bytes.Reader) (sstableEntry, error) {
	var e sstableEntry
	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return e, err
	}
	e.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, e.Key); err != nil {
		return e, err
	}
	var kindByte uint8
	if err := binary.Read(r, binary.LittleEndian, &kindByte); err != nil {
		return e, err
	}
	if kindByte == 1 {
		e.Kind = OpDelete
	}
	var valLen uint32
	if err := binary.Read(r, binary.LittleEndian, &valLen); err != nil {
		return e, err
	}
	e.Value = make([]byte, valLen)
	if _, err := io.ReadFull(r, e.Value); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Seq); err != nil {
		return e, err
	}
	return e, nil
}

// MightContain is the raw bloom-filter verdict, exposed for callers that
// want to short-circuit before paying for a full Get.
func (s *SSTable) MightContain(key []byte) bool {
	return s.bloom.MightContain(key)
}

// Range streams every entry whose key lies in [lo, hi] (nil bound means
// unbounded) in ascending order.
func (s *SSTable) Range(lo, hi []byte, fn func(key []byte, v Value) bool) error {
	data, err := s.readData()
	if err != nil {
		return err
	}
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		e, err := readEntry(r)
		if err != nil {
			return err
		}
		if lo != nil && bytes.Compare(e.Key, lo) < 0 {
			continue
		}
		if hi != nil && bytes.Compare(e.Key, hi) > 0 {
			break
		}
		if !fn(e.Key, Value{Bytes: e.Value, Tombstone: e.Kind == OpDelete, Sequence: e.Seq}) {
			return nil
		}
	}
	return nil
}

// AllEntries returns every logical entry in the table, in key order. Used
// by the compactor to build a merge iterator.
func (s *SSTable) AllEntries() ([]sstableEntry, error) {
	data, err := s.readData()
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	var out []sstableEntry
	for r.Len() > 0 {
		e, err := readEntry(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SSTable) Close() error {
	return s.file.Close()
}

// Remove closes and unlinks the underlying file. Used once a compaction
// output supersedes this table.
func (s *SSTable) Remove() error {
	s.Close()
	return os.Remove(s.path)
}

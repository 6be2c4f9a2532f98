package inference

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"os"
)

// ggufMagic is the first four bytes of every GGUF file.
const ggufMagic = "GGUF"

const (
	maxKeyLen    = 1 << 16
	maxStringLen = 1 << 24
	maxDims      = 8
)

// maxArrayDepth bounds arrays of arrays. Deeper nesting is a format error.
const maxArrayDepth = 3

// value types of the GGUF key/value section
const (
	ggufUint8 uint32 = iota
	ggufInt8
	ggufUint16
	ggufInt16
	ggufUint32
	ggufInt32
	ggufFloat32
	ggufBool
	ggufString
	ggufArray
	ggufUint64
	ggufInt64
	ggufFloat64
)

// Metadata is what the engine needs from a GGUF header.
type Metadata struct {
	Version         uint32 `json:"version"`
	TensorCount     uint64 `json:"tensor_count"`
	KVCount         uint64 `json:"kv_count"`
	Architecture    string `json:"architecture"`
	Name            string `json:"name"`
	ContextLength   uint64 `json:"context_length"`
	BlockCount      uint64 `json:"block_count"`
	EmbeddingLength uint64 `json:"embedding_length"`
	HeadCount       uint64 `json:"head_count"`
	HeadCountKV     uint64 `json:"head_count_kv"`
	FileType        uint64 `json:"file_type"`
	ParameterCount  uint64 `json:"parameter_count"`
	FileSize        int64  `json:"file_size"`
}

var errBadMagic = errors.New("missing GGUF magic")

// ReadMetadata validates the header of a GGUF file and extracts its metadata.
// Format problems are reported as InvalidFormat, I/O problems as LoadFailed.
func ReadMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, engineErr(KindLoadFailed, "read metadata", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Metadata{}, engineErr(KindLoadFailed, "read metadata", err)
	}
	meta, err := parseGGUF(bufio.NewReaderSize(f, 64*1024))
	if err != nil {
		return Metadata{}, engineErr(KindInvalidFormat, "read metadata", fmt.Errorf("%s: %w", path, err))
	}
	meta.FileSize = st.Size()
	return meta, nil
}

type ggufReader struct {
	r   io.Reader
	buf [8]byte
}

func (g *ggufReader) u32() (uint32, error) {
	if _, err := io.ReadFull(g.r, g.buf[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(g.buf[:4]), nil
}

func (g *ggufReader) u64() (uint64, error) {
	if _, err := io.ReadFull(g.r, g.buf[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(g.buf[:8]), nil
}

func (g *ggufReader) str(limit uint64) (string, error) {
	n, err := g.u64()
	if err != nil {
		return "", err
	}
	if n > limit {
		return "", fmt.Errorf("string length %d exceeds %d", n, limit)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(g.r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func (g *ggufReader) skip(n int64) error {
	_, err := io.CopyN(io.Discard, g.r, n)
	return err
}

func scalarSize(t uint32) int64 {
	switch t {
	case ggufUint8, ggufInt8, ggufBool:
		return 1
	case ggufUint16, ggufInt16:
		return 2
	case ggufUint32, ggufInt32, ggufFloat32:
		return 4
	case ggufUint64, ggufInt64, ggufFloat64:
		return 8
	}
	return 0
}

// value reads a value of type t. Integers are returned widened to uint64
// (negative values become 0); arrays are skipped and returned as nil.
// depth is the array nesting level of the value being read.
func (g *ggufReader) value(t uint32, depth int) (any, error) {
	switch t {
	case ggufString:
		return g.str(maxStringLen)
	case ggufArray:
		if depth >= maxArrayDepth {
			return nil, fmt.Errorf("arrays nested deeper than %d", maxArrayDepth)
		}
		et, err := g.u32()
		if err != nil {
			return nil, err
		}
		n, err := g.u64()
		if err != nil {
			return nil, err
		}
		if size := scalarSize(et); size > 0 {
			if n > math.MaxInt64/uint64(size) {
				return nil, fmt.Errorf("array too large")
			}
			return nil, g.skip(int64(n) * size)
		}
		for i := uint64(0); i < n; i++ {
			if _, err := g.value(et, depth+1); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	size := scalarSize(t)
	if size == 0 {
		return nil, fmt.Errorf("unknown value type %d", t)
	}
	if _, err := io.ReadFull(g.r, g.buf[:size]); err != nil {
		return nil, err
	}
	switch t {
	case ggufUint8, ggufBool:
		return uint64(g.buf[0]), nil
	case ggufInt8:
		return nonNegative(int64(int8(g.buf[0]))), nil
	case ggufUint16:
		return uint64(binary.LittleEndian.Uint16(g.buf[:2])), nil
	case ggufInt16:
		return nonNegative(int64(int16(binary.LittleEndian.Uint16(g.buf[:2])))), nil
	case ggufUint32:
		return uint64(binary.LittleEndian.Uint32(g.buf[:4])), nil
	case ggufInt32:
		return nonNegative(int64(int32(binary.LittleEndian.Uint32(g.buf[:4])))), nil
	case ggufFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(g.buf[:4]))), nil
	case ggufUint64:
		return binary.LittleEndian.Uint64(g.buf[:8]), nil
	case ggufInt64:
		return nonNegative(int64(binary.LittleEndian.Uint64(g.buf[:8]))), nil
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(g.buf[:8])), nil
	}
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func parseGGUF(r io.Reader) (Metadata, error) {
	g := &ggufReader{r: r}
	var meta Metadata

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || string(magic[:]) != ggufMagic {
		return meta, errBadMagic
	}
	var err error
	if meta.Version, err = g.u32(); err != nil {
		return meta, fmt.Errorf("read version: %w", err)
	}
	if meta.Version != 2 && meta.Version != 3 {
		return meta, fmt.Errorf("unsupported GGUF version %d", meta.Version)
	}
	if meta.TensorCount, err = g.u64(); err != nil {
		return meta, fmt.Errorf("read tensor count: %w", err)
	}
	if meta.KVCount, err = g.u64(); err != nil {
		return meta, fmt.Errorf("read kv count: %w", err)
	}

	kv := make(map[string]any)
	for i := uint64(0); i < meta.KVCount; i++ {
		key, err := g.str(maxKeyLen)
		if err != nil {
			return meta, fmt.Errorf("read key %d: %w", i, err)
		}
		t, err := g.u32()
		if err != nil {
			return meta, fmt.Errorf("read type of %s: %w", key, err)
		}
		v, err := g.value(t, 0)
		if err != nil {
			return meta, fmt.Errorf("read value of %s: %w", key, err)
		}
		if v != nil {
			kv[key] = v
		}
	}

	meta.Architecture, _ = kv["general.architecture"].(string)
	meta.Name, _ = kv["general.name"].(string)
	meta.FileType, _ = kv["general.file_type"].(uint64)
	arch := meta.Architecture
	meta.ContextLength, _ = kv[arch+".context_length"].(uint64)
	meta.BlockCount, _ = kv[arch+".block_count"].(uint64)
	meta.EmbeddingLength, _ = kv[arch+".embedding_length"].(uint64)
	meta.HeadCount, _ = kv[arch+".attention.head_count"].(uint64)
	meta.HeadCountKV, _ = kv[arch+".attention.head_count_kv"].(uint64)

	// Tensor infos follow the key/value section. The parameter count is the
	// sum of their element counts. A truncated list is not a format error.
	for i := uint64(0); i < meta.TensorCount; i++ {
		n, ok, err := readTensorElements(g)
		if err != nil {
			return meta, fmt.Errorf("tensor %d: %w", i, err)
		}
		if !ok {
			break
		}
		var carry uint64
		meta.ParameterCount, carry = bits.Add64(meta.ParameterCount, n, 0)
		if carry != 0 {
			return meta, errors.New("parameter count overflows")
		}
	}
	return meta, nil
}

// readTensorElements returns the element count of the next tensor info.
// ok is false when the list ends early.
func readTensorElements(g *ggufReader) (elems uint64, ok bool, err error) {
	if _, err := g.str(maxKeyLen); err != nil {
		return 0, false, nil
	}
	dims, err := g.u32()
	if err != nil || dims > maxDims {
		return 0, false, nil
	}
	elems = 1
	for d := uint32(0); d < dims; d++ {
		n, err := g.u64()
		if err != nil {
			return 0, false, nil
		}
		hi, lo := bits.Mul64(elems, n)
		if hi != 0 {
			return 0, false, errors.New("element count overflows")
		}
		elems = lo
	}
	// tensor type and data offset
	if _, err := g.u32(); err != nil {
		return 0, false, nil
	}
	if _, err := g.u64(); err != nil {
		return 0, false, nil
	}
	return elems, true, nil
}

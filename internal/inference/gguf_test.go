package inference

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type ggufKV struct {
	key string
	typ uint32
	val any
}

func putString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

// buildGGUF encodes a minimal GGUF file with the given metadata and tensor shapes.
func buildGGUF(version uint32, kvs []ggufKV, tensors [][]uint64) []byte {
	var buf bytes.Buffer
	buf.WriteString("GGUF")
	binary.Write(&buf, binary.LittleEndian, version)
	binary.Write(&buf, binary.LittleEndian, uint64(len(tensors)))
	binary.Write(&buf, binary.LittleEndian, uint64(len(kvs)))
	for _, kv := range kvs {
		putString(&buf, kv.key)
		binary.Write(&buf, binary.LittleEndian, kv.typ)
		switch v := kv.val.(type) {
		case string:
			putString(&buf, v)
		case uint32:
			binary.Write(&buf, binary.LittleEndian, v)
		case uint64:
			binary.Write(&buf, binary.LittleEndian, v)
		case float32:
			binary.Write(&buf, binary.LittleEndian, v)
		case []string:
			binary.Write(&buf, binary.LittleEndian, ggufString)
			binary.Write(&buf, binary.LittleEndian, uint64(len(v)))
			for _, s := range v {
				putString(&buf, s)
			}
		case []int32:
			binary.Write(&buf, binary.LittleEndian, ggufInt32)
			binary.Write(&buf, binary.LittleEndian, uint64(len(v)))
			for _, n := range v {
				binary.Write(&buf, binary.LittleEndian, n)
			}
		}
	}
	for i, dims := range tensors {
		putString(&buf, "tensor."+string(rune('a'+i)))
		binary.Write(&buf, binary.LittleEndian, uint32(len(dims)))
		for _, d := range dims {
			binary.Write(&buf, binary.LittleEndian, d)
		}
		binary.Write(&buf, binary.LittleEndian, uint32(0))
		binary.Write(&buf, binary.LittleEndian, uint64(0))
	}
	return buf.Bytes()
}

func testModelKVs(name string) []ggufKV {
	return []ggufKV{
		{"general.architecture", ggufString, "llama"},
		{"general.name", ggufString, name},
		{"general.file_type", ggufUint32, uint32(15)},
		{"tokenizer.ggml.tokens", ggufArray, []string{"<s>", "</s>", "hello"}},
		{"tokenizer.ggml.token_type", ggufArray, []int32{1, 1, 1}},
		{"llama.context_length", ggufUint32, uint32(2048)},
		{"llama.block_count", ggufUint32, uint32(4)},
		{"llama.embedding_length", ggufUint32, uint32(64)},
		{"llama.attention.head_count", ggufUint32, uint32(8)},
		{"llama.attention.head_count_kv", ggufUint32, uint32(2)},
		{"llama.rope.freq_base", ggufFloat32, float32(10000)},
	}
}

// writeTestModel writes a small valid GGUF file and returns its path.
func writeTestModel(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".gguf")
	data := buildGGUF(3, testModelKVs(name), [][]uint64{{64, 100}, {64}})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

// writeNestedArrayModel writes a header whose only value is an array nested
// depth levels deep.
func writeNestedArrayModel(t *testing.T, depth int) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("GGUF")
	binary.Write(&buf, binary.LittleEndian, uint32(3))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint64(1))
	putString(&buf, "general.nested")
	binary.Write(&buf, binary.LittleEndian, ggufArray)
	for i := 0; i < depth; i++ {
		binary.Write(&buf, binary.LittleEndian, ggufArray)
		binary.Write(&buf, binary.LittleEndian, uint64(1))
	}
	binary.Write(&buf, binary.LittleEndian, ggufUint8)
	binary.Write(&buf, binary.LittleEndian, uint64(1))
	buf.WriteByte(0)

	path := filepath.Join(t.TempDir(), "nested.gguf")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func TestReadMetadata(t *testing.T) {
	path := writeTestModel(t, "tiny")

	meta, err := ReadMetadata(path)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if meta.Version != 3 || meta.Architecture != "llama" || meta.Name != "tiny" {
		t.Fatalf("unexpected identity %+v", meta)
	}
	if meta.ContextLength != 2048 || meta.BlockCount != 4 || meta.EmbeddingLength != 64 || meta.HeadCountKV != 2 {
		t.Fatalf("unexpected shape %+v", meta)
	}
	if meta.FileType != 15 {
		t.Errorf("expected file type 15, got %d", meta.FileType)
	}
	if meta.ParameterCount != 64*100+64 {
		t.Errorf("expected %d parameters, got %d", 64*100+64, meta.ParameterCount)
	}
	if meta.FileSize <= 0 {
		t.Errorf("expected a file size, got %d", meta.FileSize)
	}
}

func TestReadMetadataRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]byte{
		"magic":     []byte("GGML\x03\x00\x00\x00 not a gguf file"),
		"empty":     {},
		"version":   buildGGUF(7, nil, nil),
		"truncated": buildGGUF(3, testModelKVs("x"), nil)[:40],
		"elements":  buildGGUF(3, testModelKVs("x"), [][]uint64{{1 << 40, 1 << 40}}),
		"params":    buildGGUF(3, testModelKVs("x"), [][]uint64{{1 << 63}, {1 << 63}}),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".gguf")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := ReadMetadata(path); !errors.Is(err, ErrInvalidFormat) {
				t.Fatalf("expected invalid format, got %v", err)
			}
		})
	}
}

func TestReadMetadataBoundsArrayNesting(t *testing.T) {
	for _, depth := range []int{maxArrayDepth, 1 << 17} {
		_, err := ReadMetadata(writeNestedArrayModel(t, depth))
		if !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("depth %d: expected invalid format, got %v", depth, err)
		}
		if !strings.Contains(err.Error(), "nested") {
			t.Fatalf("depth %d: expected a nesting error, got %v", depth, err)
		}
	}

	// an array of arrays is still a valid header
	meta, err := ReadMetadata(writeNestedArrayModel(t, 1))
	if err != nil {
		t.Fatalf("shallow nesting: %v", err)
	}
	if meta.Version != 3 {
		t.Fatalf("unexpected version %d", meta.Version)
	}
}

func TestReadMetadataMissingFile(t *testing.T) {
	_, err := ReadMetadata(filepath.Join(t.TempDir(), "nope.gguf"))
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected load failed, got %v", err)
	}
	if KindOf(err) != KindLoadFailed {
		t.Fatalf("expected kind %v, got %v", KindLoadFailed, KindOf(err))
	}
}

func TestReadMetadataVersion2(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v2.gguf")
	if err := os.WriteFile(path, buildGGUF(2, testModelKVs("old"), nil), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	meta, err := ReadMetadata(path)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if meta.Version != 2 || meta.Name != "old" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
}

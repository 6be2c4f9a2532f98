// Package inferencetest provides engines backed by the scripted backend for
// tests of packages that drive the inference engine.
package inferencetest

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KafClaw/localclaw/internal/inference"
)

// GGUF value type ids.
const (
	typeUint32  uint32 = 4
	typeFloat32 uint32 = 6
	typeString  uint32 = 8
)

// ModelBytes returns a minimal valid GGUF file for a llama-architecture model.
func ModelBytes(name string) []byte {
	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	str := func(s string) {
		w(uint64(len(s)))
		buf.WriteString(s)
	}
	kvs := []struct {
		key string
		typ uint32
		val any
	}{
		{"general.architecture", typeString, "llama"},
		{"general.name", typeString, name},
		{"llama.context_length", typeUint32, uint32(2048)},
		{"llama.block_count", typeUint32, uint32(2)},
		{"llama.embedding_length", typeUint32, uint32(32)},
		{"llama.attention.head_count", typeUint32, uint32(4)},
		{"llama.attention.head_count_kv", typeUint32, uint32(2)},
		{"llama.rope.freq_base", typeFloat32, float32(10000)},
	}

	buf.WriteString("GGUF")
	w(uint32(3))
	w(uint64(1))
	w(uint64(len(kvs)))
	for _, kv := range kvs {
		str(kv.key)
		w(kv.typ)
		if s, ok := kv.val.(string); ok {
			str(s)
		} else {
			w(kv.val)
		}
	}
	str("tensor.a")
	w(uint32(1))
	w(uint64(32))
	w(uint32(0))
	w(uint64(0))
	return buf.Bytes()
}

// WriteModel writes a minimal model file into dir and returns its path.
func WriteModel(dir, name string) (string, error) {
	path := filepath.Join(dir, name+".gguf")
	if err := os.WriteFile(path, ModelBytes(name), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// NewEngine starts an engine on backend, loads a tiny model and closes the
// engine when the test ends.
func NewEngine(t testing.TB, backend inference.Backend) *inference.Engine {
	t.Helper()
	e := inference.New(backend, inference.Options{MemoryBudget: 1 << 40})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	path, err := WriteModel(t.TempDir(), "tiny")
	if err != nil {
		t.Fatalf("write model: %v", err)
	}
	if _, err := e.LoadModel(context.Background(), path); err != nil {
		t.Fatalf("load model: %v", err)
	}
	return e
}

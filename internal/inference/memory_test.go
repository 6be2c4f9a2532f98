package inference

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

// llama-7B-like shape: GQA shrinks the KV width to 4096*8/32 = 1024.
var sevenB = Metadata{FileSize: 1 << 30, BlockCount: 32, EmbeddingLength: 4096, HeadCount: 32, HeadCountKV: 8}

func TestEstimateMemory(t *testing.T) {
	kv := uint64(4096) * 32 * 1024 * 2 * 2
	if got, want := EstimateMemory(sevenB, 4096), uint64(1<<30)+kv+runtimeOverhead; got != want {
		t.Fatalf("EstimateMemory = %d, want %d", got, want)
	}
	if got, want := EstimateMemory(Metadata{FileSize: 1 << 30}, 4096), uint64(1<<30)+runtimeOverhead; got != want {
		t.Fatalf("EstimateMemory without shape = %d, want %d", got, want)
	}
}

func TestEstimateSplit(t *testing.T) {
	kv := kvCacheBytes(sevenB, 4096)

	half := EstimateSplit(sevenB, 4096, 16)
	if want := uint64(1<<29) + kv/2 + runtimeOverhead; half.Host != want {
		t.Errorf("half offload host = %d, want %d", half.Host, want)
	}
	if want := uint64(1<<29) + kv/2 + deviceOverhead; half.Device != want {
		t.Errorf("half offload device = %d, want %d", half.Device, want)
	}

	all := EstimateSplit(sevenB, 4096, -1)
	if all.Host != runtimeOverhead {
		t.Errorf("full offload leaves only runtime overhead on the host, got %d", all.Host)
	}
	if more := EstimateSplit(sevenB, 4096, 99); more != all {
		t.Errorf("more layers than blocks is a full offload, got %+v", more)
	}

	none := EstimateSplit(sevenB, 4096, 0)
	if none.Device != 0 || none.Host != EstimateMemory(sevenB, 4096) {
		t.Errorf("no offload keeps everything on the host, got %+v", none)
	}
	if none.Total() != none.Host {
		t.Errorf("Total = %d, want %d", none.Total(), none.Host)
	}
}

func TestDeviceContextSize(t *testing.T) {
	perToken := kvCacheBytes(sevenB, 1)
	fixed := uint64(1<<30) + deviceOverhead

	cases := []struct {
		name      string
		gpuLayers int
		vram      uint64
		requested int
		want      int
	}{
		{"fits", -1, fixed + 3000*perToken, 2048, 2048},
		{"ladder", -1, fixed + 3000*perToken, 8192, 2048},
		{"below ladder", -1, fixed + 1000*perToken, 8192, 768},
		{"weights too big", -1, 1 << 30, 4096, 0},
		{"no offload", 0, 1, 4096, 4096},
		{"unknown vram", -1, 0, 4096, 4096},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeviceContextSize(sevenB, tc.gpuLayers, tc.vram, tc.requested); got != tc.want {
				t.Fatalf("DeviceContextSize = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestEstimatesSaturate(t *testing.T) {
	huge := Metadata{FileSize: math.MaxInt64, BlockCount: math.MaxUint64 / 2, EmbeddingLength: 1 << 40}
	if got := kvCacheBytes(huge, 1<<20); got != math.MaxUint64 {
		t.Fatalf("kv cache = %d, want saturation", got)
	}
	if got := EstimateMemory(huge, 1<<20); got != math.MaxUint64 {
		t.Fatalf("estimate = %d, want saturation", got)
	}
	if got := EstimateSplit(huge, 1<<20, 7).Total(); got != math.MaxUint64 {
		t.Fatalf("split total = %d, want saturation", got)
	}
}

func TestParseVRAM(t *testing.T) {
	cases := map[string]uint64{
		"24576\n":          24576 << 20,
		" 8192 \n16384\n":  8192 << 20,
		"":                 0,
		"[N/A]\n":          0,
		"No devices found": 0,
	}
	for in, want := range cases {
		if got := parseVRAM(in); got != want {
			t.Errorf("parseVRAM(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestDetectVRAMWithoutTool(t *testing.T) {
	old := nvidiaSMI
	nvidiaSMI = filepath.Join(t.TempDir(), "missing-nvidia-smi")
	defer func() { nvidiaSMI = old }()

	if got := DetectVRAM(); got != 0 {
		t.Fatalf("expected 0 without nvidia-smi, got %d", got)
	}
}

func TestAvailableMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	if err := os.WriteFile(path, []byte("MemTotal:       16000000 kB\nMemAvailable:    8000000 kB\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	old := meminfoPath
	meminfoPath = path
	defer func() { meminfoPath = old }()

	if got := AvailableMemory(); got != 8000000*1024 {
		t.Fatalf("AvailableMemory = %d", got)
	}

	meminfoPath = filepath.Join(t.TempDir(), "missing")
	if got := AvailableMemory(); got != 0 {
		t.Fatalf("missing meminfo gives %d", got)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[uint64]string{512: "512 B", 1536: "1.5 KiB", 2 << 30: "2.0 GiB"}
	for n, want := range cases {
		if got := FormatBytes(n); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", n, got, want)
		}
	}
}

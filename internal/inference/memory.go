package inference

import (
	"bufio"
	"context"
	"math"
	"math/bits"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// runtimeOverhead covers compute buffers and scratch space on top of
	// weights and KV cache.
	runtimeOverhead = 256 << 20
	// deviceOverhead is the accelerator side of the same buffers.
	deviceOverhead = 512 << 20
)

// MemoryEstimate splits what a load needs between host RAM and accelerator
// memory. Device is zero when no layers are offloaded.
type MemoryEstimate struct {
	Host   uint64 `json:"host"`
	Device uint64 `json:"device"`
}

// Total is the sum of both parts, saturating at the largest uint64.
func (m MemoryEstimate) Total() uint64 {
	return addSat(m.Host, m.Device)
}

// EstimateMemory approximates the bytes needed to hold the model and a
// context of ctxSize tokens with an f16 KV cache, all in host memory.
func EstimateMemory(meta Metadata, ctxSize int) uint64 {
	return EstimateSplit(meta, ctxSize, 0).Host
}

// EstimateSplit places the share of weights and KV cache that belongs to the
// offloaded layers on the device. gpuLayers < 0 offloads every layer.
// Results saturate instead of wrapping on absurd metadata.
func EstimateSplit(meta Metadata, ctxSize, gpuLayers int) MemoryEstimate {
	weights := uint64(0)
	if meta.FileSize > 0 {
		weights = uint64(meta.FileSize)
	}
	kv := kvCacheBytes(meta, ctxSize)

	off, blocks := offloadedLayers(meta, gpuLayers)
	if off == 0 {
		return MemoryEstimate{Host: addSat(addSat(weights, kv), runtimeOverhead)}
	}
	devWeights := mulDivSat(weights, off, blocks)
	devKV := mulDivSat(kv, off, blocks)
	return MemoryEstimate{
		Host:   addSat(addSat(weights-devWeights, kv-devKV), runtimeOverhead),
		Device: addSat(addSat(devWeights, devKV), deviceOverhead),
	}
}

// offloadedLayers returns how many of the model's blocks run on the device.
// A model without a block count is treated as a single block.
func offloadedLayers(meta Metadata, gpuLayers int) (off, blocks uint64) {
	blocks = meta.BlockCount
	if blocks == 0 {
		blocks = 1
	}
	switch {
	case gpuLayers == 0:
		return 0, blocks
	case gpuLayers < 0 || uint64(gpuLayers) >= blocks:
		return blocks, blocks
	default:
		return uint64(gpuLayers), blocks
	}
}

// contextLadder holds the context sizes tried when the requested one does
// not fit on the device, largest first.
var contextLadder = []int{131072, 65536, 32768, 16384, 8192, 4096, 2048}

// DeviceContextSize returns the largest context, at most requested, whose
// offloaded KV cache fits next to the offloaded weights in vram bytes. It
// returns requested when nothing is offloaded or vram is unknown, and 0 when
// not even the weights fit.
func DeviceContextSize(meta Metadata, gpuLayers int, vram uint64, requested int) int {
	off, blocks := offloadedLayers(meta, gpuLayers)
	if off == 0 || vram == 0 || requested <= 0 {
		return requested
	}
	fixed := EstimateSplit(meta, 0, gpuLayers).Device
	if fixed >= vram {
		return 0
	}
	perToken := mulDivSat(kvCacheBytes(meta, 1), off, blocks)
	if perToken == 0 {
		return requested
	}
	maxCtx := (vram - fixed) / perToken
	if maxCtx >= uint64(requested) {
		return requested
	}
	for _, s := range contextLadder {
		if uint64(s) <= maxCtx && s < requested {
			return s
		}
	}
	// below the smallest rung, keep a multiple of 256
	return int(maxCtx / 256 * 256)
}

func kvCacheBytes(meta Metadata, ctxSize int) uint64 {
	if ctxSize <= 0 || meta.BlockCount == 0 || meta.EmbeddingLength == 0 {
		return 0
	}
	embd := meta.EmbeddingLength
	if meta.HeadCount > 0 && meta.HeadCountKV > 0 && meta.HeadCountKV < meta.HeadCount {
		embd = mulDivSat(embd, meta.HeadCountKV, meta.HeadCount)
	}
	// keys and values, two bytes each
	return mulSat(mulSat(mulSat(uint64(ctxSize), meta.BlockCount), embd), 4)
}

func mulSat(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

func addSat(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// mulDivSat computes a*num/den for num <= den without intermediate overflow.
func mulDivSat(a, num, den uint64) uint64 {
	if den == 0 {
		return 0
	}
	hi, lo := bits.Mul64(a, num)
	if hi >= den {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, den)
	return q
}

// meminfoPath is swapped in tests.
var meminfoPath = "/proc/meminfo"

// AvailableMemory returns MemAvailable from /proc/meminfo, or 0 when it
// cannot be determined.
func AvailableMemory() uint64 {
	f, err := os.Open(meminfoPath)
	if err != nil {
		return 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// nvidiaSMI and detectVRAM are swapped in tests.
var (
	nvidiaSMI  = "nvidia-smi"
	detectVRAM = DetectVRAM
)

// DetectVRAM returns the total memory of the first NVIDIA GPU reported by
// nvidia-smi, or 0 when there is none or the tool is missing.
func DetectVRAM() uint64 {
	bin, err := exec.LookPath(nvidiaSMI)
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, bin, "--query-gpu=memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0
	}
	return parseVRAM(string(out))
}

// parseVRAM reads the first line of nvidia-smi's csv output, in MiB.
func parseVRAM(out string) uint64 {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	mib, err := strconv.ParseUint(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return 0
	}
	return mib << 20
}

// FormatBytes renders a byte count for humans in IEC units.
func FormatBytes(n uint64) string {
	return humanize.IBytes(n)
}

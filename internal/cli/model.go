package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/localclaw/internal/inference"
)

var (
	modelJSON      bool
	modelContext   int
	modelGPULayers int
	modelServer    string
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect model files and inference servers",
}

var modelInspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Read a GGUF header and estimate memory use",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelInspect,
}

var modelCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the configured llama.cpp server is reachable",
	RunE:  runModelCheck,
}

func init() {
	modelInspectCmd.Flags().BoolVar(&modelJSON, "json", false, "print metadata as JSON")
	modelInspectCmd.Flags().IntVar(&modelContext, "context", 0, "context size for the estimate (default from config)")
	modelInspectCmd.Flags().IntVar(&modelGPULayers, "gpu-layers", 0, "layers offloaded to the accelerator, -1 for all (default from config)")
	modelCheckCmd.Flags().StringVar(&modelServer, "url", "", "server URL (default model.serverUrl)")

	modelCmd.AddCommand(modelInspectCmd, modelCheckCmd)
	rootCmd.AddCommand(modelCmd)
}

func runModelInspect(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ctxSize, gpuLayers := modelContext, modelGPULayers
	var vram uint64
	if ctxSize <= 0 || !cmd.Flags().Changed("gpu-layers") {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if ctxSize <= 0 {
			ctxSize = cfg.Engine.ContextSize
		}
		if !cmd.Flags().Changed("gpu-layers") {
			gpuLayers = cfg.Engine.GPULayers
		}
		vram = uint64(cfg.Engine.VRAMBudgetMB) << 20
	}

	meta, err := inference.ReadMetadata(args[0])
	if err != nil {
		return err
	}
	if gpuLayers != 0 && vram == 0 {
		vram = inference.DetectVRAM()
	}
	estimate := inference.EstimateSplit(meta, ctxSize, gpuLayers)
	available := inference.AvailableMemory()

	if modelJSON {
		return writeJSON(out, map[string]any{
			"metadata":         meta,
			"context_size":     ctxSize,
			"gpu_layers":       gpuLayers,
			"memory_estimate":  estimate.Host,
			"device_estimate":  estimate.Device,
			"memory_available": available,
			"vram_available":   vram,
		})
	}

	fmt.Fprintf(out, "Model:        %s\n", meta.Name)
	fmt.Fprintf(out, "Architecture: %s\n", meta.Architecture)
	fmt.Fprintf(out, "GGUF version: %d\n", meta.Version)
	fmt.Fprintf(out, "Tensors:      %d\n", meta.TensorCount)
	if meta.ParameterCount > 0 {
		fmt.Fprintf(out, "Parameters:   %d\n", meta.ParameterCount)
	}
	fmt.Fprintf(out, "File type:    %d\n", meta.FileType)
	fmt.Fprintf(out, "File size:    %s\n", inference.FormatBytes(uint64(meta.FileSize)))
	fmt.Fprintf(out, "Trained ctx:  %d\n", meta.ContextLength)
	fmt.Fprintf(out, "Layers:       %d (embedding %d, heads %d/%d)\n",
		meta.BlockCount, meta.EmbeddingLength, meta.HeadCount, meta.HeadCountKV)
	fmt.Fprintf(out, "Memory @%d:  %s\n", ctxSize, inference.FormatBytes(estimate.Host))
	if available > 0 {
		fit := color.GreenString("fits")
		if estimate.Host > available {
			fit = color.RedString("does not fit")
		}
		fmt.Fprintf(out, "Available:    %s (%s)\n", inference.FormatBytes(available), fit)
	}
	if estimate.Device > 0 {
		fmt.Fprintf(out, "Offloaded:    %s (%d layers)\n", inference.FormatBytes(estimate.Device), gpuLayers)
		if vram > 0 {
			fit := color.GreenString("fits")
			if c := inference.DeviceContextSize(meta, gpuLayers, vram, ctxSize); c <= 0 {
				fit = color.RedString("does not fit")
			} else if c < ctxSize {
				fit = color.YellowString("context clamped to %d", c)
			}
			fmt.Fprintf(out, "VRAM:         %s (%s)\n", inference.FormatBytes(vram), fit)
		}
	}
	return nil
}

func runModelCheck(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	url := modelServer
	slot := -1
	if url == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		url, slot = cfg.Model.ServerURL, cfg.Model.Slot
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	props, err := inference.NewLlamaServer(url, slot).Check(ctx)
	if err != nil {
		fmt.Fprintf(out, "%s %s: %v\n", color.RedString("✗"), url, err)
		return err
	}
	fmt.Fprintf(out, "%s %s\n", color.GreenString("✓"), url)
	fmt.Fprintf(out, "  model:   %s\n", props.ModelPath)
	fmt.Fprintf(out, "  slots:   %d\n", props.TotalSlots)
	fmt.Fprintf(out, "  context: %d\n", props.Settings.NCtx)
	return nil
}

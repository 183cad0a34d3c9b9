package main

import (
	"fmt"
	"image"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tonk/lesionseg/internal/utils"
	"github.com/tonk/lesionseg/pkg/codec"
	"github.com/tonk/lesionseg/pkg/types"
)

func newSegmentCommand(ctx *commandContext) *cobra.Command {
	var outDir, mode, format string
	var quality, cropSize int
	var saveMask bool
	var cropPadding float64

	cmd := &cobra.Command{
		Use:   "segment <image|url|dir>...",
		Short: "Segment lesions and write rendered masks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			if err := utils.EnsureDir(outDir); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}

			sources, err := expandSources(args)
			if err != nil {
				return err
			}

			seg, err := buildSegmenter(cfg, logger)
			if err != nil {
				return err
			}
			proc := seg.Processor()

			var rows [][]string
			for _, src := range sources {
				img, err := proc.LoadSource(cmd.Context(), src)
				if err != nil {
					logger.Error("failed to load image", zap.String("source", src), zap.Error(err))
					rows = append(rows, []string{src, "load failed", "", "", "", ""})
					continue
				}
				res, err := seg.Segment(cmd.Context(), img, mode)
				if err != nil {
					return err
				}

				out := utils.GenerateOutputFilename(src, outDir, "_"+mode, format)
				if err := codec.SaveImage(res.Rendered, out, format, quality); err != nil {
					return fmt.Errorf("save %s: %w", out, err)
				}
				if saveMask {
					maskOut := utils.GenerateOutputFilename(src, outDir, "_mask", "png")
					if err := codec.SaveImage(codec.ResizeMask(res.Mask, img.Bounds().Dx(), img.Bounds().Dy()), maskOut, "png", 100); err != nil {
						return fmt.Errorf("save %s: %w", maskOut, err)
					}
				}

				if cropSize > 0 {
					if err := saveCrops(img, res.Lesions, src, outDir, format, quality, cropSize, cropPadding); err != nil {
						return err
					}
				}

				rows = append(rows, []string{
					filepath.Base(src),
					out,
					fmt.Sprintf("%.2f%%", res.Stats.Coverage*100),
					formatBox(res.Stats.Box),
					fmt.Sprint(len(res.Lesions)),
					res.Elapsed.Round(time.Millisecond).String(),
				})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]column{
				{title: "Source"},
				{title: "Output"},
				{title: "Coverage", right: true},
				{title: "Box"},
				{title: "Lesions", right: true},
				{title: "Time", right: true},
			}, rows))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "out", "Output directory")
	cmd.Flags().StringVar(&mode, "mode", types.ModeSideBySide, "Render mode: side_by_side or overlay")
	cmd.Flags().StringVar(&format, "format", "png", "Output format: png, jpg or webp")
	cmd.Flags().IntVar(&quality, "quality", 90, "JPEG/WebP quality (1-100)")
	cmd.Flags().BoolVar(&saveMask, "mask", false, "Also write the binary mask at the original size")
	cmd.Flags().IntVar(&cropSize, "crops", 0, "Write a square crop of this size around each lesion (0 disables)")
	cmd.Flags().Float64Var(&cropPadding, "crop-padding", 0.25, "Context kept around each lesion crop, relative to its size")
	return cmd
}

// expandSources replaces directories with the images they contain.
func expandSources(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		if utils.DirExists(a) {
			files, err := utils.ListImageFiles(a)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", a, err)
			}
			out = append(out, files...)
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no images found in %v", args)
	}
	return out, nil
}

// saveCrops writes one padded square crop per lesion next to the rendered output.
func saveCrops(img image.Image, lesions []types.Box, src, outDir, format string, quality, size int, padding float64) error {
	for i, b := range lesions {
		crop, err := codec.CropToBox(img, codec.PadBox(b, padding), size)
		if err != nil {
			return fmt.Errorf("crop lesion %d of %s: %w", i+1, src, err)
		}
		out := utils.GenerateOutputFilename(src, outDir, fmt.Sprintf("_lesion%d", i+1), format)
		if err := codec.SaveImage(crop, out, format, quality); err != nil {
			return fmt.Errorf("save %s: %w", out, err)
		}
	}
	return nil
}

func formatBox(b *types.Box) string {
	if b == nil {
		return "-"
	}
	return fmt.Sprintf("x=%.2f y=%.2f w=%.2f h=%.2f", b.X, b.Y, b.W, b.H)
}

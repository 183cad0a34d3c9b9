package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonk/lesionseg/internal/utils"
	"github.com/tonk/lesionseg/pkg/unet"
	"github.com/tonk/lesionseg/pkg/weights"
)

func newWeightsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Inspect and generate segmentation checkpoints",
	}
	cmd.AddCommand(newWeightsInspectCommand())
	cmd.AddCommand(newWeightsInitCommand())
	return cmd
}

func newWeightsInspectCommand() *cobra.Command {
	var check bool
	var baseWidth int
	var filter string

	cmd := &cobra.Command{
		Use:   "inspect <file.safetensors>",
		Short: "List the tensors of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			infos, meta, err := weights.Inspect(data)
			if err != nil {
				return err
			}

			var rows [][]string
			var total int64
			var elements int
			for _, info := range infos {
				if filter != "" && !strings.Contains(info.Name, filter) {
					continue
				}
				n := 1
				for _, d := range info.Shape {
					n *= d
				}
				elements += n
				total += info.Bytes
				rows = append(rows, []string{
					info.Name,
					info.DType,
					fmt.Sprint(info.Shape),
					fmt.Sprint(n),
					utils.FormatFileSize(info.Bytes),
				})
			}

			out := cmd.OutOrStdout()
			keys := make([]string, 0, len(meta))
			for k := range meta {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "%s: %s\n", k, meta[k])
			}
			fmt.Fprintln(out, renderTable([]column{
				{title: "Tensor"},
				{title: "DType"},
				{title: "Shape"},
				{title: "Elements", right: true},
				{title: "Size", right: true},
			}, rows, fmt.Sprintf("%d tensors", len(rows)), "", "", fmt.Sprint(elements), utils.FormatFileSize(total)))

			if !check {
				return nil
			}
			cfg := unet.DefaultConfig()
			cfg.BaseWidth = baseWidth
			_, unexpected, err := unet.Load(args[0], cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "checkpoint matches the network (base width %d)\n", baseWidth)
			if len(unexpected) > 0 {
				fmt.Fprintf(out, "unused tensors: %s\n", strings.Join(unexpected, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Verify the checkpoint loads into the network")
	cmd.Flags().IntVar(&baseWidth, "base-width", 64, "Network base width used by --check")
	cmd.Flags().StringVar(&filter, "filter", "", "Only list tensors whose name contains this string")
	return cmd
}

func newWeightsInitCommand() *cobra.Command {
	var baseWidth int
	var seed uint64
	var force bool

	cmd := &cobra.Command{
		Use:   "init <out.safetensors>",
		Short: "Write a randomly initialized checkpoint for smoke tests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", args[0])
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := unet.DefaultConfig()
			cfg.BaseWidth = baseWidth
			net, err := unet.New(cfg)
			if err != nil {
				return err
			}
			net.Init(rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)))

			meta := map[string]string{
				"format":     "pt",
				"base_width": fmt.Sprint(baseWidth),
				"seed":       fmt.Sprint(seed),
			}
			if err := weights.SaveFile(args[0], net.StateDict(), meta); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d parameters)\n", args[0], net.NumParameters())
			return nil
		},
	}

	cmd.Flags().IntVar(&baseWidth, "base-width", 64, "Network base width")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "Random seed")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

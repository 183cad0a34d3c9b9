package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonk/lesionseg/pkg/codec"
)

func newClassifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <image|url|dir>...",
		Short: "Classify tumor images as benign or malignant",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			clf, err := buildClassifier(cfg)
			if err != nil {
				return err
			}
			if clf == nil {
				return errors.New("classifier is disabled; set classifier.enabled and classifier.model_path")
			}
			defer clf.Close()

			sources, err := expandSources(args)
			if err != nil {
				return err
			}

			proc := codec.NewProcessorWithOptions(codec.Options{MaxPixels: cfg.Model.MaxPixels})
			var rows [][]string
			for _, src := range sources {
				img, err := proc.LoadSource(cmd.Context(), src)
				if err != nil {
					return fmt.Errorf("load %s: %w", src, err)
				}
				pred, err := clf.Classify(cmd.Context(), img)
				if err != nil {
					return fmt.Errorf("classify %s: %w", src, err)
				}
				rows = append(rows, []string{filepath.Base(src), pred.Label, fmt.Sprintf("%.3f", pred.Confidence)})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]column{
				{title: "Source"},
				{title: "Prediction"},
				{title: "Confidence", right: true},
			}, rows))
			return nil
		},
	}
}

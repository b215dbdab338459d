package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/gantry/internal/config"
	"github.com/seantiz/gantry/internal/pipeline"
)

func newTranslateCmd(configFile *string) *cobra.Command {
	var overlayFile string

	cmd := &cobra.Command{
		Use:   "translate FILE",
		Short: "Print the display spec of a pipeline YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if overlayFile == "" {
				cfg, err := config.Load(*configFile)
				if err != nil {
					return err
				}
				overlayFile = cfg.OverlayFile
			}
			overlay, err := pipeline.LoadOverlay(overlayFile)
			if err != nil {
				return err
			}

			doc, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read pipeline: %w", err)
			}
			spec, err := pipeline.Translate(doc, overlay)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(spec)
		},
	}
	cmd.Flags().StringVar(&overlayFile, "overlay", "", "component overlay file (defaults to the configured one)")
	return cmd
}

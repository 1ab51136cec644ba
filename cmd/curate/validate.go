package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/curation/pkg/preprocess"
	"github.com/synaptica-ai/curation/pkg/temporal"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a pipeline definition without reading any data",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := loadSettings()
		def, codes, err := s.load(temporal.NewEngine())
		if err != nil {
			return err
		}
		if _, err := preprocess.ParseSteps(def.Preprocess, codes); err != nil {
			return err
		}

		features := len(def.Features.Windows) + len(def.Features.Flags) + len(def.Features.Extractions)
		fmt.Fprintf(cmd.OutOrStdout(), "pipeline %q is valid: %d assets, %d preprocessing steps, %d feature sets, %d codes\n",
			def.Name, len(def.Assets), len(def.Preprocess), features, codes.Len())
		return nil
	},
}

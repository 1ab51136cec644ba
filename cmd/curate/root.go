package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/synaptica-ai/curation/pkg/codelist"
	"github.com/synaptica-ai/curation/pkg/common/config"
	"github.com/synaptica-ai/curation/pkg/common/logger"
	"github.com/synaptica-ai/curation/pkg/pipeline"
	"github.com/synaptica-ai/curation/pkg/temporal"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "curate",
	Short: "Reconcile multi-source patient data and derive cohort features",
	Long: `curate runs curation pipeline definitions against the ingested source
records: every asset is reconciled across sources, the cohort is built at
its index dates and window features are derived from clinical events.

Settings come from flags, then CURATION_* environment variables, then the
service environment (PIPELINE_CONFIG, CODELIST_PATH, POSTGRES_*, ...).`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "curate %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "pipeline definition file (default: $PIPELINE_CONFIG)")
	rootCmd.PersistentFlags().String("codelist", "", "code list file, .yaml, .csv or .xlsx (default: $CODELIST_PATH)")
	rootCmd.PersistentFlags().Int("workers", 0, "assets and features computed in parallel (default: $ASSET_WORKERS)")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("codelist", rootCmd.PersistentFlags().Lookup("codelist"))
	_ = viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))

	viper.SetEnvPrefix("CURATION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(versionCmd, validateCmd, runCmd, watchCmd)
}

// settings resolves CLI settings over the service configuration.
type settings struct {
	env          *config.Config
	pipelinePath string
	codeListPath string
	workers      int
}

func loadSettings() settings {
	env := config.Load()
	s := settings{
		env:          env,
		pipelinePath: viper.GetString("config"),
		codeListPath: viper.GetString("codelist"),
		workers:      viper.GetInt("workers"),
	}
	if s.pipelinePath == "" {
		s.pipelinePath = env.PipelineConfig
	}
	if s.codeListPath == "" {
		s.codeListPath = env.CodeListPath
	}
	if s.workers <= 0 {
		s.workers = env.AssetWorkers
	}
	return s
}

// load reads the code list and the definition, checking that every
// preprocessing step can be built with that list.
func (s settings) load(engine *temporal.Engine) (pipeline.Definition, *codelist.CodeList, error) {
	if s.pipelinePath == "" {
		return pipeline.Definition{}, nil, fmt.Errorf("no pipeline definition: pass --config or set PIPELINE_CONFIG")
	}
	codes, err := codelist.Load(s.codeListPath)
	if err != nil {
		return pipeline.Definition{}, nil, fmt.Errorf("load code list: %w", err)
	}
	def, err := pipeline.LoadDefinition(s.pipelinePath, engine.Registry())
	if err != nil {
		return pipeline.Definition{}, nil, err
	}
	return def, codes, nil
}

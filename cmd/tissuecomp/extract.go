package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tissuecomp/pkg/config"
	"tissuecomp/pkg/extraction"
	"tissuecomp/pkg/report"
	"tissuecomp/pkg/store"
)

var (
	stack      bool
	noResample bool
	maskDir    string
	components int
	threshold  float64
	workers    int
	outputDir  string
	format     string
	plot       bool
	preview    bool
	saveMasks  bool
	saveMaps   bool
	dbPath     string
)

// extractCmd runs the compartment extraction
var extractCmd = &cobra.Command{
	Use:   "extract [data...]",
	Short: "Extract compartment means and component scores",
	Long: `Summarizes each dataset with the gray matter, white matter and CSF masks.

Every argument is a separate 3-D or 4-D dataset processed in parallel,
unless --stack is given, in which case the arguments are volumes of one
dataset stacked in order. One table is written per dataset.

Example:
  tissuecomp extract --mask-dir /templates/mni --components 5 sub-01_bold.nii.gz`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExtract,
}

func init() {
	f := extractCmd.Flags()
	f.BoolVar(&stack, "stack", false, "Treat the arguments as volumes of a single dataset")
	f.BoolVar(&noResample, "no-resample", false, "Fail instead of resampling masks on a different grid")
	f.StringVar(&maskDir, "mask-dir", "", "Directory holding the tissue masks")
	f.IntVarP(&components, "components", "k", 0, "Principal components per compartment")
	f.Float64Var(&threshold, "threshold", 0, "Mask binarization threshold")
	f.IntVarP(&workers, "workers", "j", 0, "Datasets processed in parallel")
	f.StringVarP(&outputDir, "output", "o", "", "Output directory")
	f.StringVar(&format, "format", "", "Table format: csv or json")
	f.BoolVar(&plot, "plot", false, "Write a PNG plot per compartment")
	f.BoolVar(&preview, "preview", false, "Write JPEG mask overlays")
	f.BoolVar(&saveMasks, "save-masks", false, "Write the binarized masks")
	f.BoolVar(&saveMaps, "save-maps", false, "Write the component loading maps")
	f.StringVar(&dbPath, "db", "", "SQLite database receiving the results")
}

// loadConfig reads the config file and applies the flags the user set
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("mask-dir") {
		cfg.Masks.Dir = maskDir
	}
	if flags.Changed("threshold") {
		cfg.Masks.Threshold = threshold
	}
	if flags.Changed("no-resample") {
		cfg.Masks.Resample = !noResample
	}
	if flags.Changed("components") {
		cfg.Processing.NumComponents = components
	}
	if flags.Changed("workers") {
		cfg.Processing.NumWorkers = workers
	}
	if flags.Changed("output") {
		cfg.Output.Dir = outputDir
	}
	if flags.Changed("format") {
		cfg.Output.Format = format
	}
	if flags.Changed("plot") {
		cfg.Output.Plot = plot
	}
	if flags.Changed("preview") {
		cfg.Output.Preview = preview
	}
	if flags.Changed("save-masks") {
		cfg.Output.SaveMasks = saveMasks
	}
	if flags.Changed("save-maps") {
		cfg.Output.SaveComponentMaps = saveMaps
	}
	if flags.Changed("db") {
		cfg.Output.Database = dbPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Output.Verbose {
		logLevel.SetLevel(zapcore.DebugLevel)
	}
	return cfg, nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	startTime := time.Now()
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tableFormat, err := report.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}

	extractor := extraction.NewExtractor(extraction.ParamsFromConfig(cfg, logger))

	var results []*extraction.Result
	switch {
	case stack:
		res, err := extractor.ExtractFiles(ctx, args)
		if err != nil {
			return err
		}
		results = []*extraction.Result{res}
	case len(args) == 1:
		res, err := extractor.Extract(ctx, args[0])
		if err != nil {
			return err
		}
		results = []*extraction.Result{res}
	default:
		if results, err = extractor.ExtractBatch(ctx, args); err != nil {
			return err
		}
	}

	var db *store.DB
	if cfg.Output.Database != "" {
		if db, err = store.Open(cfg.Output.Database); err != nil {
			return fmt.Errorf("failed to open results database: %w", err)
		}
		defer db.Close()
	}

	out := cmd.OutOrStdout()
	for _, res := range results {
		path, err := report.WriteTable(cfg.Output.Dir, res, tableFormat)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %d observations, %d columns -> %s\n", res.Source, res.Observations, len(res.Columns), path)

		if cfg.Output.Plot {
			paths, err := report.SavePlots(cfg.Output.Dir, res)
			if err != nil {
				return err
			}
			logger.Debug("saved plots", zap.Strings("paths", paths))
		}

		if db != nil {
			if err := db.SaveResult(ctx, res); err != nil {
				return fmt.Errorf("failed to store result: %w", err)
			}
			fmt.Fprintf(out, "  stored as run %s\n", res.RunID)
		}
	}

	fmt.Fprintf(out, "Processing completed in %v\n", time.Since(startTime).Round(time.Millisecond))
	return nil
}

// Command niftitoseg converts the regions of a labeled NIfTI volume into a
// segmentation referenced against a DICOM image series.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/medgift/nifti-to-seg/pkg/config"
	"github.com/medgift/nifti-to-seg/pkg/conversion"
	"github.com/medgift/nifti-to-seg/pkg/labels"
	"github.com/medgift/nifti-to-seg/pkg/nifti"
	"github.com/medgift/nifti-to-seg/pkg/series"
)

// options holds the command line flags
type options struct {
	dicomInput         string
	niftiROI           string
	outputSeg          string
	labelMap           string
	seriesDescription  string
	seriesUID          string
	manifest           bool
	matchOrientation   bool
	matchSize          bool
	skipEmpty          bool
	inplaneCropping    bool
	skipMissingSegment bool
	deriveNames        bool
	emptySegmentPolicy string
	segmentationType   string
	configPath         string
	previewDir         string
	workers            int
	verbose            bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "niftitoseg",
		Short: "Convert NIfTI ROIs to the DICOM SEG format",
		Long: `Converts every region of a labeled NIfTI volume into one segment of a
segmentation referenced against the original DICOM series.

Each non-zero label becomes a segment. Names come from a CSV label map
(<label_id>,<label_name>[,<color>]) or are asked for on the terminal.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	f := root.Flags()
	f.StringVarP(&opts.dicomInput, "dicom_input", "i", "", "The path of the folder with the original DICOM images")
	f.StringVarP(&opts.niftiROI, "nifti_roi", "n", "", "The path of the NIfTI file containing the ROI(s) to convert to DICOM SEG")
	f.StringVarP(&opts.outputSeg, "output_seg", "o", "", "The path where the created segmentation should be saved")
	f.StringVarP(&opts.labelMap, "label_map", "l", "", "The path to a CSV file containing pairs of <label_id>,<label_name> entries")
	f.StringVar(&opts.seriesDescription, "series_description", "", "The description of the generated segmentation series")
	f.StringVar(&opts.seriesUID, "series_uid", "", "SeriesInstanceUID to use when the DICOM folder holds several series")
	f.BoolVar(&opts.manifest, "manifest", false, "Read the reference series from a YAML manifest instead of a DICOM folder")
	f.BoolVarP(&opts.matchOrientation, "match_orientation", "d", false, "Match orientation of segmentation image to the dicom series")
	f.BoolVarP(&opts.matchSize, "match_size", "s", false, "Match size of segmentation image to the dicom series (nearest-neighbor resampling)")
	f.BoolVarP(&opts.skipEmpty, "skip_empty", "e", false, "Skip empty slices to reduce file size")
	f.BoolVarP(&opts.inplaneCropping, "inplane_cropping", "c", false, "Crop image slices to the minimum bounding box on x and y axes")
	f.BoolVarP(&opts.skipMissingSegment, "skip_missing_segment", "m", false, "Skip labels missing from the label map instead of failing")
	f.BoolVar(&opts.deriveNames, "derive_names", false, "Name unmapped regions \"Segment <id>\" instead of asking")
	f.StringVar(&opts.emptySegmentPolicy, "empty_segment_policy", "", "What to do with a segment left without voxels: retain, drop or fail")
	f.StringVar(&opts.segmentationType, "segmentation_type", "", "BINARY or FRACTIONAL")
	f.StringVar(&opts.configPath, "config", "niftitoseg.yaml", "Configuration file (defaults are used when absent)")
	f.StringVar(&opts.previewDir, "preview_dir", "", "Directory receiving PNG overlays of every segmented slice")
	f.IntVar(&opts.workers, "workers", 0, "Number of segments built concurrently, 0 for all CPUs")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	_ = root.MarkFlagRequired("dicom_input")
	_ = root.MarkFlagRequired("nifti_roi")
	_ = root.MarkFlagRequired("output_seg")

	root.AddCommand(newInitConfigCmd())
	return root
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "niftitoseg.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
			return nil
		},
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// applyFlags overrides configuration values with explicitly set flags
func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("match_orientation") {
		cfg.Conversion.MatchOrientation = opts.matchOrientation
	}
	if f.Changed("match_size") {
		cfg.Conversion.MatchSize = opts.matchSize
	}
	if f.Changed("skip_empty") {
		cfg.Conversion.SkipEmpty = opts.skipEmpty
	}
	if f.Changed("inplane_cropping") {
		cfg.Conversion.InplaneCropping = opts.inplaneCropping
	}
	if f.Changed("skip_missing_segment") {
		cfg.Conversion.SkipMissingSegment = opts.skipMissingSegment
	}
	if f.Changed("empty_segment_policy") {
		cfg.Conversion.EmptySegmentPolicy = opts.emptySegmentPolicy
	}
	if f.Changed("segmentation_type") {
		cfg.Conversion.SegmentationType = opts.segmentationType
	}
	if f.Changed("series_description") {
		cfg.Metadata.SeriesDescription = opts.seriesDescription
	}
	if f.Changed("preview_dir") {
		cfg.Output.PreviewDir = opts.previewDir
	}
	if f.Changed("workers") {
		cfg.Processing.NumWorkers = opts.workers
		if opts.workers == 0 {
			cfg.Processing.NumWorkers = runtime.NumCPU()
		}
	}
	if f.Changed("verbose") {
		cfg.Output.Verbose = opts.verbose
	}
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, opts, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Output.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	deps := conversion.Deps{
		Volume: &nifti.FileSource{Path: opts.niftiROI, Logger: logger},
		Logger: logger,
	}
	if opts.manifest {
		deps.Series = &series.ManifestSource{Path: opts.dicomInput, Logger: logger}
	} else {
		deps.Series = &series.DirectorySource{Dir: opts.dicomInput, SeriesInstanceUID: opts.seriesUID, Logger: logger}
	}
	switch {
	case opts.labelMap != "":
		m, err := labels.ReadLabelMapCSV(opts.labelMap)
		if err != nil {
			return err
		}
		deps.LabelMap = m
	case opts.deriveNames:
		deps.Namer = labels.DerivedNamer{}
	default:
		deps.Namer = &labels.ConsoleNamer{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
	}

	params := conversion.ParamsFromConfig(cfg, opts.outputSeg)
	converter := conversion.NewConverter(params, deps)

	start := time.Now()
	if err := converter.Process(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Successfully wrote output to %s in %.2f seconds\n",
		opts.outputSeg, time.Since(start).Seconds())
	return nil
}

package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"dwifit/internal/logging"
	"dwifit/pkg/config"
	"dwifit/pkg/nodes"
)

func main() {
	// Parse command line arguments
	model := flag.String("model", "dti", "Model to fit: dti, dki or mode")
	inFile := flag.String("in", "", "4D diffusion-weighted image (.nii/.nii.gz) or DICOM series directory")
	bvalFile := flag.String("bval", "", "b-values file (FSL layout)")
	bvecFile := flag.String("bvec", "", "b-vectors file (FSL layout)")
	maskFile := flag.String("mask", "", "Optional mask volume restricting the fit")
	outDir := flag.String("out", "", "Output directory (default: next to the input)")
	outPrefix := flag.String("prefix", "", "Override the generated output base name")
	configPath := flag.String("config", "dwifit.yaml", "Configuration file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	// Validate inputs
	if *inFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Output.Verbose = true
	}
	log := logging.NewConsole(cfg.Output.Verbose)

	inputs := nodes.InputSpec{
		InFile:    *inFile,
		BValFile:  *bvalFile,
		BVecFile:  *bvecFile,
		MaskFile:  *maskFile,
		OutDir:    *outDir,
		OutPrefix: *outPrefix,
	}

	type runner interface {
		Run() error
		Outputs() map[string]string
	}
	var node runner
	switch *model {
	case "dti":
		node = nodes.NewDTI(inputs, cfg, log)
	case "dki":
		node = nodes.NewDKI(inputs, cfg, log)
	case "mode":
		node = nodes.NewTensorMode(inputs, cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "Unknown model %q (want dti, dki or mode)\n", *model)
		os.Exit(1)
	}

	log.Info().Str("model", *model).Str("in", *inFile).Msg("starting fit")
	startTime := time.Now()
	if err := node.Run(); err != nil {
		log.Error().Err(err).Msg("fit failed")
		os.Exit(1)
	}

	fmt.Printf("Fit completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Println("Generated outputs:")
	outputs := node.Outputs()
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-8s %s\n", name, outputs[name])
	}
}

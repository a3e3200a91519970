package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/menta2k/cellcrop"
	"github.com/menta2k/cellcrop/internal/config"
)

func main() {
	var in, outDir, tails, cfgPath, format string
	var edge, workers int
	var background, anonymize, plot, strict, manifest, debug bool

	flag.StringVar(&in, "indir", "", "input directory with .QCONF files and image stacks")
	flag.StringVar(&in, "i", "", "shorthand for -indir")
	flag.StringVar(&outDir, "outdir", "./out", "output directory")
	flag.StringVar(&outDir, "o", "./out", "shorthand for -outdir")
	flag.IntVar(&edge, "edge", 0, "output edge in pixels, 0 picks it from the batch statistics")
	flag.IntVar(&edge, "e", 0, "shorthand for -edge")
	flag.StringVar(&tails, "tails", "", "comma separated channel tails, e.g. _CH_1,_CH_2,_CH_1_snakemask")
	flag.StringVar(&tails, "t", "", "shorthand for -tails")
	flag.BoolVar(&background, "background", false, "cut an edge sized window centred on each object and pad with border pixels")
	flag.BoolVar(&background, "b", false, "shorthand for -background")
	flag.BoolVar(&anonymize, "anonymize", false, "name crops <record>_<channel>")
	flag.BoolVar(&anonymize, "a", false, "shorthand for -anonymize")
	flag.BoolVar(&plot, "plot", false, "print size statistics, save a box plot and exit")
	flag.BoolVar(&plot, "p", false, "shorthand for -plot")

	flag.StringVar(&cfgPath, "config", "", "JSON or YAML configuration file")
	flag.StringVar(&format, "format", "png", "output format: png|tif|jpg|webp")
	flag.IntVar(&workers, "workers", 1, "number of image stacks processed concurrently")
	flag.BoolVar(&strict, "strict", false, "reject QCONF files whose snake counts do not match the frame count")
	flag.BoolVar(&manifest, "manifest", false, "write manifest.yaml next to the crops")
	flag.BoolVar(&debug, "debug", false, "create debug overlay images")

	flag.Parse()

	cfg, used, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if used != "" {
		log.Printf("[*] using config %s", used)
	}

	// only flags given on the command line override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "i", "indir":
			cfg.Input.Dir = in
		case "o", "outdir":
			cfg.Output.Dir = outDir
		case "e", "edge":
			cfg.Crop.Edge = edge
		case "t", "tails":
			cfg.Input.Tails = splitTails(tails)
		case "b", "background":
			cfg.Crop.TrueBackground = background
		case "a", "anonymize":
			cfg.Output.Anonymize = anonymize
		case "p", "plot":
			cfg.Output.ShowStats = plot
		case "format":
			cfg.Output.Format = format
		case "workers":
			cfg.Workers = workers
		case "strict":
			cfg.Input.StrictFrames = strict
		case "manifest":
			cfg.Output.Manifest = manifest
		case "debug":
			cfg.Output.Debug = debug
		}
	})

	if cfg.Input.Dir == "" {
		log.Fatalf("usage: %s -i indir [-o outdir] [-e edge] [-t _CH_1,_CH_2] [-b] [-a] [-p] [-config file]", filepath.Base(os.Args[0]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := cellcrop.NewWithConfig(cfg).Run(ctx)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("run %s: %d of %d objects cropped at %dpx into %s",
		report.RunID, report.Processed, report.Records, report.Edge, cfg.Output.Dir)
}

func splitTails(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

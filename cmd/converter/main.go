// Command converter converts annotation export archives from the command line.
//
//	converter convert [flags] <archive_path> <output_dir>
//	converter import-coco [flags] <coco_json_or_zip> <output_dir>
//	converter formats
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/annotation-converter/internal/config"
	"github.com/adverant/nexus/annotation-converter/internal/converter"
	"github.com/adverant/nexus/annotation-converter/internal/errors"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/storage"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// response is what convert prints on stdout.
type response struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Report  *converter.Report `json:"report,omitempty"`
}

func main() {
	_ = godotenv.Load(".env.nexus")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	switch args[0] {
	case "convert":
		return runConvert(ctx, args[1:], "", stdout, stderr)
	case "import-coco":
		return runConvert(ctx, args[1:], config.FormatFromCOCO, stdout, stderr)
	case "formats":
		for _, f := range config.Formats {
			fmt.Fprintf(stdout, "%-10s %s\n", f, config.FormatDescriptions[f])
		}
		return exitOK
	case "-h", "-help", "--help", "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  converter convert [flags] <archive_path> <output_dir>")
	fmt.Fprintln(w, "  converter import-coco [flags] <coco_json_or_zip> <output_dir>")
	fmt.Fprintln(w, "  converter formats")
}

func runConvert(ctx context.Context, args []string, fixedFormat string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "", "Target format: coco, coco-flat, json, from-coco, voc, labelme (default coco or the options file's format)")
	optionsPath := fs.String("options", "", "YAML options file")
	history := fs.String("history", "", "SQLite database recording the run")
	ontology := fs.String("ontology", "", "JSON file listing the dataset's class names")
	dropEmpty := fs.Bool("drop-empty", false, "Leave data units without annotations out of the document")
	quiet := fs.Bool("quiet", false, "Only log errors")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "convert needs <archive_path> and <output_dir>")
		fs.Usage()
		return exitUsage
	}
	archivePath, outputDir := fs.Arg(0), fs.Arg(1)

	if fixedFormat != "" {
		if *format != "" && *format != fixedFormat {
			fmt.Fprintf(stderr, "import-coco always produces %s\n", fixedFormat)
			return exitUsage
		}
		*format = fixedFormat
	}
	if *format != "" && !config.IsSupportedFormat(*format) {
		return respond(stdout, errors.NewUnsupportedFormatError(*format), nil, exitUsage)
	}

	level := logging.ParseLevel(os.Getenv("LOG_LEVEL"))
	if *quiet {
		level = logging.LevelError
	}
	logger := logging.NewLoggerWithWriter("converter", stderr, level)

	opts, err := config.LoadOptions(*optionsPath, *format)
	if err != nil {
		return respond(stdout, err, nil, exitUsage)
	}
	if *dropEmpty {
		opts.DropEmpty = true
	}

	cfg := converter.Config{Options: opts, Logger: logger}
	if *ontology != "" {
		names, err := readOntology(*ontology)
		if err != nil {
			return respond(stdout, err, nil, exitUsage)
		}
		cfg.Catalog = converter.NewCatalog(names)
	}

	var sm *storage.StorageManager
	if *history != "" {
		store, err := storage.OpenSQLite(*history, logger)
		if err != nil {
			return respond(stdout, err, nil, exitFailure)
		}
		sm = storage.NewStorageManagerWith(store, nil, logger)
		defer sm.Close()
	}

	conv, err := converter.New(cfg)
	if err != nil {
		return respond(stdout, err, nil, exitUsage)
	}

	report, convErr := conv.Convert(ctx, archivePath, outputDir)
	if report != nil && sm != nil {
		if _, err := sm.PersistRun(ctx, report, "", nil); err != nil {
			logger.Warn("Failed to record run", "run", report.RunID, "error", err)
		}
	}
	if convErr != nil {
		return respond(stdout, convErr, report, exitFailure)
	}
	if !*quiet {
		fmt.Fprintln(stderr, report.Summary())
	}
	return respond(stdout, nil, report, exitOK)
}

// respond prints the JSON response and returns code.
func respond(w io.Writer, err error, report *converter.Report, code int) int {
	res := response{Code: "OK", Message: "success", Report: report}
	if err != nil {
		res.Code = string(errors.CodeOf(err))
		if res.Code == "" {
			res.Code = "ERROR"
		}
		res.Message = err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		return exitFailure
	}
	return code
}

// readOntology reads class names from a JSON array of names or of
// {"name": ...} objects, or a paged class listing {"list": [...]}.
func readOntology(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ontology: %w", err)
	}

	var names []string
	if json.Unmarshal(raw, &names) == nil {
		return names, nil
	}
	names = nil

	var classes []struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &classes) != nil {
		var page struct {
			List []struct {
				Name string `json:"name"`
			} `json:"list"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("failed to parse ontology %s: %w", path, err)
		}
		classes = page.List
	}
	for _, c := range classes {
		if c.Name != "" {
			names = append(names, c.Name)
		}
	}
	return names, nil
}

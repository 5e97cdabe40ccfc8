/**
 * Conversion Driver
 *
 * Runs one conversion end to end:
 * - Extracting: archive (or COCO document) into the output directory's source/
 * - Normalizing: shape normalization, category resolution, id allocation
 * - Emitting: atomic write of the target documents
 *
 * Per-record failures are recorded in the report and never abort the run.
 * Archive and emission failures are fatal and leave the output directory
 * as empty as it was found.
 */

package converter

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
	"github.com/adverant/nexus/annotation-converter/internal/archive"
	"github.com/adverant/nexus/annotation-converter/internal/category"
	"github.com/adverant/nexus/annotation-converter/internal/config"
	cerrors "github.com/adverant/nexus/annotation-converter/internal/errors"
	"github.com/adverant/nexus/annotation-converter/internal/geometry"
	"github.com/adverant/nexus/annotation-converter/internal/ids"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/schema"
)

const (
	// SourceDir receives the extracted input below the output directory.
	SourceDir = "source"
	// MediaDir receives media copied by COCO imports.
	MediaDir = "image"
	// cocoSourceName marks standard json results produced from COCO input.
	cocoSourceName = "coco"
)

// Catalog is the authoritative set of class names of a dataset.
type Catalog interface {
	Contains(className string) bool
}

// StaticCatalog is a Catalog backed by a fixed list of names.
type StaticCatalog map[string]bool

// NewCatalog builds a catalog from class names.
func NewCatalog(names []string) StaticCatalog {
	c := make(StaticCatalog, len(names))
	for _, n := range names {
		c[n] = true
	}
	return c
}

func (c StaticCatalog) Contains(className string) bool {
	return c[className]
}

// ProgressFunc is called after every data unit.
type ProgressFunc func(done, total int)

// Config holds converter settings
type Config struct {
	Options      *config.Options
	Catalog      Catalog // nil disables class validation
	Progress     ProgressFunc
	Logger       *logging.Logger
	MaxEntrySize int64
}

// Converter runs conversions with fixed options. A Converter holds no
// per-run state and may be shared by concurrent runs.
type Converter struct {
	opts         *config.Options
	catalog      Catalog
	progress     ProgressFunc
	logger       *logging.Logger
	maxEntrySize int64
}

// New creates a converter
func New(cfg Config) (*Converter, error) {
	opts := cfg.Options
	if opts == nil {
		opts = config.DefaultOptions(config.FormatCOCO)
	}
	if !config.IsSupportedFormat(opts.Format) {
		return nil, cerrors.NewUnsupportedFormatError(opts.Format)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("converter")
	}
	progress := cfg.Progress
	if progress == nil {
		progress = func(int, int) {}
	}

	return &Converter{
		opts:         opts,
		catalog:      cfg.Catalog,
		progress:     progress,
		logger:       logger,
		maxEntrySize: cfg.MaxEntrySize,
	}, nil
}

// Options returns the options the converter was built with.
func (c *Converter) Options() *config.Options {
	return c.opts
}

// WithCatalog returns a copy of the converter validating against catalog.
func (c *Converter) WithCatalog(catalog Catalog) *Converter {
	cp := *c
	cp.catalog = catalog
	return &cp
}

// Convert converts the archive at archivePath into outputDir, which must be
// empty or absent. A non-empty destination fails before any report exists.
// Any other failure returns the report in the Failed state with the error.
func (c *Converter) Convert(ctx context.Context, archivePath, outputDir string) (*Report, error) {
	if err := archive.EnsureEmpty(outputDir); err != nil {
		return nil, err
	}

	report := newReport(uuid.New().String(), c.opts.Format)
	c.logf(report, "Starting conversion of %s into %s", archivePath, outputDir)

	report.transition(StateExtracting)
	c.logf(report, "Step 1: Extracting %s", filepath.Base(archivePath))
	ds, err := c.load(ctx, archivePath, filepath.Join(outputDir, SourceDir))
	if err != nil {
		return c.abort(report, outputDir, 0, 0, err)
	}

	return c.run(ctx, ds, outputDir, report)
}

// ConvertDataset converts an already materialised dataset, such as one
// fetched from the platform, into outputDir.
func (c *Converter) ConvertDataset(ctx context.Context, ds *annotation.Dataset, outputDir string) (*Report, error) {
	if err := archive.EnsureEmpty(outputDir); err != nil {
		return nil, err
	}

	report := newReport(uuid.New().String(), c.opts.Format)
	c.logf(report, "Starting conversion of dataset %s into %s", ds.Name, outputDir)
	if c.opts.ExportTime != nil {
		ds.ExportTime = c.opts.ExportTime.UTC()
	}
	return c.run(ctx, ds, outputDir, report)
}

func (c *Converter) load(ctx context.Context, archivePath, sourceDir string) (*annotation.Dataset, error) {
	var (
		ds  *annotation.Dataset
		err error
	)
	if c.opts.Format == config.FormatFromCOCO {
		ds, err = c.loadCOCO(ctx, archivePath, sourceDir)
	} else {
		reader := archive.NewReader(archive.ReaderConfig{
			DropEmpty:    c.opts.DropEmpty,
			MaxEntrySize: c.maxEntrySize,
			Logger:       c.logger,
		})
		ds, err = reader.Read(ctx, archivePath, sourceDir)
	}
	if err != nil {
		return nil, err
	}
	if c.opts.ExportTime != nil {
		ds.ExportTime = c.opts.ExportTime.UTC()
	}
	return ds, nil
}

// loadCOCO reads a COCO document given directly or inside a zip archive.
func (c *Converter) loadCOCO(ctx context.Context, inputPath, sourceDir string) (*annotation.Dataset, error) {
	if strings.EqualFold(filepath.Ext(inputPath), ".json") {
		doc, err := schema.ReadCOCO(inputPath)
		if err != nil {
			return nil, err
		}
		stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
		return schema.FromCOCO(doc, strings.TrimSuffix(stem, "_coco"))
	}

	reader := archive.NewReader(archive.ReaderConfig{MaxEntrySize: c.maxEntrySize, Logger: c.logger})
	if err := archive.EnsureEmpty(sourceDir); err != nil {
		return nil, err
	}
	ext, err := reader.Extract(ctx, inputPath, sourceDir)
	if err != nil {
		return nil, err
	}
	docs, err := archive.FindFiles(sourceDir, ".json")
	if err != nil {
		return nil, cerrors.NewArchiveCorruptError(filepath.Base(inputPath), err)
	}
	if len(docs) == 0 {
		return nil, cerrors.NewArchiveCorruptError(filepath.Base(inputPath), fmt.Errorf("no COCO json document in archive"))
	}
	doc, err := schema.ReadCOCO(docs[0])
	if err != nil {
		return nil, err
	}
	ds, err := schema.FromCOCO(doc, archive.DatasetName(inputPath))
	if err != nil {
		return nil, err
	}
	if len(doc.Info.DateCreated) == 0 {
		ds.ExportTime = ext.LatestMod
	}

	for _, entry := range ext.Entries {
		if strings.EqualFold(path.Ext(entry), ".json") {
			continue
		}
		ds.MediaPaths = append(ds.MediaPaths, entry)
	}
	return ds, nil
}

func (c *Converter) run(ctx context.Context, ds *annotation.Dataset, outputDir string, report *Report) (*Report, error) {
	report.Dataset = ds.Name
	report.transition(StateNormalizing)

	total := len(ds.Items)
	c.logf(report, "Step 2: Normalizing %d data units (%d records)", total, ds.RecordCount())

	if c.emitsStandard() {
		report.TracksFilled = annotation.FillTracks(ds)
	}

	normalizer := geometry.NewNormalizer(c.geometryConfig())
	resolver := category.NewResolver(c.policy(), c.opts.CategoryBase)
	alloc := ids.NewAllocator(c.opts.ImageIDStart, c.opts.AnnotationIDStart)
	emitter := c.newEmitter(ds)

	for i, item := range ds.Items {
		if err := ctx.Err(); err != nil {
			return c.abort(report, outputDir, i, total, err)
		}
		report.DataUnits++

		if !item.HasResult {
			report.UnitsWithoutResult++
			c.progress(i+1, total)
			continue
		}

		imageID := alloc.NextImageID()
		emitter.AddImage(item.Unit, imageID)
		report.Images++

		for _, rec := range item.Records {
			shape, err := normalizer.Normalize(item.Unit, rec)
			if err != nil {
				report.Skipped = append(report.Skipped, issueFor(rec, err))
				c.logger.Warn("Skipping record", "run", report.RunID, "record", rec.Ref(), "error", err)
				continue
			}
			if c.catalog != nil && !c.catalog.Contains(rec.ClassName) {
				warn := cerrors.NewUnknownClassError(rec.Ref(), rec.ClassName)
				report.Warnings = append(report.Warnings, issueFor(rec, warn))
			}

			categoryID := resolver.Resolve(rec.ClassName, rec.Attributes)
			annotationID := alloc.NextAnnotationID()
			emitter.AddAnnotation(rec, shape, imageID, annotationID, categoryID)
			report.Annotations++
			if shape.Degenerate {
				report.Degenerate++
				report.DegenerateRefs = append(report.DegenerateRefs, rec.Ref())
			}
		}
		c.progress(i+1, total)
	}
	if err := ctx.Err(); err != nil {
		return c.abort(report, outputDir, total, total, err)
	}
	report.Categories = resolver.Len()

	report.transition(StateEmitting)
	c.logf(report, "Step 3: Emitting %d images, %d annotations, %d categories", report.Images, report.Annotations, report.Categories)
	paths, err := emitter.Emit(outputDir, resolver.Categories())
	if err != nil {
		return c.abort(report, outputDir, total, total, err)
	}
	report.OutputPaths = append(report.OutputPaths, paths...)

	if c.opts.Format == config.FormatFromCOCO && len(ds.MediaPaths) > 0 {
		c.logf(report, "Step 4: Copying %d media files", len(ds.MediaPaths))
		mediaDir := filepath.Join(outputDir, MediaDir)
		if err := copyMedia(filepath.Join(outputDir, SourceDir), mediaDir, ds.MediaPaths); err != nil {
			return c.abort(report, outputDir, total, total, err)
		}
		report.OutputPaths = append(report.OutputPaths, mediaDir)
	}

	report.transition(StateDone)
	report.Duration = time.Since(report.StartedAt)
	c.logf(report, "Conversion completed in %v (%d skipped, %d warnings)", report.Duration, len(report.Skipped), len(report.Warnings))
	return report, nil
}

// abort moves the run to Failed and removes everything the run wrote.
func (c *Converter) abort(report *Report, outputDir string, completed, total int, err error) (*Report, error) {
	if cerrors.CodeOf(err) == "" && (stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)) {
		err = cerrors.NewRunCancelledError(report.RunID, completed, total, err)
	}
	var ce *cerrors.ConversionError
	if stderrors.As(err, &ce) && ce.RunID == "" {
		ce.RunID = report.RunID
	}

	if cleanErr := archive.ClearDir(outputDir); cleanErr != nil {
		c.logger.Error("Failed to remove partial output", "run", report.RunID, "dir", outputDir, "error", cleanErr)
	}
	report.OutputPaths = []string{}
	report.fail(err)
	report.Duration = time.Since(report.StartedAt)
	c.logger.Error("Conversion failed", "run", report.RunID, "state", report.History[len(report.History)-1].From, "error", err)
	return report, err
}

func (c *Converter) logf(report *Report, format string, args ...interface{}) {
	c.logger.Info(fmt.Sprintf("[Run %s] ", report.RunID) + fmt.Sprintf(format, args...))
}

func (c *Converter) emitsStandard() bool {
	return c.opts.Format == config.FormatJSON || c.opts.Format == config.FormatFromCOCO
}

func (c *Converter) newEmitter(ds *annotation.Dataset) schema.Emitter {
	switch c.opts.Format {
	case config.FormatJSON:
		return schema.NewStandardEmitter("")
	case config.FormatFromCOCO:
		return schema.NewStandardEmitter(cocoSourceName)
	case config.FormatVOC:
		return schema.NewVOCEmitter()
	case config.FormatLabelMe:
		return schema.NewLabelMeEmitter()
	default:
		return schema.NewCOCOEmitter(ds.Name, ds.ExportTime, c.opts.CategoryPolicy == config.PolicyName)
	}
}

func (c *Converter) policy() category.Policy {
	if c.opts.CategoryPolicy == config.PolicyNameAndAttributes {
		return category.PolicyNameAndAttributes
	}
	return category.PolicyName
}

func (c *Converter) geometryConfig() geometry.Config {
	cfg := geometry.Config{
		RoundCoordinates:   c.opts.RoundCoordinates,
		AreaMode:           geometry.AreaShoelace,
		SegmentationFormat: geometry.SegmentationPolygon,
	}
	if c.opts.AreaMode == config.AreaMask {
		cfg.AreaMode = geometry.AreaMask
	}
	if c.opts.SegmentationFormat == config.SegmentationRLE {
		cfg.SegmentationFormat = geometry.SegmentationRLE
	}
	if cam := c.opts.Camera; cam != nil {
		cfg.Projector = geometry.NewPinholeProjector(cam.FX, cam.FY, cam.CX, cam.CY, cam.Rotation, cam.Translation)
	}
	return cfg
}

func issueFor(rec annotation.Record, err error) Issue {
	issue := Issue{
		Code:    cerrors.CodeOf(err),
		DataID:  rec.DataID,
		Index:   rec.Index,
		Class:   rec.ClassName,
		Message: err.Error(),
	}
	var ce *cerrors.ConversionError
	if stderrors.As(err, &ce) {
		issue.Message = ce.Message
	}
	return issue
}


// copyMedia copies media files into dest by base name, staging them so
// dest appears complete or not at all. Clashing base names keep their
// relative path flattened with underscores.
func copyMedia(root, dest string, rels []string) error {
	staging, err := os.MkdirTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return cerrors.NewSerializationError(dest, err)
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		os.RemoveAll(staging)
		return cerrors.NewSerializationError(dest, err)
	}

	used := make(map[string]bool, len(rels))
	for _, rel := range rels {
		name := path.Base(rel)
		if used[name] {
			name = strings.ReplaceAll(rel, "/", "_")
		}
		used[name] = true
		if err := copyFile(filepath.Join(root, filepath.FromSlash(rel)), filepath.Join(staging, name)); err != nil {
			os.RemoveAll(staging)
			return cerrors.NewSerializationError(filepath.Join(dest, name), err)
		}
	}

	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return cerrors.NewSerializationError(dest, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

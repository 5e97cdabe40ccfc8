package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Output formats understood by the converter.
const (
	FormatCOCO     = "coco"      // COCO with per-annotation attributes
	FormatCOCOFlat = "coco-flat" // COCO with attributes folded into categories
	FormatJSON     = "json"      // platform standard json, one file per data unit
	FormatFromCOCO = "from-coco" // COCO document in, standard json out
	FormatVOC      = "voc"       // Pascal VOC xml, one file per data unit
	FormatLabelMe  = "labelme"   // LabelMe json, one file per data unit
)

// Category policies.
const (
	PolicyName              = "name"
	PolicyNameAndAttributes = "name_and_attributes"
)

// Area and segmentation modes for polygons.
const (
	AreaShoelace = "shoelace"
	AreaMask     = "mask"

	SegmentationPolygon = "polygon"
	SegmentationRLE     = "rle"
)

// Formats lists every supported format in display order.
var Formats = []string{FormatCOCO, FormatCOCOFlat, FormatJSON, FormatFromCOCO, FormatVOC, FormatLabelMe}

// FormatDescriptions holds the one-line description of every format.
var FormatDescriptions = map[string]string{
	FormatCOCO:     "COCO instances document; attributes stay on each annotation",
	FormatCOCOFlat: "COCO instances document; each class/attribute combination is its own category",
	FormatJSON:     "Platform standard json, one result file per data unit",
	FormatFromCOCO: "Import a COCO document (json or zip) into platform standard json",
	FormatVOC:      "Pascal VOC xml, one file per data unit with integer bounding boxes",
	FormatLabelMe:  "LabelMe json, one file per data unit",
}

// Options controls a single conversion run. Zero values are filled from
// DefaultOptions for the selected format.
type Options struct {
	Format             string         `yaml:"format"`
	CategoryPolicy     string         `yaml:"category_policy"`
	CategoryBase       int            `yaml:"category_base"`
	ImageIDStart       int            `yaml:"image_id_start"`
	AnnotationIDStart  int            `yaml:"annotation_id_start"`
	RoundCoordinates   bool           `yaml:"round_coordinates"`
	AreaMode           string         `yaml:"area_mode"`
	SegmentationFormat string         `yaml:"segmentation_format"`
	DropEmpty          bool           `yaml:"drop_empty"`
	ExportTime         *time.Time     `yaml:"export_time"`
	Ontology           []string       `yaml:"ontology"`
	Camera             *CameraOptions `yaml:"camera"`
}

// CameraOptions describes a pinhole camera used to project cuboids onto the image.
// Rotation is XYZ Euler angles in radians; translation is in world units.
type CameraOptions struct {
	FX          float64    `yaml:"fx"`
	FY          float64    `yaml:"fy"`
	CX          float64    `yaml:"cx"`
	CY          float64    `yaml:"cy"`
	Rotation    [3]float64 `yaml:"rotation"`
	Translation [3]float64 `yaml:"translation"`
}

// DefaultOptions returns the per-format defaults.
func DefaultOptions(format string) *Options {
	opts := &Options{
		Format:             format,
		CategoryPolicy:     PolicyName,
		CategoryBase:       1,
		AreaMode:           AreaShoelace,
		SegmentationFormat: SegmentationPolygon,
	}
	switch format {
	case FormatCOCO:
		opts.RoundCoordinates = true
	case FormatCOCOFlat:
		opts.RoundCoordinates = true
		opts.CategoryPolicy = PolicyNameAndAttributes
	case FormatVOC:
		opts.RoundCoordinates = true
	case FormatJSON, FormatFromCOCO:
		opts.ImageIDStart = 1
		opts.AnnotationIDStart = 1
	}
	return opts
}

// LoadOptions reads a YAML options file over the defaults of the format.
// A non-empty format argument wins over the file's format key.
func LoadOptions(path string, format string) (*Options, error) {
	if path == "" {
		opts := DefaultOptions(format)
		return opts, opts.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read options file: %w", err)
	}

	if format == "" {
		var peek struct {
			Format string `yaml:"format"`
		}
		if err := yaml.Unmarshal(data, &peek); err != nil {
			return nil, fmt.Errorf("failed to parse options file %s: %w", path, err)
		}
		format = peek.Format
	}
	if format == "" {
		format = FormatCOCO
	}

	opts := DefaultOptions(format)
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse options file %s: %w", path, err)
	}
	opts.Format = format

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options file %s: %w", path, err)
	}
	return opts, nil
}

// Validate checks the option values.
func (o *Options) Validate() error {
	if !IsSupportedFormat(o.Format) {
		return fmt.Errorf("unsupported format %q", o.Format)
	}
	if o.CategoryPolicy != PolicyName && o.CategoryPolicy != PolicyNameAndAttributes {
		return fmt.Errorf("category_policy must be %s or %s, got %q", PolicyName, PolicyNameAndAttributes, o.CategoryPolicy)
	}
	if o.CategoryBase < 0 || o.ImageIDStart < 0 || o.AnnotationIDStart < 0 {
		return fmt.Errorf("id starts must not be negative")
	}
	if o.AreaMode != AreaShoelace && o.AreaMode != AreaMask {
		return fmt.Errorf("area_mode must be %s or %s, got %q", AreaShoelace, AreaMask, o.AreaMode)
	}
	if o.SegmentationFormat != SegmentationPolygon && o.SegmentationFormat != SegmentationRLE {
		return fmt.Errorf("segmentation_format must be %s or %s, got %q", SegmentationPolygon, SegmentationRLE, o.SegmentationFormat)
	}
	if o.Camera != nil && (o.Camera.FX <= 0 || o.Camera.FY <= 0) {
		return fmt.Errorf("camera focal lengths must be positive")
	}
	return nil
}

// IsSupportedFormat reports whether format is one of Formats.
func IsSupportedFormat(format string) bool {
	for _, f := range Formats {
		if f == format {
			return true
		}
	}
	return false
}

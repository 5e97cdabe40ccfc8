/**
 * COCO document model and builder
 *
 * Documents are assembled in memory, validated for referential completeness
 * and id uniqueness, then written in one atomic step.
 */

package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
	"github.com/adverant/nexus/annotation-converter/internal/category"
	"github.com/adverant/nexus/annotation-converter/internal/geometry"
)

const (
	projectURL = "https://github.com/basicai/xtreme1"
	// Version is stamped into emitted documents.
	Version = "1.0.0"
)

// COCODocument is a complete COCO annotation file.
type COCODocument struct {
	Info        Info         `json:"info"`
	Licenses    []License    `json:"licenses"`
	Images      []Image      `json:"images"`
	Annotations []Annotation `json:"annotations"`
	Categories  []Category   `json:"categories"`
}

// Info is the COCO info block.
type Info struct {
	Contributor string `json:"contributor"`
	DateCreated string `json:"date_created"`
	Description string `json:"description"`
	URL         string `json:"url"`

	// Third-party COCO files store year and version as numbers.
	Year    annotation.FlexID `json:"year"`
	Version annotation.FlexID `json:"version"`
}

// License is a COCO license entry.
type License struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Image is a COCO image entry.
type Image struct {
	ID           int     `json:"id"`
	License      int     `json:"license"`
	FileName     string  `json:"file_name"`
	Xtreme1URL   string  `json:"xtreme1_url,omitempty"`
	CocoURL      string  `json:"coco_url,omitempty"`
	FlickrURL    string  `json:"flickr_url,omitempty"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	DateCaptured *string `json:"date_captured"`
}

// Annotation is a COCO annotation entry with the platform's extension fields.
type Annotation struct {
	ID           int                    `json:"id"`
	ImageID      int                    `json:"image_id"`
	CategoryID   int                    `json:"category_id"`
	Segmentation Segmentation           `json:"segmentation"`
	Area         float64                `json:"area"`
	BBox         []float64              `json:"bbox"`
	IsCrowd      int                    `json:"iscrowd"`
	Keypoints    []float64              `json:"keypoints,omitempty"`
	NumKeypoints *int                   `json:"num_keypoints,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
	Score        *float64               `json:"score,omitempty"`
	Cuboid3D     *annotation.Cuboid     `json:"cuboid_3d,omitempty"`
	Degenerate   bool                   `json:"degenerate,omitempty"`
}

// Category is a COCO category entry.
type Category struct {
	ID            int                    `json:"id"`
	Name          string                 `json:"name"`
	Supercategory string                 `json:"supercategory"`
	Attributes    map[string]interface{} `json:"attributes"`
}

// Segmentation holds either polygon rings or an uncompressed RLE mask.
type Segmentation struct {
	Polygons [][]float64
	RLE      *geometry.RLE
}

// MarshalJSON writes the RLE object when set, else the list of rings.
func (s Segmentation) MarshalJSON() ([]byte, error) {
	if s.RLE != nil {
		return json.Marshal(s.RLE)
	}
	if s.Polygons == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.Polygons)
}

// UnmarshalJSON accepts an RLE object, a list of rings or a single flat ring.
func (s *Segmentation) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*s = Segmentation{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '{' {
		var rle geometry.RLE
		if err := json.Unmarshal(b, &rle); err != nil {
			return fmt.Errorf("invalid RLE segmentation: %w", err)
		}
		s.RLE = &rle
		return nil
	}
	var rings [][]float64
	if err := json.Unmarshal(b, &rings); err == nil {
		s.Polygons = rings
		return nil
	}
	var flat []float64
	if err := json.Unmarshal(b, &flat); err != nil {
		return fmt.Errorf("invalid polygon segmentation: %w", err)
	}
	if len(flat) > 0 {
		s.Polygons = [][]float64{flat}
	}
	return nil
}

// NewInfo builds the info block for a dataset exported at t.
func NewInfo(datasetName string, t time.Time) Info {
	t = t.UTC()
	return Info{
		DateCreated: t.Format("2006-01-02T15:04:05Z"),
		Description: fmt.Sprintf("Basic AI Xtreme1 dataset %s exported to COCO format (%s)", datasetName, projectURL),
		URL:         projectURL,
		Year:        annotation.FlexID(strconv.Itoa(t.Year())),
		Version:     Version,
	}
}

// COCOBuilder accumulates one COCO document.
type COCOBuilder struct {
	doc            *COCODocument
	withAttributes bool // per-annotation attributes; false folds them into categories
}

// NewCOCOBuilder starts a document with the given info block.
func NewCOCOBuilder(info Info, withAttributes bool) *COCOBuilder {
	return &COCOBuilder{
		doc: &COCODocument{
			Info:        info,
			Licenses:    []License{},
			Images:      []Image{},
			Annotations: []Annotation{},
			Categories:  []Category{},
		},
		withAttributes: withAttributes,
	}
}

// AddImage appends an image entry for unit.
func (b *COCOBuilder) AddImage(unit annotation.DataUnit, imageID int) {
	b.doc.Images = append(b.doc.Images, Image{
		ID:         imageID,
		FileName:   unit.FileName,
		Xtreme1URL: unit.URL,
		Width:      unit.Width,
		Height:     unit.Height,
	})
}

// AddAnnotation appends an annotation entry built from the canonical shape.
func (b *COCOBuilder) AddAnnotation(rec annotation.Record, shape geometry.Canonical, imageID, annotationID, categoryID int) {
	ann := Annotation{
		ID:         annotationID,
		ImageID:    imageID,
		CategoryID: categoryID,
		Area:       shape.Area,
		BBox:       []float64{},
		Score:      rec.Confidence,
		Cuboid3D:   shape.Cuboid,
		Degenerate: shape.Degenerate,
	}
	if shape.HasBBox {
		ann.BBox = shape.BBox.Slice()
	}
	switch {
	case shape.Mask != nil:
		ann.Segmentation.RLE = shape.Mask
	case len(shape.Segmentation) > 0:
		ann.Segmentation.Polygons = [][]float64{shape.Segmentation}
	}
	if shape.Keypoints != nil {
		n := shape.NumKeypoints
		ann.Keypoints = shape.Keypoints
		ann.NumKeypoints = &n
	}
	if b.withAttributes && len(rec.Attributes) > 0 {
		ann.Attributes = rec.Attributes
	}
	b.doc.Annotations = append(b.doc.Annotations, ann)
}

// SetCategories replaces the category table.
func (b *COCOBuilder) SetCategories(cats []category.Category) {
	out := make([]Category, 0, len(cats))
	for _, c := range cats {
		attrs := c.Attributes
		if attrs == nil {
			attrs = map[string]interface{}{}
		}
		out = append(out, Category{ID: c.ID, Name: c.Name, Attributes: attrs})
	}
	b.doc.Categories = out
}

// Document returns the assembled document.
func (b *COCOBuilder) Document() *COCODocument {
	return b.doc
}

// Validate checks id uniqueness and that every annotation references an
// existing image and category.
func (d *COCODocument) Validate() error {
	images := make(map[int]bool, len(d.Images))
	for _, img := range d.Images {
		if images[img.ID] {
			return fmt.Errorf("duplicate image id %d", img.ID)
		}
		images[img.ID] = true
	}
	cats := make(map[int]bool, len(d.Categories))
	for _, c := range d.Categories {
		if cats[c.ID] {
			return fmt.Errorf("duplicate category id %d", c.ID)
		}
		cats[c.ID] = true
	}
	anns := make(map[int]bool, len(d.Annotations))
	for _, a := range d.Annotations {
		if anns[a.ID] {
			return fmt.Errorf("duplicate annotation id %d", a.ID)
		}
		anns[a.ID] = true
		if !images[a.ImageID] {
			return fmt.Errorf("annotation %d references missing image %d", a.ID, a.ImageID)
		}
		if !cats[a.CategoryID] {
			return fmt.Errorf("annotation %d references missing category %d", a.ID, a.CategoryID)
		}
		if len(a.BBox) != 0 && len(a.BBox) != 4 {
			return fmt.Errorf("annotation %d has malformed bbox", a.ID)
		}
		if len(a.BBox) == 4 && (a.BBox[2] < 0 || a.BBox[3] < 0) {
			return fmt.Errorf("annotation %d has negative bbox extent", a.ID)
		}
	}
	return nil
}

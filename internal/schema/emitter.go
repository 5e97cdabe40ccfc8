/**
 * Output emitters
 *
 * COCO and platform standard json emitters behind one interface.
 */

package schema

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
	"github.com/adverant/nexus/annotation-converter/internal/category"
	cerrors "github.com/adverant/nexus/annotation-converter/internal/errors"
	"github.com/adverant/nexus/annotation-converter/internal/geometry"
)

// Emitter accumulates canonical records for one run and writes the target
// documents. Nothing touches the output directory before Emit.
type Emitter interface {
	AddImage(unit annotation.DataUnit, imageID int)
	AddAnnotation(rec annotation.Record, shape geometry.Canonical, imageID, annotationID, categoryID int)
	Emit(outputDir string, categories []category.Category) ([]string, error)
}

// COCOEmitter writes a single <dataset>_coco.json document.
type COCOEmitter struct {
	dataset string
	builder *COCOBuilder
}

// NewCOCOEmitter creates an emitter for dataset. withAttributes keeps
// per-annotation attributes; otherwise they are expected on categories.
func NewCOCOEmitter(dataset string, exportTime time.Time, withAttributes bool) *COCOEmitter {
	return &COCOEmitter{
		dataset: dataset,
		builder: NewCOCOBuilder(NewInfo(dataset, exportTime), withAttributes),
	}
}

func (e *COCOEmitter) AddImage(unit annotation.DataUnit, imageID int) {
	e.builder.AddImage(unit, imageID)
}

func (e *COCOEmitter) AddAnnotation(rec annotation.Record, shape geometry.Canonical, imageID, annotationID, categoryID int) {
	e.builder.AddAnnotation(rec, shape, imageID, annotationID, categoryID)
}

// Emit validates and writes the document.
func (e *COCOEmitter) Emit(outputDir string, categories []category.Category) ([]string, error) {
	e.builder.SetCategories(categories)
	path := filepath.Join(outputDir, COCOFileName(e.dataset))
	doc := e.builder.Document()
	if err := doc.Validate(); err != nil {
		return nil, cerrors.NewSerializationError(path, err)
	}
	if err := WriteJSON(path, doc); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// Document exposes the assembled document.
func (e *COCOEmitter) Document() *COCODocument {
	return e.builder.Document()
}

// COCOFileName is the output file name for a dataset.
func COCOFileName(dataset string) string {
	return dataset + "_coco.json"
}

// StandardResult is one per-unit file of the platform standard json.
type StandardResult struct {
	DataID     string              `json:"dataId,omitempty"`
	SourceType string              `json:"sourceType"`
	SourceName string              `json:"sourceName,omitempty"`
	Objects    []annotation.Object `json:"objects"`
}

// ResultDir is the directory standard json files are written to.
const ResultDir = "result"

// DefaultSourceType marks results imported from outside the platform.
const DefaultSourceType = "EXTERNAL_GROUND_TRUTH"

// StandardEmitter writes one result/<unit name>.json per data unit.
type StandardEmitter struct {
	sourceName string
	units      []annotation.DataUnit
	results    []*StandardResult
	byImage    map[int]*StandardResult
}

// NewStandardEmitter creates an emitter. sourceName is recorded on every
// result file when non-empty.
func NewStandardEmitter(sourceName string) *StandardEmitter {
	return &StandardEmitter{sourceName: sourceName, byImage: make(map[int]*StandardResult)}
}

func (e *StandardEmitter) AddImage(unit annotation.DataUnit, imageID int) {
	res := &StandardResult{
		DataID:     unit.ID,
		SourceType: DefaultSourceType,
		SourceName: e.sourceName,
		Objects:    []annotation.Object{},
	}
	e.units = append(e.units, unit)
	e.results = append(e.results, res)
	e.byImage[imageID] = res
}

func (e *StandardEmitter) AddAnnotation(rec annotation.Record, _ geometry.Canonical, imageID, _, _ int) {
	res, ok := e.byImage[imageID]
	if !ok {
		return
	}
	obj := annotation.EncodeObject(rec)
	obj.SourceType, obj.SourceName = "", ""
	res.Objects = append(res.Objects, obj)
}

// Emit writes every result file in a single directory rename.
func (e *StandardEmitter) Emit(outputDir string, _ []category.Category) ([]string, error) {
	docs := make([]NamedDocument, 0, len(e.units))
	used := make(map[string]bool, len(e.units))
	for i, unit := range e.units {
		name := resultFileName(unit)
		if used[name] {
			name = fmt.Sprintf("%s-%s.json", strings.TrimSuffix(name, ".json"), unit.ID)
		}
		used[name] = true
		docs = append(docs, NamedDocument{Name: name, Doc: e.results[i]})
	}

	dir := filepath.Join(outputDir, ResultDir)
	if err := WriteDir(dir, docs); err != nil {
		return nil, err
	}
	return []string{dir}, nil
}

func resultFileName(unit annotation.DataUnit) string {
	base := unit.Name
	if base == "" {
		base = strings.TrimSuffix(unit.FileName, filepath.Ext(unit.FileName))
	}
	if base == "" {
		base = unit.ID
	}
	base = strings.NewReplacer("/", "_", "\\", "_").Replace(base)
	return base + ".json"
}

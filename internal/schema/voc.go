/**
 * Pascal VOC emitter
 *
 * One XML annotation file per data unit under Annotations/. Every shape
 * with a 2-D bounding box becomes an object with an integer bndbox.
 */

package schema

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"math"
	"path"
	"path/filepath"
	"strings"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
	"github.com/adverant/nexus/annotation-converter/internal/category"
	cerrors "github.com/adverant/nexus/annotation-converter/internal/errors"
	"github.com/adverant/nexus/annotation-converter/internal/geometry"
)

// VOCDir is the directory VOC files are written to.
const VOCDir = "Annotations"

// VOCAnnotation is the root element of a VOC file.
type VOCAnnotation struct {
	XMLName   xml.Name    `xml:"annotation"`
	Folder    string      `xml:"folder"`
	Filename  string      `xml:"filename"`
	Source    VOCSource   `xml:"source"`
	Size      VOCSize     `xml:"size"`
	Segmented int         `xml:"segmented"`
	Objects   []VOCObject `xml:"object"`
}

type VOCSource struct {
	Database string `xml:"database"`
}

type VOCSize struct {
	Width  int `xml:"width"`
	Height int `xml:"height"`
	Depth  int `xml:"depth"`
}

// VOCObject is one annotated object.
type VOCObject struct {
	Name       string         `xml:"name"`
	Pose       string         `xml:"pose"`
	Truncated  int            `xml:"truncated"`
	Difficult  int            `xml:"difficult"`
	Attributes []VOCAttribute `xml:"attributes>attribute,omitempty"`
	BndBox     VOCBndBox      `xml:"bndbox"`
}

// VOCAttribute keeps the attribute name in an XML attribute, since names
// are not always valid element names.
type VOCAttribute struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type VOCBndBox struct {
	XMin int `xml:"xmin"`
	YMin int `xml:"ymin"`
	XMax int `xml:"xmax"`
	YMax int `xml:"ymax"`
}

// VOCEmitter writes Annotations/<unit name>-<unit id>.xml per data unit.
type VOCEmitter struct {
	units   []annotation.DataUnit
	docs    []*VOCAnnotation
	byImage map[int]*VOCAnnotation
}

func NewVOCEmitter() *VOCEmitter {
	return &VOCEmitter{byImage: make(map[int]*VOCAnnotation)}
}

func (e *VOCEmitter) AddImage(unit annotation.DataUnit, imageID int) {
	file := imageFileName(unit)
	doc := &VOCAnnotation{
		Folder:   file,
		Filename: file,
		Source:   VOCSource{Database: "Unknown"},
		Size:     VOCSize{Width: unit.Width, Height: unit.Height, Depth: 3},
	}
	e.units = append(e.units, unit)
	e.docs = append(e.docs, doc)
	e.byImage[imageID] = doc
}

func (e *VOCEmitter) AddAnnotation(rec annotation.Record, shape geometry.Canonical, imageID, _, _ int) {
	doc, ok := e.byImage[imageID]
	if !ok || !shape.HasBBox {
		return
	}
	b := shape.BBox
	obj := VOCObject{
		Name: labelOf(rec),
		Pose: "Unspecified",
		BndBox: VOCBndBox{
			XMin: int(math.Round(b.X)),
			YMin: int(math.Round(b.Y)),
			XMax: int(math.Round(b.X + b.W)),
			YMax: int(math.Round(b.Y + b.H)),
		},
	}
	for _, name := range annotation.SortedAttributeNames(rec.Attributes) {
		obj.Attributes = append(obj.Attributes, VOCAttribute{Name: name, Value: attributeText(rec.Attributes[name])})
	}
	doc.Objects = append(doc.Objects, obj)
}

// Emit writes every XML file in a single directory rename.
func (e *VOCEmitter) Emit(outputDir string, _ []category.Category) ([]string, error) {
	dir := filepath.Join(outputDir, VOCDir)
	names := unitFileNames(e.units, ".xml")
	docs := make([]NamedDocument, 0, len(e.docs))
	for i, doc := range e.docs {
		body, err := xml.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, cerrors.NewSerializationError(filepath.Join(dir, names[i]), err)
		}
		raw := append([]byte(xml.Header), body...)
		docs = append(docs, NamedDocument{Name: names[i], Raw: append(raw, '\n')})
	}
	if err := WriteDir(dir, docs); err != nil {
		return nil, err
	}
	return []string{dir}, nil
}

// unitFileNames names each unit <name>-<id><ext>, keeping names unique.
func unitFileNames(units []annotation.DataUnit, ext string) []string {
	names := make([]string, len(units))
	used := make(map[string]int, len(units))
	for i, unit := range units {
		base := strings.TrimSuffix(resultFileName(unit), ".json")
		if unit.ID != "" && base != unit.ID {
			base += "-" + strings.NewReplacer("/", "_", "\\", "_").Replace(unit.ID)
		}
		name := base + ext
		if n := used[name]; n > 0 {
			name = fmt.Sprintf("%s-%d%s", base, n, ext)
		}
		used[base+ext]++
		names[i] = name
	}
	return names
}

// imageFileName is the file name of the unit's image.
func imageFileName(unit annotation.DataUnit) string {
	if unit.FileName != "" {
		return path.Base(unit.FileName)
	}
	return annotation.FileNameFromURL(unit.URL, unit.Name)
}

func labelOf(rec annotation.Record) string {
	if rec.ClassName == "" {
		return "null"
	}
	return rec.ClassName
}

func attributeText(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

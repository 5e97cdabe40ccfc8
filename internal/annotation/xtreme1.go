/**
 * Platform standard json wire model
 *
 * Decodes export manifests and result files into records and encodes
 * records back into platform objects.
 */

package annotation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// FlexID accepts ids serialised either as JSON strings or numbers.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// DataInfo is the per-unit manifest found under data/ in an export archive
// and in the platform's data query responses.
type DataInfo struct {
	DataID   FlexID  `json:"dataId"`
	ID       FlexID  `json:"id"`
	Name     string  `json:"name"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	ImageURL string  `json:"imageUrl"`
}

// Key returns the id used to join data with results.
func (d DataInfo) Key() string {
	if d.DataID != "" {
		return string(d.DataID)
	}
	return string(d.ID)
}

// ResultEntry is one element of a result file array.
type ResultEntry struct {
	DataID     FlexID   `json:"dataId,omitempty"`
	SourceType string   `json:"sourceType,omitempty"`
	SourceName string   `json:"sourceName,omitempty"`
	Objects    []Object `json:"objects"`
}

// Object is a single annotation in the platform's standard json.
type Object struct {
	ID              string       `json:"id,omitempty"`
	Type            string       `json:"type"`
	TrackID         string       `json:"trackId,omitempty"`
	TrackName       string       `json:"trackName,omitempty"`
	ClassName       string       `json:"className,omitempty"`
	ModelClass      string       `json:"modelClass,omitempty"`
	ClassValues     []ClassValue `json:"classValues,omitempty"`
	ModelConfidence *float64     `json:"modelConfidence,omitempty"`
	SourceType      string       `json:"sourceType,omitempty"`
	SourceName      string       `json:"sourceName,omitempty"`
	Contour         Contour      `json:"contour"`
}

// ClassValue is one attribute answer on an object.
type ClassValue struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// Contour carries the geometry of an object; which fields are set depends on Type.
type Contour struct {
	Points     []ContourPoint `json:"points,omitempty"`
	Center     *Point         `json:"center,omitempty"`
	Size       *Size          `json:"size,omitempty"`
	Center3D   *Vec3          `json:"center3D,omitempty"`
	Size3D     *Vec3          `json:"size3D,omitempty"`
	Rotation3D *Vec3          `json:"rotation3D,omitempty"`
}

// ContourPoint is a contour vertex; Visible is only meaningful for keypoints.
type ContourPoint struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Visible *bool   `json:"visible,omitempty"`
}

// Size is a 2-D extent.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

var kindAliases = map[string]ShapeKind{
	"RECTANGLE":    KindRectangle,
	"BOUNDING_BOX": KindRectangle,
	"2D_RECT":      KindRectangle,
	"POLYGON":      KindPolygon,
	"2D_POLYGON":   KindPolygon,
	"POLYLINE":     KindPolyline,
	"LINE":         KindPolyline,
	"KEY_POINT":    KindKeypoint,
	"KEYPOINT":     KindKeypoint,
	"POINT":        KindKeypoint,
	"3D_BOX":       KindCuboid,
	"CUBOID":       KindCuboid,
}

// ParseKind maps a wire type to a ShapeKind.
func ParseKind(t string) (ShapeKind, bool) {
	k, ok := kindAliases[strings.ToUpper(strings.TrimSpace(t))]
	return k, ok
}

// ResolveClassName applies the class fallback chain: className, modelClass, "null".
func ResolveClassName(className, modelClass string) string {
	if className != "" {
		return className
	}
	if modelClass != "" {
		return modelClass
	}
	return "null"
}

// DecodeShape resolves the object's geometry variant. It returns nil for
// unsupported types; point-count validation is left to normalization.
func DecodeShape(obj Object) Shape {
	kind, ok := ParseKind(obj.Type)
	if !ok {
		return nil
	}
	pts := make([]Point, len(obj.Contour.Points))
	for i, p := range obj.Contour.Points {
		pts[i] = Point{X: p.X, Y: p.Y}
	}
	switch kind {
	case KindRectangle:
		r := Rectangle{Corners: pts}
		if len(pts) == 0 && obj.Contour.Center != nil && obj.Contour.Size != nil {
			c := *obj.Contour.Center
			r = Rectangle{Center: &c, Width: obj.Contour.Size.Width, Height: obj.Contour.Size.Height}
		}
		return r
	case KindPolygon:
		return Polygon{Points: pts}
	case KindPolyline:
		return Polyline{Points: pts}
	case KindKeypoint:
		kps := make([]Keypoint, len(obj.Contour.Points))
		for i, p := range obj.Contour.Points {
			kps[i] = Keypoint{Point: pts[i], Visible: p.Visible == nil || *p.Visible}
		}
		return KeypointSet{Points: kps}
	case KindCuboid:
		c := Cuboid{}
		if obj.Contour.Center3D != nil {
			c.Center = *obj.Contour.Center3D
		}
		if obj.Contour.Size3D != nil {
			c.Size = *obj.Contour.Size3D
		}
		if obj.Contour.Rotation3D != nil {
			c.Rotation = *obj.Contour.Rotation3D
		}
		return c
	}
	return nil
}

// NewRecord builds a Record from a wire object.
func NewRecord(dataID string, index int, obj Object) Record {
	var attrs map[string]interface{}
	for _, cv := range obj.ClassValues {
		if cv.Name == "" {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]interface{}, len(obj.ClassValues))
		}
		attrs[cv.Name] = cv.Value
	}
	return Record{
		DataID:     dataID,
		Index:      index,
		Type:       obj.Type,
		Shape:      DecodeShape(obj),
		ClassName:  ResolveClassName(obj.ClassName, obj.ModelClass),
		Attributes: attrs,
		TrackID:    obj.TrackID,
		TrackName:  obj.TrackName,
		Confidence: obj.ModelConfidence,
		SourceType: obj.SourceType,
		SourceName: obj.SourceName,
	}
}

// EncodeObject converts a record back to its wire form.
func EncodeObject(r Record) Object {
	obj := Object{
		Type:            r.Type,
		TrackID:         r.TrackID,
		TrackName:       r.TrackName,
		ClassName:       r.ClassName,
		ModelConfidence: r.Confidence,
		SourceType:      r.SourceType,
		SourceName:      r.SourceName,
	}
	if r.Shape != nil {
		obj.Type = string(r.Shape.Kind())
	}
	for _, name := range SortedAttributeNames(r.Attributes) {
		obj.ClassValues = append(obj.ClassValues, ClassValue{Name: name, Value: r.Attributes[name]})
	}
	switch s := r.Shape.(type) {
	case Rectangle:
		if s.Center != nil {
			c := *s.Center
			obj.Contour.Center = &c
			obj.Contour.Size = &Size{Width: s.Width, Height: s.Height}
		} else {
			obj.Contour.Points = contourPoints(s.Corners)
		}
	case Polygon:
		obj.Contour.Points = contourPoints(s.Points)
	case Polyline:
		obj.Contour.Points = contourPoints(s.Points)
	case KeypointSet:
		for _, kp := range s.Points {
			cp := ContourPoint{X: kp.X, Y: kp.Y}
			if !kp.Visible {
				v := false
				cp.Visible = &v
			}
			obj.Contour.Points = append(obj.Contour.Points, cp)
		}
	case Cuboid:
		c, sz, rot := s.Center, s.Size, s.Rotation
		obj.Contour.Center3D = &c
		obj.Contour.Size3D = &sz
		obj.Contour.Rotation3D = &rot
	}
	return obj
}

func contourPoints(pts []Point) []ContourPoint {
	out := make([]ContourPoint, len(pts))
	for i, p := range pts {
		out[i] = ContourPoint{X: p.X, Y: p.Y}
	}
	return out
}

// NewDataUnit builds a DataUnit from a data manifest.
func NewDataUnit(info DataInfo) DataUnit {
	return DataUnit{
		ID:       info.Key(),
		Name:     info.Name,
		FileName: FileNameFromURL(info.ImageURL, info.Name),
		URL:      info.ImageURL,
		Width:    int(info.Width),
		Height:   int(info.Height),
	}
}

// FileNameFromURL returns the last path segment of u without its query,
// or fallback when u has none.
func FileNameFromURL(u, fallback string) string {
	if u == "" {
		return fallback
	}
	raw := u
	if parsed, err := url.Parse(u); err == nil && parsed.Path != "" {
		raw = parsed.Path
	} else if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	name := path.Base(raw)
	if name == "." || name == "/" || name == "" {
		return fallback
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}

// MergeResults concatenates the objects of every entry in a result file.
// The data id of the first entry that carries one wins.
func MergeResults(entries []ResultEntry) (dataID string, objects []Object, sourceType string) {
	for _, e := range entries {
		if dataID == "" && e.DataID != "" {
			dataID = string(e.DataID)
		}
		if sourceType == "" {
			sourceType = e.SourceType
		}
		objects = append(objects, e.Objects...)
	}
	return dataID, objects, sourceType
}

// DecodeResultFile accepts either a JSON array of entries or a single entry.
func DecodeResultFile(data []byte) ([]ResultEntry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty result file")
	}
	if trimmed[0] == '[' {
		var entries []ResultEntry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}
	var entry ResultEntry
	if err := json.Unmarshal(trimmed, &entry); err != nil {
		return nil, err
	}
	return []ResultEntry{entry}, nil
}

// AttributeSignature renders attributes as a JSON list of sorted
// [name, value] pairs. Values keep their JSON type, so "1" and 1 differ.
// Empty attributes give "".
func AttributeSignature(attrs map[string]interface{}) string {
	if len(attrs) == 0 {
		return ""
	}
	names := SortedAttributeNames(attrs)
	pairs := make([][2]interface{}, 0, len(names))
	for _, n := range names {
		pairs = append(pairs, [2]interface{}{n, attrs[n]})
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Sprintf("%#v", pairs)
	}
	return string(b)
}

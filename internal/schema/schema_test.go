package schema

import (
	"encoding/json"
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
	"github.com/adverant/nexus/annotation-converter/internal/category"
	cerrors "github.com/adverant/nexus/annotation-converter/internal/errors"
	"github.com/adverant/nexus/annotation-converter/internal/geometry"
)

var exportTime = time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)

func TestNewInfo_IsDeterministic(t *testing.T) {
	info := NewInfo("cars", exportTime)
	assert.Equal(t, "2024-05-17T09:30:00Z", info.DateCreated)
	assert.Equal(t, annotation.FlexID("2024"), info.Year)
	assert.Contains(t, info.Description, "dataset cars exported to COCO format")
	assert.Equal(t, NewInfo("cars", exportTime), info)
}

func TestSegmentation_JSON(t *testing.T) {
	tests := []struct {
		name string
		seg  Segmentation
		want string
	}{
		{"empty", Segmentation{}, `[]`},
		{"rings", Segmentation{Polygons: [][]float64{{0, 0, 4, 0, 4, 3}}}, `[[0,0,4,0,4,3]]`},
		{"rle", Segmentation{RLE: &geometry.RLE{Size: [2]int{3, 4}, Counts: []int{3, 6, 3}}}, `{"size":[3,4],"counts":[3,6,3]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.seg)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(b))

			var back Segmentation
			require.NoError(t, json.Unmarshal(b, &back))
			if tt.seg.RLE != nil {
				assert.Equal(t, tt.seg.RLE, back.RLE)
			} else {
				assert.Equal(t, len(tt.seg.Polygons), len(back.Polygons))
			}
		})
	}

	var flat Segmentation
	require.NoError(t, json.Unmarshal([]byte(`[1,2,3,4,5,6]`), &flat))
	assert.Equal(t, [][]float64{{1, 2, 3, 4, 5, 6}}, flat.Polygons)

	assert.Error(t, json.Unmarshal([]byte(`["a"]`), &flat))
}

func buildDocument(t *testing.T) *COCOBuilder {
	t.Helper()
	b := NewCOCOBuilder(NewInfo("cars", exportTime), true)
	b.AddImage(annotation.DataUnit{ID: "d1", FileName: "a.jpg", URL: "https://x/a.jpg?t=1", Width: 640, Height: 480}, 0)

	res := category.NewResolver(category.PolicyName, 1)
	catID := res.Resolve("car", nil)
	rec := annotation.Record{DataID: "d1", ClassName: "car", Attributes: map[string]interface{}{"color": "red"}}
	shape := geometry.Canonical{
		Kind:        annotation.KindRectangle,
		BBox:        geometry.BBox{X: 10, Y: 10, W: 40, H: 30},
		HasBBox:     true,
		Area:        1200,
		AreaBearing: true,
	}
	b.AddAnnotation(rec, shape, 0, 0, catID)
	b.SetCategories(res.Categories())
	return b
}

func TestCOCOBuilder_RectangleScenario(t *testing.T) {
	doc := buildDocument(t).Document()
	require.NoError(t, doc.Validate())

	raw, err := Encode(doc)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))

	anns := generic["annotations"].([]interface{})
	require.Len(t, anns, 1, spew.Sdump(generic))
	ann := anns[0].(map[string]interface{})
	assert.Equal(t, []interface{}{10.0, 10.0, 40.0, 30.0}, ann["bbox"])
	assert.Equal(t, 1200.0, ann["area"])
	assert.Equal(t, 0.0, ann["iscrowd"])
	assert.Equal(t, []interface{}{}, ann["segmentation"])
	assert.Equal(t, map[string]interface{}{"color": "red"}, ann["attributes"])
	assert.NotContains(t, ann, "keypoints")
	assert.NotContains(t, ann, "degenerate")

	cats := generic["categories"].([]interface{})
	wantCat := map[string]interface{}{"id": 1.0, "name": "car", "supercategory": "", "attributes": map[string]interface{}{}}
	if diff := cmp.Diff(wantCat, cats[0]); diff != "" {
		t.Errorf("category mismatch (-want +got):\n%s", diff)
	}

	img := generic["images"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "a.jpg", img["file_name"])
	assert.Nil(t, img["date_captured"])
	assert.Contains(t, img, "date_captured")
	assert.Equal(t, []interface{}{}, generic["licenses"])
}

func TestCOCOBuilder_FlatModeDropsInstanceAttributes(t *testing.T) {
	b := NewCOCOBuilder(NewInfo("cars", exportTime), false)
	b.AddImage(annotation.DataUnit{ID: "d1"}, 0)
	rec := annotation.Record{DataID: "d1", Attributes: map[string]interface{}{"color": "red"}}
	b.AddAnnotation(rec, geometry.Canonical{HasBBox: true}, 0, 0, 1)

	assert.Nil(t, b.Document().Annotations[0].Attributes)
}

func TestCOCOBuilder_PolylineAndCuboid(t *testing.T) {
	b := NewCOCOBuilder(NewInfo("cars", exportTime), true)
	b.AddImage(annotation.DataUnit{ID: "d1"}, 0)
	b.AddAnnotation(annotation.Record{}, geometry.Canonical{
		Kind: annotation.KindPolyline, HasBBox: true, BBox: geometry.BBox{X: 1, Y: 2, W: 2, H: 2},
		Keypoints: []float64{1, 2, 2, 3, 4, 2}, NumKeypoints: 2,
	}, 0, 0, 1)
	cub := annotation.Cuboid{Size: annotation.Vec3{X: 1, Y: 1, Z: 1}}
	b.AddAnnotation(annotation.Record{}, geometry.Canonical{Kind: annotation.KindCuboid, Cuboid: &cub}, 0, 1, 1)

	anns := b.Document().Annotations
	require.NotNil(t, anns[0].NumKeypoints)
	assert.Equal(t, 2, *anns[0].NumKeypoints)
	assert.Equal(t, []float64{}, anns[1].BBox)
	assert.Equal(t, &cub, anns[1].Cuboid3D)
}

func TestCOCODocument_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*COCODocument)
		errMsg string
	}{
		{"missing image", func(d *COCODocument) { d.Annotations[0].ImageID = 9 }, "missing image"},
		{"missing category", func(d *COCODocument) { d.Annotations[0].CategoryID = 9 }, "missing category"},
		{"duplicate annotation", func(d *COCODocument) { d.Annotations = append(d.Annotations, d.Annotations[0]) }, "duplicate annotation"},
		{"duplicate image", func(d *COCODocument) { d.Images = append(d.Images, d.Images[0]) }, "duplicate image"},
		{"negative bbox", func(d *COCODocument) { d.Annotations[0].BBox = []float64{0, 0, -1, 1} }, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := buildDocument(t).Document()
			tt.mutate(doc)
			assert.ErrorContains(t, doc.Validate(), tt.errMsg)
		})
	}
}

func TestCOCOEmitter_WritesAtomicallyAndRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	e := NewCOCOEmitter("cars", exportTime, true)
	e.AddImage(annotation.DataUnit{ID: "d1"}, 0)
	e.AddAnnotation(annotation.Record{}, geometry.Canonical{HasBBox: true}, 0, 0, 7)

	_, err := e.Emit(dir, nil)
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.ErrorSerializationFailed))
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries, "no partial output after a failed emit")

	cats := category.NewResolver(category.PolicyName, 7)
	cats.Resolve("car", nil)
	paths, err := e.Emit(dir, cats.Categories())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "cars_coco.json")}, paths)

	entries, _ = os.ReadDir(dir)
	assert.Len(t, entries, 1, "temporary files are renamed away")
}

func TestWriteJSON_UnwritablePath(t *testing.T) {
	err := WriteJSON(filepath.Join(t.TempDir(), "missing", "x.json"), map[string]int{"a": 1})
	assert.True(t, cerrors.Is(err, cerrors.ErrorSerializationFailed))
}

func TestStandardEmitter_WritesPerUnitFiles(t *testing.T) {
	dir := t.TempDir()
	e := NewStandardEmitter("")
	e.AddImage(annotation.DataUnit{ID: "1", Name: "frame"}, 1)
	e.AddImage(annotation.DataUnit{ID: "2", Name: "frame"}, 2)
	e.AddAnnotation(annotation.Record{
		Shape:     annotation.Rectangle{Corners: []annotation.Point{{X: 0, Y: 0}, {X: 2, Y: 2}}},
		ClassName: "car",
		TrackName: "1",
	}, geometry.Canonical{}, 2, 1, 1)

	paths, err := e.Emit(dir, nil)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, ResultDir)}, paths)

	raw, err := os.ReadFile(filepath.Join(dir, ResultDir, "frame-2.json"))
	require.NoError(t, err)
	var res StandardResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "2", res.DataID)
	assert.Equal(t, DefaultSourceType, res.SourceType)
	require.Len(t, res.Objects, 1)
	assert.Equal(t, "RECTANGLE", res.Objects[0].Type)

	assert.FileExists(t, filepath.Join(dir, ResultDir, "frame.json"))

	_, err = e.Emit(dir, nil)
	assert.True(t, cerrors.Is(err, cerrors.ErrorSerializationFailed), "existing result dir is not merged into")
}

func TestFromCOCO(t *testing.T) {
	score := 0.5
	doc := &COCODocument{
		Info:   NewInfo("cars", exportTime),
		Images: []Image{{ID: 3, FileName: "img/a.jpg", Width: 10, Height: 10}},
		Annotations: []Annotation{
			{ID: 11, ImageID: 3, CategoryID: 1, BBox: []float64{1, 2, 3, 4}, Score: &score},
			{ID: 12, ImageID: 3, CategoryID: 2, BBox: []float64{0, 0, 5, 5}, Segmentation: Segmentation{Polygons: [][]float64{{0, 0, 5, 0, 5, 5}}}},
			{ID: 13, ImageID: 3, CategoryID: 1, Keypoints: []float64{1, 1, 2, 3, 3, 2}},
		},
		Categories: []Category{{ID: 1, Name: "car"}, {ID: 2, Name: "road"}},
	}

	ds, err := FromCOCO(doc, "cars")
	require.NoError(t, err)
	assert.True(t, ds.ExportTime.Equal(exportTime))
	require.Len(t, ds.Items, 1)
	item := ds.Items[0]
	assert.Equal(t, "3", item.Unit.ID)
	assert.Equal(t, "a", item.Unit.Name)
	require.Len(t, item.Records, 3)

	assert.Equal(t, annotation.Rectangle{Corners: []annotation.Point{{X: 1, Y: 2}, {X: 4, Y: 6}}}, item.Records[0].Shape)
	assert.Equal(t, "11", item.Records[0].TrackName)
	assert.Equal(t, &score, item.Records[0].Confidence)
	assert.Equal(t, annotation.KindPolygon, item.Records[1].Shape.Kind(), "segmentation wins over bbox")
	assert.Equal(t, "road", item.Records[1].ClassName)
	assert.Equal(t, annotation.Polyline{Points: []annotation.Point{{X: 1, Y: 1}, {X: 3, Y: 3}}}, item.Records[2].Shape)
	assert.Equal(t, "coco", item.Records[2].SourceName)
}

func TestFromCOCO_UnknownReferences(t *testing.T) {
	doc := &COCODocument{
		Images:      []Image{{ID: 1}},
		Annotations: []Annotation{{ID: 1, ImageID: 1, CategoryID: 5}},
	}
	_, err := FromCOCO(doc, "x")
	var ce *cerrors.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, cerrors.ErrorArchiveCorrupt, ce.Code)
	assert.Equal(t, "annotations[0]", ce.Entry)
}

const coco2017Header = `{
  "info": {"description": "COCO 2017 Dataset", "url": "http://cocodataset.org", "version": "1.0",
           "year": 2017, "contributor": "COCO Consortium", "date_created": "2017/09/01"},
  "licenses": [{"url": "http://creativecommons.org/licenses/by-nc-sa/2.0/", "id": 1, "name": "Attribution-NonCommercial-ShareAlike License"}],
  "images": [{"license": 4, "file_name": "000000397133.jpg",
              "coco_url": "http://images.cocodataset.org/val2017/000000397133.jpg",
              "height": 427, "width": 640, "date_captured": "2013-11-14 17:02:52",
              "flickr_url": "http://farm7.staticflickr.com/6116/6255196340_da26cf2c9e_z.jpg", "id": 397133}],
  "annotations": [{"segmentation": [[224.24, 297.18, 228.29, 297.18, 234.91, 298.29, 224.24, 297.18]],
                   "area": 1481.38, "iscrowd": 0, "image_id": 397133,
                   "bbox": [217.62, 240.54, 38.99, 57.75], "category_id": 44, "id": 82445}],
  "categories": [{"supercategory": "kitchen", "id": 44, "name": "bottle"}]
}`

func TestReadCOCO_ThirdPartyHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances_val2017.json")
	require.NoError(t, os.WriteFile(path, []byte(coco2017Header), 0o644))

	doc, err := ReadCOCO(path)
	require.NoError(t, err)
	assert.Equal(t, annotation.FlexID("2017"), doc.Info.Year)
	assert.Equal(t, annotation.FlexID("1.0"), doc.Info.Version)
	require.Len(t, doc.Images, 1)
	require.NotNil(t, doc.Images[0].DateCaptured)
	assert.Equal(t, "2013-11-14 17:02:52", *doc.Images[0].DateCaptured)

	ds, err := FromCOCO(doc, "val2017")
	require.NoError(t, err)
	require.Len(t, ds.Items, 1)
	unit := ds.Items[0].Unit
	assert.Equal(t, "397133", unit.ID)
	assert.Equal(t, "000000397133", unit.Name)
	assert.Equal(t, "http://images.cocodataset.org/val2017/000000397133.jpg", unit.URL)
	assert.Equal(t, 640, unit.Width)
	require.Len(t, ds.Items[0].Records, 1)
	assert.Equal(t, "bottle", ds.Items[0].Records[0].ClassName)
	assert.Equal(t, annotation.KindPolygon, ds.Items[0].Records[0].Shape.Kind())
	assert.True(t, ds.ExportTime.Equal(time.Unix(0, 0)), "unparsable date_created maps to the epoch")

	// Emitted documents keep writing the year as a string.
	raw, err := json.Marshal(NewInfo("cars", exportTime))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"year":"2024"`)
}

func TestVOCEmitter_WritesOneXMLPerUnit(t *testing.T) {
	dir := t.TempDir()
	e := NewVOCEmitter()
	e.AddImage(annotation.DataUnit{ID: "d1", Name: "frame", URL: "https://cdn/img/frame.jpg?sig=abc", Width: 640, Height: 480}, 0)
	e.AddImage(annotation.DataUnit{ID: "d2", Name: "empty", FileName: "sub/empty.png", Width: 10, Height: 10}, 1)

	e.AddAnnotation(annotation.Record{
		ClassName:  "car",
		Attributes: map[string]interface{}{"color": "red", "parked": true},
	}, geometry.Canonical{Kind: annotation.KindRectangle, HasBBox: true, BBox: geometry.BBox{X: 10.4, Y: 10, W: 39.8, H: 30}}, 0, 0, 1)
	e.AddAnnotation(annotation.Record{}, geometry.Canonical{Kind: annotation.KindPolygon, HasBBox: true, BBox: geometry.BBox{X: 1, Y: 2, W: 3, H: 4}}, 0, 1, 1)
	e.AddAnnotation(annotation.Record{ClassName: "box"}, geometry.Canonical{Kind: annotation.KindCuboid}, 0, 2, 2)

	paths, err := e.Emit(dir, nil)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, VOCDir)}, paths)

	raw, err := os.ReadFile(filepath.Join(dir, VOCDir, "frame-d1.xml"))
	require.NoError(t, err)
	var doc VOCAnnotation
	require.NoError(t, xml.Unmarshal(raw, &doc), string(raw))
	assert.Equal(t, "frame.jpg", doc.Filename)
	assert.Equal(t, VOCSize{Width: 640, Height: 480, Depth: 3}, doc.Size)
	require.Len(t, doc.Objects, 2, "cuboids without a projected box are left out")

	car := doc.Objects[0]
	assert.Equal(t, "car", car.Name)
	assert.Equal(t, VOCBndBox{XMin: 10, YMin: 10, XMax: 50, YMax: 40}, car.BndBox)
	assert.Equal(t, []VOCAttribute{{Name: "color", Value: "red"}, {Name: "parked", Value: "true"}}, car.Attributes)
	assert.Equal(t, "null", doc.Objects[1].Name)

	raw, err = os.ReadFile(filepath.Join(dir, VOCDir, "empty-d2.xml"))
	require.NoError(t, err)
	doc = VOCAnnotation{}
	require.NoError(t, xml.Unmarshal(raw, &doc))
	assert.Equal(t, "empty.png", doc.Filename)
	assert.Empty(t, doc.Objects)
	assert.NotContains(t, string(raw), "<attributes>")
}

func TestLabelMeEmitter_ShapeTypes(t *testing.T) {
	dir := t.TempDir()
	e := NewLabelMeEmitter()
	e.AddImage(annotation.DataUnit{ID: "d1", Name: "frame", FileName: "frame.jpg", Width: 64, Height: 48}, 0)

	e.AddAnnotation(annotation.Record{ClassName: "car", Attributes: map[string]interface{}{"color": "red"}},
		geometry.Canonical{Kind: annotation.KindRectangle, HasBBox: true, BBox: geometry.BBox{X: 1, Y: 2, W: 3, H: 4}}, 0, 0, 1)
	e.AddAnnotation(annotation.Record{ClassName: "lot"},
		geometry.Canonical{Kind: annotation.KindPolygon, HasBBox: true, Segmentation: []float64{0, 0, 4, 0, 4, 4}}, 0, 1, 2)
	e.AddAnnotation(annotation.Record{
		ClassName: "mask",
		Shape:     annotation.Polygon{Points: []annotation.Point{{X: 1, Y: 1}, {X: 2, Y: 1}, {X: 2, Y: 2}}},
	}, geometry.Canonical{Kind: annotation.KindPolygon, HasBBox: true, Mask: &geometry.RLE{}}, 0, 2, 3)
	e.AddAnnotation(annotation.Record{ClassName: "lane"},
		geometry.Canonical{Kind: annotation.KindPolyline, HasBBox: true, Keypoints: []float64{0, 0, 2, 5, 5, 2}}, 0, 3, 4)
	e.AddAnnotation(annotation.Record{ClassName: "joint"},
		geometry.Canonical{Kind: annotation.KindKeypoint, HasBBox: true, Keypoints: []float64{7, 8, 2, 9, 9, 1}}, 0, 4, 5)

	paths, err := e.Emit(dir, nil)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, LabelMeDir)}, paths)

	raw, err := os.ReadFile(filepath.Join(dir, LabelMeDir, "frame-d1.json"))
	require.NoError(t, err)
	var doc LabelMeDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, LabelMeVersion, doc.Version)
	assert.Equal(t, "frame.jpg", doc.ImagePath)
	assert.Nil(t, doc.ImageData)
	assert.Equal(t, 64, doc.ImageWidth)
	assert.Equal(t, 48, doc.ImageHeight)

	var types []string
	for _, s := range doc.Shapes {
		types = append(types, s.ShapeType)
	}
	assert.Equal(t, []string{"rectangle", "polygon", "polygon", "linestrip", "point", "point"}, types)

	rect := doc.Shapes[0]
	assert.Equal(t, [][2]float64{{1, 2}, {4, 2}, {4, 6}, {1, 6}}, rect.Points)
	assert.Equal(t, map[string]interface{}{"color": "red"}, rect.Attributes)
	assert.Nil(t, rect.GroupID)
	assert.Equal(t, [][2]float64{{1, 1}, {2, 1}, {2, 2}}, doc.Shapes[2].Points, "RLE polygons keep their vertices")
	assert.Equal(t, [][2]float64{{0, 0}, {5, 5}}, doc.Shapes[3].Points)
	assert.Equal(t, [][2]float64{{9, 9}}, doc.Shapes[5].Points)
	assert.NotContains(t, string(raw), `"attributes": {}`)
}

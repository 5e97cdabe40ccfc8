/**
 * Qdrant geometry index for the annotation converter
 *
 * Every emitted COCO annotation with a bounding box becomes a point whose
 * vector is the box normalized by its image size, so similar layouts can be
 * found across runs. Uses Qdrant's native gRPC API.
 */

package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/adverant/nexus/annotation-converter/internal/schema"
)

// GeometryDims is the vector size: x, y, width, height relative to the image.
const GeometryDims = 4

const upsertBatchSize = 256

// GeometryIndex handles vector database operations
type GeometryIndex struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
}

// GeometryPoint is one indexed annotation.
type GeometryPoint struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
	Score   float32
}

// NewGeometryIndex connects to Qdrant and creates the collection when missing.
func NewGeometryIndex(address string, collectionName string) (*GeometryIndex, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	gi := &GeometryIndex{
		client:           qdrant.NewPointsClient(conn),
		collectionClient: qdrant.NewCollectionsClient(conn),
		conn:             conn,
		collectionName:   collectionName,
	}

	if err := gi.ensureCollection(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}
	return gi, nil
}

func (g *GeometryIndex) ensureCollection(ctx context.Context) error {
	listResp, err := g.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, col := range listResp.Collections {
		if col.Name == g.collectionName {
			return nil
		}
	}

	_, err = g.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: g.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     GeometryDims,
					Distance: qdrant.Distance_Euclid,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// BBoxVector normalizes a COCO [x, y, w, h] box by the image size.
// It reports false for boxes that cannot be indexed.
func BBoxVector(bbox []float64, width, height int) ([]float32, bool) {
	if len(bbox) != 4 || width <= 0 || height <= 0 {
		return nil, false
	}
	w, h := float64(width), float64(height)
	return []float32{
		float32(bbox[0] / w),
		float32(bbox[1] / h),
		float32(bbox[2] / w),
		float32(bbox[3] / h),
	}, true
}

// PointID derives a stable point id so re-indexing a run overwrites its points.
func PointID(runID string, annotationID int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID+"/"+strconv.Itoa(annotationID))).String()
}

// buildPoints turns the annotations of doc into index points. Annotations
// whose image has unknown dimensions or that carry no box are left out.
func buildPoints(runID string, doc *schema.COCODocument) []*GeometryPoint {
	images := make(map[int]schema.Image, len(doc.Images))
	for _, img := range doc.Images {
		images[img.ID] = img
	}
	categories := make(map[int]string, len(doc.Categories))
	for _, c := range doc.Categories {
		categories[c.ID] = c.Name
	}

	points := make([]*GeometryPoint, 0, len(doc.Annotations))
	for _, ann := range doc.Annotations {
		img, ok := images[ann.ImageID]
		if !ok {
			continue
		}
		vec, ok := BBoxVector(ann.BBox, img.Width, img.Height)
		if !ok {
			continue
		}
		points = append(points, &GeometryPoint{
			ID:     PointID(runID, ann.ID),
			Vector: vec,
			Payload: map[string]interface{}{
				"run_id":        runID,
				"annotation_id": int64(ann.ID),
				"image_id":      int64(img.ID),
				"file_name":     img.FileName,
				"category_id":   int64(ann.CategoryID),
				"category":      categories[ann.CategoryID],
				"area":          ann.Area,
				"degenerate":    ann.Degenerate,
			},
		})
	}
	return points
}

// IndexDocument upserts one point per indexable annotation of doc and
// returns the ids written.
func (g *GeometryIndex) IndexDocument(ctx context.Context, runID string, doc *schema.COCODocument) ([]string, error) {
	if runID == "" || doc == nil {
		return nil, fmt.Errorf("run ID and document are required")
	}
	points := buildPoints(runID, doc)
	ids := make([]string, 0, len(points))

	for start := 0; start < len(points); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(points) {
			end = len(points)
		}
		batch := make([]*qdrant.PointStruct, 0, end-start)
		for _, p := range points[start:end] {
			batch = append(batch, &qdrant.PointStruct{
				Id: &qdrant.PointId{
					PointIdOptions: &qdrant.PointId_Uuid{Uuid: p.ID},
				},
				Vectors: &qdrant.Vectors{
					VectorsOptions: &qdrant.Vectors_Vector{
						Vector: &qdrant.Vector{Data: p.Vector},
					},
				},
				Payload: toPayload(p.Payload),
			})
		}
		if _, err := g.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: g.collectionName,
			Points:         batch,
		}); err != nil {
			if len(ids) > 0 {
				_ = g.DeletePoints(ctx, ids)
			}
			return nil, fmt.Errorf("failed to upsert points %d-%d: %w", start, end, err)
		}
		for _, p := range points[start:end] {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// Search returns the annotations whose normalized box is closest to vector.
func (g *GeometryIndex) Search(ctx context.Context, vector []float32, limit int) ([]*GeometryPoint, error) {
	if len(vector) != GeometryDims {
		return nil, fmt.Errorf("invalid query vector dimensions: expected %d, got %d", GeometryDims, len(vector))
	}
	if limit <= 0 {
		limit = 10
	}

	results, err := g.client.Search(ctx, &qdrant.SearchPoints{
		CollectionName: g.collectionName,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	points := make([]*GeometryPoint, 0, len(results.Result))
	for _, r := range results.Result {
		points = append(points, &GeometryPoint{
			ID:      r.GetId().GetUuid(),
			Payload: fromPayload(r.Payload),
			Score:   r.Score,
		})
	}
	return points, nil
}

// GetPoint retrieves one point with its vector.
func (g *GeometryIndex) GetPoint(ctx context.Context, pointID string) (*GeometryPoint, error) {
	if pointID == "" {
		return nil, fmt.Errorf("point ID is required")
	}

	results, err := g.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: g.collectionName,
		Ids:            pointIDs([]string{pointID}),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
		WithVectors: &qdrant.WithVectorsSelector{
			SelectorOptions: &qdrant.WithVectorsSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get point: %w", err)
	}
	if len(results.Result) == 0 {
		return nil, fmt.Errorf("point %s: %w", pointID, ErrNotFound)
	}

	r := results.Result[0]
	point := &GeometryPoint{ID: pointID, Payload: fromPayload(r.Payload)}
	if vec := r.GetVectors().GetVector(); vec != nil {
		point.Vector = vec.Data
	}
	return point, nil
}

// DeletePoints removes points by id.
func (g *GeometryIndex) DeletePoints(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := g.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: g.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs(ids)},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete %d points: %w", len(ids), err)
	}
	return nil
}

// Stats returns collection statistics
func (g *GeometryIndex) Stats(ctx context.Context) (map[string]interface{}, error) {
	info, err := g.collectionClient.Get(ctx, &qdrant.GetCollectionInfoRequest{
		CollectionName: g.collectionName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}

	return map[string]interface{}{
		"collection_name": g.collectionName,
		"vectors_count":   info.Result.GetVectorsCount(),
		"points_count":    info.Result.GetPointsCount(),
		"indexed_vectors": info.Result.GetIndexedVectorsCount(),
		"status":          info.Result.GetStatus().String(),
	}, nil
}

// Close closes the Qdrant client connection
func (g *GeometryIndex) Close() error {
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}

func pointIDs(ids []string) []*qdrant.PointId {
	out := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		out[i] = &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}
	}
	return out
}

func toPayload(m map[string]interface{}) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case int64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case int:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case float64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		default:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
		}
	}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			out[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			out[k] = val.BoolValue
		}
	}
	return out
}

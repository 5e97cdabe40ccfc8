/**
 * Platform Client for the annotation converter
 *
 * Thin read-only binding of the annotation platform API:
 * - data/getDataAndResult: data units with their annotation results
 * - datasetClass/findByPage: the dataset's ontology classes
 *
 * Every response is wrapped in {code, message, data}; a code other than
 * "OK" is returned as an API_CALL_FAILED error carrying the platform code.
 */

package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
	cerrors "github.com/adverant/nexus/annotation-converter/internal/errors"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
)

const (
	defaultPageSize  = 100
	defaultDataLimit = 5000
)

// PlatformClient queries the annotation platform
type PlatformClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logging.Logger
}

// envelope is the platform's response wrapper.
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// DataAndResult is the payload of data/getDataAndResult.
type DataAndResult struct {
	DatasetID   annotation.FlexID        `json:"datasetId"`
	DatasetName string                   `json:"datasetName"`
	Version     string                   `json:"version"`
	ExportTime  string                   `json:"exportTime"`
	Data        []annotation.DataInfo    `json:"data"`
	Results     []annotation.ResultEntry `json:"results"`
}

// ClassInfo is one ontology class of a dataset.
type ClassInfo struct {
	ID       annotation.FlexID `json:"id"`
	Name     string            `json:"name"`
	ToolType string            `json:"toolType"`
}

type classPage struct {
	PageNo   int         `json:"pageNo"`
	PageSize int         `json:"pageSize"`
	Total    int         `json:"total"`
	List     []ClassInfo `json:"list"`
}

// FetchOptions narrows a dataset query.
type FetchOptions struct {
	DataIDs   []string
	Limit     int  // max data units, default 5000
	DropEmpty bool // drop units without a result
}

// NewPlatformClient creates a new platform client
func NewPlatformClient(baseURL, token string, logger *logging.Logger) *PlatformClient {
	if logger == nil {
		logger = logging.NewLogger("platform")
	}
	return &PlatformClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger,
	}
}

// FetchDataset queries data units and results of a dataset and returns them
// in the same shape the archive reader produces.
func (c *PlatformClient) FetchDataset(ctx context.Context, datasetID string, opts FetchOptions) (*annotation.Dataset, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("dataset ID is required")
	}

	params := url.Values{}
	params.Set("datasetId", datasetID)
	if len(opts.DataIDs) > 0 {
		params.Set("dataIds", strings.Join(opts.DataIDs, ","))
	}

	var payload DataAndResult
	if err := c.get(ctx, "data/getDataAndResult", params, &payload); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultDataLimit
	}
	data := payload.Data
	if len(data) > limit {
		data = data[:limit]
	}

	results := make(map[string][]annotation.ResultEntry, len(payload.Results))
	for _, r := range payload.Results {
		id := string(r.DataID)
		results[id] = append(results[id], r)
	}

	ds := &annotation.Dataset{
		Name:       payload.DatasetName,
		ExportTime: parseExportTime(payload.ExportTime),
	}
	if ds.Name == "" {
		ds.Name = datasetID
	}
	for _, info := range data {
		unit := annotation.NewDataUnit(info)
		entries, ok := results[unit.ID]
		if !ok && opts.DropEmpty {
			continue
		}
		_, objects, sourceType := annotation.MergeResults(entries)
		item := annotation.Item{Unit: unit, HasResult: ok}
		for i, obj := range objects {
			rec := annotation.NewRecord(unit.ID, i, obj)
			if rec.SourceType == "" {
				rec.SourceType = sourceType
			}
			item.Records = append(item.Records, rec)
		}
		ds.Items = append(ds.Items, item)
	}

	c.logger.Info("Dataset fetched", "dataset", datasetID, "name", ds.Name, "items", len(ds.Items), "records", ds.RecordCount())
	return ds, nil
}

// FetchClasses walks every page of the dataset's ontology classes.
func (c *PlatformClient) FetchClasses(ctx context.Context, datasetID string) ([]ClassInfo, error) {
	var classes []ClassInfo
	for pageNo := 1; ; pageNo++ {
		params := url.Values{}
		params.Set("datasetId", datasetID)
		params.Set("pageNo", strconv.Itoa(pageNo))
		params.Set("pageSize", strconv.Itoa(defaultPageSize))

		var page classPage
		if err := c.get(ctx, "datasetClass/findByPage", params, &page); err != nil {
			return nil, err
		}
		classes = append(classes, page.List...)

		if len(page.List) < defaultPageSize || (page.Total > 0 && len(classes) >= page.Total) {
			break
		}
	}
	return classes, nil
}

// ClassNames returns the names of classes.
func ClassNames(classes []ClassInfo) []string {
	names := make([]string, 0, len(classes))
	for _, c := range classes {
		names = append(names, c.Name)
	}
	return names
}

// get performs an authenticated GET and decodes the envelope's data into out.
func (c *PlatformClient) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	full := fmt.Sprintf("%s/api/%s", c.baseURL, endpoint)
	if len(params) > 0 {
		full += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request to %s failed after %v: %w", endpoint, time.Since(startTime), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return cerrors.NewAPICallFailedError(endpoint, strconv.Itoa(resp.StatusCode), string(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", endpoint, err)
	}
	if env.Code != "OK" {
		return cerrors.NewAPICallFailedError(endpoint, env.Code, env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", endpoint, err)
	}

	c.logger.Debug("Platform request completed", "endpoint", endpoint, "duration", time.Since(startTime))
	return nil
}

// parseExportTime accepts RFC 3339, "2006-01-02 15:04:05" or epoch
// milliseconds. Anything else maps to the Unix epoch so output stays
// reproducible.
func parseExportTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Second)
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC().Truncate(time.Second)
	}
	return time.Unix(0, 0).UTC()
}

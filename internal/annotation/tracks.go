/**
 * Track naming and attribute ordering
 *
 * Fills missing track names per class so standard json output always
 * carries one.
 */

package annotation

import (
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// trackNamespace seeds deterministic track ids so repeated imports of the
// same input produce the same ids.
var trackNamespace = uuid.MustParse("6f1c3c52-8c1e-4c83-9a5b-2f0a43e1d7b4")

// FillTracks assigns a track name to every record without one, using the
// smallest positive integer not already taken in the dataset, and a track id
// derived from the dataset name and the record position. Records whose class
// name is empty take the "null" fallback already applied at ingestion.
// It returns the number of records changed.
func FillTracks(ds *Dataset) int {
	taken := make(map[string]bool)
	for _, it := range ds.Items {
		for _, r := range it.Records {
			if r.TrackName != "" {
				taken[r.TrackName] = true
			}
		}
	}

	next := 1
	changed := 0
	for i := range ds.Items {
		for j := range ds.Items[i].Records {
			r := &ds.Items[i].Records[j]
			touched := false
			if r.TrackName == "" {
				for taken[strconv.Itoa(next)] {
					next++
				}
				r.TrackName = strconv.Itoa(next)
				taken[r.TrackName] = true
				touched = true
			}
			if r.TrackID == "" {
				r.TrackID = uuid.NewSHA1(trackNamespace, []byte(ds.Name+"/"+r.Ref())).String()
				touched = true
			}
			if touched {
				changed++
			}
		}
	}
	return changed
}

// SortedAttributeNames returns the attribute keys in lexical order.
func SortedAttributeNames(attrs map[string]interface{}) []string {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

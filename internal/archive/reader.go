/**
 * Export archive reader
 *
 * Unpacks a platform export archive and joins its data manifests with the
 * result files that reference them. Any unreadable entry aborts the read:
 * category and identifier tables are only trustworthy over a complete input.
 */

package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
	cerrors "github.com/adverant/nexus/annotation-converter/internal/errors"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
)

const (
	dataDir   = "data"
	resultDir = "result"
)

// ReaderConfig holds reader settings
type ReaderConfig struct {
	DropEmpty    bool  // drop data units that no result references
	MaxEntrySize int64 // per-entry uncompressed size limit, 0 for none
	Logger       *logging.Logger
}

// Reader reads export archives
type Reader struct {
	dropEmpty    bool
	maxEntrySize int64
	logger       *logging.Logger
}

// Extraction describes the files written by Extract.
type Extraction struct {
	Root      string
	Entries   []string  // slash-separated entry names, archive order
	LatestMod time.Time // newest entry modification time, UTC
}

// NewReader creates a new archive reader
func NewReader(cfg ReaderConfig) *Reader {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("archive")
	}
	return &Reader{
		dropEmpty:    cfg.DropEmpty,
		maxEntrySize: cfg.MaxEntrySize,
		logger:       logger,
	}
}

// DatasetName derives the dataset name from an export archive file name:
// the stem without its trailing "-<suffix>" segment, or the whole stem when
// there is no dash.
func DatasetName(archivePath string) string {
	base := filepath.Base(archivePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if i := strings.LastIndex(stem, "-"); i > 0 {
		return stem[:i]
	}
	return stem
}

// EnsureEmpty creates dir if missing and fails when it already has entries.
func EnsureEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return cerrors.NewSerializationError(dir, err)
		}
		return nil
	}
	if err != nil {
		return cerrors.NewSerializationError(dir, err)
	}
	if len(entries) > 0 {
		return cerrors.NewDestinationNotEmptyError(dir, len(entries))
	}
	return nil
}

// ClearDir removes every entry of dir, leaving dir itself in place.
func ClearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Read extracts archivePath into dest and loads the dataset from it.
// dest must be empty or absent.
func (r *Reader) Read(ctx context.Context, archivePath, dest string) (*annotation.Dataset, error) {
	if err := EnsureEmpty(dest); err != nil {
		return nil, err
	}
	ext, err := r.Extract(ctx, archivePath, dest)
	if err != nil {
		return nil, err
	}
	ds, err := r.Load(dest)
	if err != nil {
		return nil, err
	}
	ds.Name = DatasetName(archivePath)
	ds.ExportTime = ext.LatestMod
	return ds, nil
}

// Extract writes every archive entry below dest.
func (r *Reader) Extract(ctx context.Context, archivePath, dest string) (*Extraction, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, cerrors.NewArchiveCorruptError(filepath.Base(archivePath), err)
	}
	defer zr.Close()

	ext := &Extraction{Root: dest}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name, err := safeEntryName(f.Name)
		if err != nil {
			return nil, cerrors.NewArchiveCorruptError(f.Name, err)
		}
		if name == "" {
			continue
		}

		target := filepath.Join(dest, filepath.FromSlash(name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, cerrors.NewSerializationError(target, err)
			}
			continue
		}

		if err := r.extractFile(f, target); err != nil {
			return nil, err
		}

		ext.Entries = append(ext.Entries, name)
		if mod := f.Modified.UTC().Truncate(time.Second); mod.After(ext.LatestMod) {
			ext.LatestMod = mod
		}
	}

	r.logger.Debug("Archive extracted", "archive", archivePath, "entries", len(ext.Entries))
	return ext, nil
}

func (r *Reader) extractFile(f *zip.File, target string) error {
	if r.maxEntrySize > 0 && f.UncompressedSize64 > uint64(r.maxEntrySize) {
		return cerrors.NewArchiveCorruptError(f.Name, fmt.Errorf("entry size %d exceeds limit %d", f.UncompressedSize64, r.maxEntrySize))
	}

	rc, err := f.Open()
	if err != nil {
		return cerrors.NewArchiveCorruptError(f.Name, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return cerrors.NewSerializationError(target, err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return cerrors.NewSerializationError(target, err)
	}

	var src io.Reader = rc
	if r.maxEntrySize > 0 {
		src = io.LimitReader(rc, r.maxEntrySize+1)
	}
	n, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr != nil {
		return cerrors.NewArchiveCorruptError(f.Name, copyErr)
	}
	if closeErr != nil {
		return cerrors.NewSerializationError(target, closeErr)
	}
	if r.maxEntrySize > 0 && n > r.maxEntrySize {
		return cerrors.NewArchiveCorruptError(f.Name, fmt.Errorf("entry exceeds limit %d", r.maxEntrySize))
	}
	return nil
}

// safeEntryName cleans an entry name and rejects names escaping the root.
func safeEntryName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute entry path")
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("entry path escapes archive root")
	}
	return clean, nil
}

// Load joins data manifests and result files found below root.
// Items follow the lexical order of their data manifest paths.
func (r *Reader) Load(root string) (*annotation.Dataset, error) {
	var dataFiles, resultFiles, media []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.EqualFold(path.Ext(rel), ".json") {
			media = append(media, rel)
			return nil
		}
		switch path.Base(path.Dir(rel)) {
		case dataDir:
			dataFiles = append(dataFiles, rel)
		case resultDir:
			resultFiles = append(resultFiles, rel)
		}
		return nil
	})
	if err != nil {
		return nil, cerrors.NewArchiveCorruptError(root, err)
	}

	results := make(map[string][]annotation.Object)
	resultSource := make(map[string]string)
	resultEntry := make(map[string]string)
	var resultOrder []string
	for _, rel := range resultFiles {
		raw, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, cerrors.NewArchiveCorruptError(rel, err)
		}
		entries, err := annotation.DecodeResultFile(raw)
		if err != nil {
			return nil, cerrors.NewArchiveCorruptError(rel, err)
		}
		dataID, objects, sourceType := annotation.MergeResults(entries)
		if dataID == "" {
			return nil, cerrors.NewArchiveCorruptError(rel, fmt.Errorf("result has no dataId"))
		}
		if _, seen := results[dataID]; !seen {
			resultOrder = append(resultOrder, dataID)
			resultEntry[dataID] = rel
			results[dataID] = []annotation.Object{}
		}
		results[dataID] = append(results[dataID], objects...)
		if resultSource[dataID] == "" {
			resultSource[dataID] = sourceType
		}
	}

	ds := &annotation.Dataset{MediaPaths: media}
	claimed := make(map[string]bool, len(results))
	for _, rel := range dataFiles {
		raw, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, cerrors.NewArchiveCorruptError(rel, err)
		}
		var info annotation.DataInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, cerrors.NewArchiveCorruptError(rel, err)
		}
		if info.Key() == "" {
			return nil, cerrors.NewArchiveCorruptError(rel, fmt.Errorf("data manifest has no id"))
		}

		unit := annotation.NewDataUnit(info)
		if unit.Name == "" {
			unit.Name = strings.TrimSuffix(path.Base(rel), path.Ext(rel))
		}
		if unit.FileName == "" {
			unit.FileName = unit.Name
		}
		objects, ok := results[unit.ID]
		if !ok && r.dropEmpty {
			continue
		}
		claimed[unit.ID] = true

		item := annotation.Item{Unit: unit, HasResult: ok}
		for i, obj := range objects {
			rec := annotation.NewRecord(unit.ID, i, obj)
			if rec.SourceType == "" {
				rec.SourceType = resultSource[unit.ID]
			}
			item.Records = append(item.Records, rec)
		}
		ds.Items = append(ds.Items, item)
	}

	for _, id := range resultOrder {
		if !claimed[id] {
			return nil, cerrors.NewArchiveCorruptError(resultEntry[id], fmt.Errorf("result references unknown data %s", id))
		}
	}

	sort.Strings(ds.MediaPaths)
	r.logger.Info("Dataset loaded", "items", len(ds.Items), "records", ds.RecordCount(), "media", len(ds.MediaPaths))
	return ds, nil
}

// FindFiles lists files below root with one of the given extensions, in lexical order.
func FindFiles(root string, exts ...string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		for _, e := range exts {
			if ext == e {
				out = append(out, p)
				break
			}
		}
		return nil
	})
	return out, err
}

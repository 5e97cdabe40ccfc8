/**
 * Atomic document writes
 *
 * Files and directories appear complete or not at all.
 */

package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	cerrors "github.com/adverant/nexus/annotation-converter/internal/errors"
)

// Encode renders v as deterministic, one-space indented JSON without HTML escaping.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", " ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteJSON writes v to path through a temporary file in the same directory,
// so path either holds the complete document or does not exist.
func WriteJSON(path string, v interface{}) error {
	data, err := Encode(v)
	if err != nil {
		return cerrors.NewSerializationError(path, err)
	}
	if err := writeAtomic(path, data); err != nil {
		return cerrors.NewSerializationError(path, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// NamedDocument is one file of a multi-file output.
type NamedDocument struct {
	Name string // file name relative to the output directory
	Doc  interface{}
	Raw  []byte // written as-is when set; Doc is ignored
}

// WriteDir writes docs into a staging directory next to dir and renames it
// into place. dir must not exist yet.
func WriteDir(dir string, docs []NamedDocument) error {
	if _, err := os.Stat(dir); err == nil {
		return cerrors.NewSerializationError(dir, fmt.Errorf("output directory already exists"))
	}

	staging, err := os.MkdirTemp(filepath.Dir(dir), "."+filepath.Base(dir)+".*.tmp")
	if err != nil {
		return cerrors.NewSerializationError(dir, err)
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		os.RemoveAll(staging)
		return cerrors.NewSerializationError(dir, err)
	}
	for _, d := range docs {
		target := filepath.Join(staging, d.Name)
		data, err := d.Raw, error(nil)
		if data == nil {
			data, err = Encode(d.Doc)
		}
		if err != nil {
			os.RemoveAll(staging)
			return cerrors.NewSerializationError(filepath.Join(dir, d.Name), err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			os.RemoveAll(staging)
			return cerrors.NewSerializationError(filepath.Join(dir, d.Name), err)
		}
	}
	if err := os.Rename(staging, dir); err != nil {
		os.RemoveAll(staging)
		return cerrors.NewSerializationError(dir, err)
	}
	return nil
}

package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Artifacts writes tool outputs under one directory.
type Artifacts struct {
	dir string
}

// NewArtifacts creates the directory if needed. An empty dir uses
// storage/artifacts under the working directory.
func NewArtifacts(dir string) (*Artifacts, error) {
	if dir == "" {
		dir = filepath.Join("storage", "artifacts")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("tools: artifacts dir: %w", err)
	}
	return &Artifacts{dir: dir}, nil
}

// Dir returns the artifact root.
func (a *Artifacts) Dir() string { return a.dir }

func (a *Artifacts) name(prefix, ext string) string {
	return fmt.Sprintf("%s-%s.%s", prefix, uuid.NewString()[:8], strings.TrimPrefix(ext, "."))
}

// SaveBytes writes data to "<prefix>-<rand>.<ext>" and returns the path.
func (a *Artifacts) SaveBytes(prefix, ext string, data []byte) (string, error) {
	path := filepath.Join(a.dir, a.name(prefix, ext))
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", Fail("ArtifactError", "write %s: %v", filepath.Base(path), err)
	}
	return path, nil
}

// SaveJSON writes payload with a _saved_at stamp.
func (a *Artifacts) SaveJSON(prefix string, payload map[string]any) (string, error) {
	doc := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		doc[k] = v
	}
	doc["_saved_at"] = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", Fail("ArtifactError", "encode %s: %v", prefix, err)
	}
	return a.SaveBytes(prefix, "json", data)
}

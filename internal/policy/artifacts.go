// Package policy decides which artifact writes a chain stage may perform.
package policy

import (
	"context"
	"fmt"
	"path"
	"strings"
)

var defaultExtensions = []string{".json", ".gltf", ".csv"}

// Engine confines every stage to its own job directory and to a fixed set of
// artifact file types.
type Engine struct {
	extensions map[string]bool
}

func New(extensions []string) *Engine {
	if len(extensions) == 0 {
		extensions = defaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	return &Engine{extensions: allowed}
}

// CanWrite reports whether stage may write targetPath for jobID. targetPath
// is slash separated and relative to the artifact root.
func (e *Engine) CanWrite(_ context.Context, jobID string, stage string, targetPath string) (bool, string, error) {
	if jobID == "" {
		return false, "missing job id", nil
	}
	if !strings.HasPrefix(targetPath, jobID+"/") {
		return false, fmt.Sprintf("stage %s may only write under %s/", stage, jobID), nil
	}
	ext := strings.ToLower(path.Ext(targetPath))
	if !e.extensions[ext] {
		return false, fmt.Sprintf("artifact type %q is not allowed", ext), nil
	}
	return true, "allowed", nil
}

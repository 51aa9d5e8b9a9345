// Package fs writes stage artifacts below a single root directory.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"genflow/internal/domain"
)

var ErrForbiddenArtifact = errors.New("artifact write is forbidden by policy")

type Policy interface {
	CanWrite(ctx context.Context, jobID string, stage string, targetPath string) (bool, string, error)
}

type ArtifactLogger interface {
	LogArtifact(ctx context.Context, entry domain.ArtifactLog) error
}

type Gateway struct {
	root   string
	policy Policy
	logger ArtifactLogger
}

func NewGateway(root string, policy Policy, logger ArtifactLogger) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Gateway{
		root:   absRoot,
		policy: policy,
		logger: logger,
	}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

// WriteFile stores content at relPath and returns the normalized relative path.
// Every attempt, allowed or not, lands in the artifact log.
func (g *Gateway) WriteFile(ctx context.Context, jobID string, stage string, relPath string, content []byte) (string, error) {
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		g.record(ctx, domain.ArtifactLog{JobID: jobID, Stage: stage, Path: relPath, Reason: err.Error()})
		return "", err
	}

	allowed, reason, err := g.policy.CanWrite(ctx, jobID, stage, normalized)
	if err != nil {
		return "", fmt.Errorf("policy check write artifact: %w", err)
	}
	if !allowed {
		g.record(ctx, domain.ArtifactLog{JobID: jobID, Stage: stage, Path: normalized, Reason: reason})
		return "", fmt.Errorf("%w: %s", ErrForbiddenArtifact, reason)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("create artifact directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	if err := g.logger.LogArtifact(ctx, domain.ArtifactLog{
		JobID:   jobID,
		Stage:   stage,
		Path:    normalized,
		Allowed: true,
		Reason:  "written",
	}); err != nil {
		return "", fmt.Errorf("log artifact write: %w", err)
	}
	return normalized, nil
}

func (g *Gateway) record(ctx context.Context, entry domain.ArtifactLog) {
	_ = g.logger.LogArtifact(ctx, entry)
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid artifact path %q", relPath)
	}

	absClean := filepath.Clean(filepath.Join(g.root, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(filepath.Clean(g.root), absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve artifact path: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("artifact path escapes root: %q", relPath)
	}
	return absClean, filepath.ToSlash(rel), nil
}

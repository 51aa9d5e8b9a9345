package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"strconv"

	"genflow/internal/domain"
)

const (
	StageRender  = "render"
	StageMassing = "massing"
	StageExport  = "export"
)

// ArtifactWriter persists a stage artifact and returns its relative path.
type ArtifactWriter interface {
	WriteFile(ctx context.Context, jobID string, stage string, relPath string, content []byte) (string, error)
}

// Canonical returns render -> massing -> export.
func Canonical(artifacts ArtifactWriter) []Stage {
	return []Stage{
		{Name: StageRender, Run: Render},
		{Name: StageMassing, Run: Massing},
		{Name: StageExport, Run: Export(artifacts)},
	}
}

func Render(ctx context.Context, _ string, in domain.Payload) (domain.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := clonePayload(in)
	out["rendered"] = true
	return out, nil
}

// Massing marks the payload massed and, when the payload carries a building
// program, adds the bounding box of a simple extruded mass.
func Massing(ctx context.Context, _ string, in domain.Payload) (domain.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := clonePayload(in)
	out["massing"] = true
	if program, ok := in["program"].(map[string]any); ok {
		w, d, h := massingBox(program)
		out["box"] = map[string]any{
			"width_m":  round2(w),
			"depth_m":  round2(d),
			"height_m": round2(h),
		}
	}
	return out, nil
}

func Export(artifacts ArtifactWriter) StageFunc {
	return func(ctx context.Context, jobID string, in domain.Payload) (domain.Payload, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := clonePayload(in)
		out["exported"] = true
		if artifacts == nil {
			return out, nil
		}

		manifest, err := json.MarshalIndent(in, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode export manifest: %w", err)
		}
		rel, err := artifacts.WriteFile(ctx, jobID, StageExport, path.Join(jobID, "export.json"), manifest)
		if err != nil {
			return nil, err
		}
		out["artifact"] = rel
		return out, nil
	}
}

func massingBox(program map[string]any) (width, depth, height float64) {
	gfa := number(program["grossFloorArea_m2"])
	floors := int(number(program["floorsAbove"]))
	if floors < 1 {
		floors = 1
	}
	height = float64(floors) * 3.0
	area := 400.0
	if gfa > 0 {
		area = gfa / float64(floors)
	}
	// 10% allowance for cores.
	width = math.Sqrt(area) * 1.10
	return width, width, height
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clonePayload(in domain.Payload) domain.Payload {
	out := make(domain.Payload, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Select picks stages by name, in the order given.
func Select(available []Stage, names []string) ([]Stage, error) {
	byName := make(map[string]Stage, len(available))
	for _, s := range available {
		byName[s.Name] = s
	}
	out := make([]Stage, 0, len(names))
	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown stage %q", domain.ErrInvalidInput, name)
		}
		out = append(out, s)
	}
	return out, nil
}

package agent

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"genflow/internal/domain"
)

const labelSeparator = "_"

// Merge folds proposals into one candidate. Later proposals overwrite earlier
// ones per key; the label lists key:value pairs in first-insertion order.
func Merge(proposals []domain.Proposal) domain.Candidate {
	meta := make(map[string]string)
	order := make([]string, 0)
	for _, p := range proposals {
		for _, key := range proposalKeys(p) {
			if _, seen := meta[key]; !seen {
				order = append(order, key)
			}
			meta[key] = p.Data[key]
		}
	}

	parts := make([]string, 0, len(order))
	for _, key := range order {
		parts = append(parts, key+":"+meta[key])
	}
	return domain.Candidate{
		ID:       uuid.NewString(),
		Label:    strings.Join(parts, labelSeparator),
		Metadata: meta,
	}
}

func proposalKeys(p domain.Proposal) []string {
	keys := make([]string, 0, len(p.Data))
	listed := make(map[string]bool, len(p.Keys))
	for _, k := range p.Keys {
		if _, ok := p.Data[k]; !ok || listed[k] {
			continue
		}
		listed[k] = true
		keys = append(keys, k)
	}
	rest := make([]string, 0)
	for k := range p.Data {
		if !listed[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

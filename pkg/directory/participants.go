package directory

import (
	"sort"
	"strings"
)

// NormalizeParticipants returns the distinct non-empty ids in ascending order.
func NormalizeParticipants(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ParticipantKey identifies a room by its unordered participant set.
func ParticipantKey(ids []string) string {
	return strings.Join(NormalizeParticipants(ids), ",")
}

func validateParticipants(ids []string) ([]string, error) {
	normalized := NormalizeParticipants(ids)
	if len(normalized) < 2 {
		return nil, ErrTooFewParticipants
	}
	return normalized, nil
}

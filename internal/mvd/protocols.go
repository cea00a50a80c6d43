package mvd

import (
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

var fullProtocols = []string{
	"proto_morning_light",
	"proto_hydration",
	"proto_breathwork",
	"proto_gentle_walk",
}

// ProtocolSets is the fixed allow-list per MVD type.
var ProtocolSets = map[models.MVDType][]string{
	models.MVDTypeFull: fullProtocols,
	models.MVDTypeSemiActive: append(append([]string{}, fullProtocols...),
		"proto_movement_snack",
		"proto_focus_block",
		"proto_evening_winddown",
	),
	models.MVDTypeTravel: {
		"proto_morning_light",
		"proto_hydration",
		"proto_breathwork",
		"proto_light_exposure_shift",
		"proto_sleep_anchor",
	},
}

// IsProtocolApprovedForMVD reports whether a protocol may run under the MVD
// type. Everything is approved when MVD is inactive. Ids are compared after
// normalization, and alias ids match when one contains the other.
func IsProtocolApprovedForMVD(protocolID string, t models.MVDType) bool {
	if t == models.MVDTypeNone {
		return true
	}
	id := normalizeID(protocolID)
	if id == "" {
		return false
	}
	for _, allowed := range ProtocolSets[t] {
		a := normalizeID(allowed)
		if strings.Contains(id, a) || strings.Contains(a, id) {
			return true
		}
	}
	return false
}

// FilterEligible keeps the candidates approved for the active MVD type.
func FilterEligible(candidates []models.NudgeCandidate, state *models.MVDState) []models.NudgeCandidate {
	t := state.ActiveType()
	if t == models.MVDTypeNone {
		return candidates
	}
	out := make([]models.NudgeCandidate, 0, len(candidates))
	for _, c := range candidates {
		if IsProtocolApprovedForMVD(c.ProtocolID, t) {
			out = append(out, c)
		}
	}
	return out
}

func normalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.NewReplacer("-", "_", " ", "_").Replace(id)
}

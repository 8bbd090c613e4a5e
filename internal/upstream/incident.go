package upstream

import (
	"encoding/json"
	"regexp"
)

// The marketplace embeds an incident identifier in its block page, either as
// a JSON field or as a query parameter in the challenge redirect markup.
var incidentRe = regexp.MustCompile(`incident[_-]?id=([A-Za-z0-9-]+)`)

// ExtractIncidentID pulls the vendor incident identifier out of a 403 body.
// Returns "" when the body carries none (ordinary 403).
func ExtractIncidentID(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var payload struct {
		IncidentID      string `json:"incidentId"`
		IncidentIDSnake string `json:"incident_id"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.IncidentID != "" {
			return payload.IncidentID
		}
		if payload.IncidentIDSnake != "" {
			return payload.IncidentIDSnake
		}
	}

	if m := incidentRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

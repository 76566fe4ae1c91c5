package transformer

import "github.com/mcowger/plexus/internal/unified"

// warnDropped builds the structured warning emitted when an incoming
// feature has no target-dialect equivalent.
func warnDropped(kind, message string) unified.Warning {
	return unified.Warning{Type: kind, Message: message}
}

// textOf concatenates the text of every Part with Type == PartText, the
// shape dialects that only support a flat string body need.
func textOf(parts []unified.Part) string {
	out := ""
	for _, p := range parts {
		if p.Type == unified.PartText {
			out += p.Text
		}
	}
	return out
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptrIntVal(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func ptrFloatVal(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

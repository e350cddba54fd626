package model

import (
	"regexp"
	"strings"
)

// defaultTagColor is used for unrecognised or absent color values.
const defaultTagColor = "#6b7280"

// namedTagColors maps the upstream's fixed color vocabulary to hex values.
var namedTagColors = map[string]string{
	"basic":  "#6b7280",
	"red":    "#ef4444",
	"orange": "#f97316",
	"yellow": "#eab308",
	"green":  "#22c55e",
	"blue":   "#3b82f6",
	"indigo": "#6366f1",
	"purple": "#a855f7",
	"pink":   "#ec4899",
	"gray":   "#6b7280",
	"grey":   "#6b7280",
}

var hexColorPattern = regexp.MustCompile(`^#?[0-9a-fA-F]{6}$`)

// NormalizeTagColors returns a copy of tags with every color value resolved
// to a hex code: 6-hex-digit values pass through unchanged, named colors are
// looked up case-insensitively, everything else falls back to gray. Tag order
// is preserved and the input slice is not modified.
func NormalizeTagColors(tags []Tag) []Tag {
	if tags == nil {
		return nil
	}
	out := make([]Tag, len(tags))
	for i, t := range tags {
		t.Color = normalizeTagColor(t.Color)
		out[i] = t
	}
	return out
}

func normalizeTagColor(color string) string {
	if hexColorPattern.MatchString(color) {
		return color
	}
	if hex, ok := namedTagColors[strings.ToLower(color)]; ok {
		return hex
	}
	return defaultTagColor
}

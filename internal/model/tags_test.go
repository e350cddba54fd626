package model

import "testing"

func TestNormalizeTagColors_MixedInput(t *testing.T) {
	in := []Tag{
		{ID: 1, Name: "Service", Color: "red"},
		{ID: 2, Name: "Custom", Color: "#112233"},
		{ID: 3, Name: "Odd", Color: "unknown"},
	}

	got := NormalizeTagColors(in)

	want := []string{"#ef4444", "#112233", "#6b7280"}
	if len(got) != len(want) {
		t.Fatalf("got %d tags, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Color != w {
			t.Errorf("tag %d: color = %q, want %q", i, got[i].Color, w)
		}
	}

	// Order and non-color fields must be preserved.
	if got[0].Name != "Service" || got[2].ID != 3 {
		t.Error("tag order or fields not preserved")
	}

	// Input must not be mutated.
	if in[0].Color != "red" {
		t.Errorf("input mutated: %q", in[0].Color)
	}
}

func TestNormalizeTagColors_CaseInsensitiveNames(t *testing.T) {
	got := NormalizeTagColors([]Tag{{Color: "Blue"}, {Color: "GREY"}})
	if got[0].Color != "#3b82f6" {
		t.Errorf("Blue = %q, want #3b82f6", got[0].Color)
	}
	if got[1].Color != "#6b7280" {
		t.Errorf("GREY = %q, want #6b7280", got[1].Color)
	}
}

func TestNormalizeTagColors_HexPassthrough(t *testing.T) {
	for _, c := range []string{"#AaBbCc", "aabbcc"} {
		got := NormalizeTagColors([]Tag{{Color: c}})
		if got[0].Color != c {
			t.Errorf("hex %q rewritten to %q", c, got[0].Color)
		}
	}
}

func TestNormalizeTagColors_EmptyColorDefaultsToGray(t *testing.T) {
	got := NormalizeTagColors([]Tag{{Name: "no color"}})
	if got[0].Color != defaultTagColor {
		t.Errorf("empty color = %q, want %q", got[0].Color, defaultTagColor)
	}
}

func TestNormalizeTagColors_NilInput(t *testing.T) {
	if got := NormalizeTagColors(nil); got != nil {
		t.Errorf("NormalizeTagColors(nil) = %v, want nil", got)
	}
}

func TestImageRefMatches(t *testing.T) {
	ref := &ImageRef{URL: "https://ct.example.com/files/42", Name: "flyer.jpg"}

	if !ref.Matches("https://ct.example.com/files/42", "flyer.jpg") {
		t.Error("identical url/name should match")
	}
	if ref.Matches("https://ct.example.com/files/43", "flyer.jpg") {
		t.Error("different url should not match")
	}
	if ref.Matches("https://ct.example.com/files/42", "flyer-v2.jpg") {
		t.Error("different name should not match")
	}

	var nilRef *ImageRef
	if nilRef.Matches("x", "y") {
		t.Error("nil ref should never match")
	}
}

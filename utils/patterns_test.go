package utils

import "testing"

func TestShouldInclude(t *testing.T) {
	filter := NewPathFilter(nil, nil)
	if !filter.ShouldInclude("file.txt") {
		t.Fatal("expected include by default")
	}
	filter = NewPathFilter(nil, []string{"TXT", ".env"})
	if !filter.ShouldInclude("/srv/notes.txt") || !filter.ShouldInclude("/srv/.config/app.env") {
		t.Fatal("should include listed extensions")
	}
	if filter.ShouldInclude("/srv/photo.jpg") {
		t.Fatal("should not include unlisted extension")
	}
	filter = NewPathFilter([]string{"node_modules"}, nil)
	if filter.ShouldInclude("/repo/node_modules/pkg/index.js") {
		t.Fatal("should exclude matching substring")
	}
	if !filter.ShouldInclude("/repo/src/index.js") {
		t.Fatal("should include when exclude does not match")
	}
}

func TestExcludeIsPlainSubstring(t *testing.T) {
	filter := NewPathFilter([]string{"tmp"}, nil)
	if !filter.Excluded("/home/tmpfiles/a.txt") {
		t.Fatal("substring exclude should also match partial segments")
	}
	var nilFilter *PathFilter
	if nilFilter.Excluded("/tmp") || !nilFilter.ExtensionAllowed("/a.bin") {
		t.Fatal("nil filter must allow everything")
	}
}

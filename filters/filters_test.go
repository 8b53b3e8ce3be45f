package filters

import (
	"testing"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
)

func records() []metadata.Record {
	entries := []metadata.Entry{
		{ID: 1, Path: "/DOCS", Info: metadata.FileEntryInfo{Attributes: metadata.AttrDirectory}},
		{ID: 2, Path: "/DOCS/REPORT.TXT", Info: metadata.FileEntryInfo{Attributes: metadata.AttrFile, Length: 120}},
		{ID: 3, Path: "/DOCS/OLD.TXT", Info: metadata.FileEntryInfo{Attributes: metadata.AttrFile | metadata.AttrDeleted, Length: 40}},
		{ID: 4, Path: "/BOOT.BIN", Info: metadata.FileEntryInfo{Attributes: metadata.AttrFile, Length: 4096}},
	}
	var out []metadata.Record
	for _, entry := range entries {
		out = append(out, entry)
	}
	return out
}

func ids(records []metadata.Record) []int {
	var out []int
	for _, record := range records {
		out = append(out, record.GetID())
	}
	return out
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for idx := range a {
		if a[idx] != b[idx] {
			return false
		}
	}
	return true
}

func TestFilters(t *testing.T) {
	cases := []struct {
		name    string
		filters []Filter
		want    []int
	}{
		{"extension", []Filter{ExtensionsFilter{Extensions: []string{"txt"}}}, []int{2, 3}},
		{"path", []Filter{PathFilter{NamePath: "/docs"}}, []int{1, 2, 3}},
		{"name", []Filter{NameFilter{Filenames: []string{"boot.bin"}}}, []int{4}},
		{"live files", []Filter{DeletedFilter{}, FoldersFilter{}}, []int{2, 4}},
		{"deleted", []Filter{DeletedFilter{Include: true}}, []int{3}},
		{"size", []Filter{SizeFilter{Min: 100, Max: 1000}}, []int{2}},
		{"prefix without suffix", []Filter{PrefixesSuffixesFilter{Prefixes: []string{"RE"}}}, []int{2}},
		{"prefix and suffix", []Filter{PrefixesSuffixesFilter{Prefixes: []string{"B"}, Suffixes: []string{".BIN"}}}, []int{4}},
	}
	for _, tc := range cases {
		if got := ids(Apply(records(), tc.filters...)); !equal(got, tc.want) {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

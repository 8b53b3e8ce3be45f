// Package filters narrows walked records before they are listed, exported
// or reported.
package filters

import (
	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/utils"
)

type Filter interface {
	Execute(records []metadata.Record) []metadata.Record
}

type NameFilter struct {
	Filenames []string
}

func (nameFilter NameFilter) Execute(records []metadata.Record) []metadata.Record {
	return metadata.FilterByNames(records, nameFilter.Filenames)
}

type PathFilter struct {
	NamePath string
}

func (pathFilter PathFilter) Execute(records []metadata.Record) []metadata.Record {
	return metadata.FilterByPath(records, pathFilter.NamePath)
}

type ExtensionsFilter struct {
	Extensions []string
}

func (extensionsFilter ExtensionsFilter) Execute(records []metadata.Record) []metadata.Record {
	return metadata.FilterByExtensions(records, extensionsFilter.Extensions)
}

// DeletedFilter keeps only deleted entries when Include is set, and only live
// ones otherwise.
type DeletedFilter struct {
	Include bool
}

func (deletedFilter DeletedFilter) Execute(records []metadata.Record) []metadata.Record {
	return metadata.FilterDeleted(records, deletedFilter.Include)
}

type FoldersFilter struct {
	Include bool
}

func (foldersFilter FoldersFilter) Execute(records []metadata.Record) []metadata.Record {
	if !foldersFilter.Include {
		return metadata.FilterOutFolders(records)
	}
	return records
}

// SizeFilter keeps files whose logical size lies in [Min, Max]; a zero Max
// means no upper bound.
type SizeFilter struct {
	Min int64
	Max int64
}

func (sizeFilter SizeFilter) Execute(records []metadata.Record) []metadata.Record {
	return utils.Filter(records, func(record metadata.Record) bool {
		size := record.GetLogicalFileSize()
		return size >= sizeFilter.Min && (sizeFilter.Max == 0 || size <= sizeFilter.Max)
	})
}

// PrefixesSuffixesFilter pairs Prefixes and Suffixes by index; a missing
// suffix matches anything.
type PrefixesSuffixesFilter struct {
	Prefixes []string
	Suffixes []string
}

func (prefSufFilter PrefixesSuffixesFilter) Execute(records []metadata.Record) []metadata.Record {
	for idx, prefix := range prefSufFilter.Prefixes {
		suffix := ""
		if idx < len(prefSufFilter.Suffixes) {
			suffix = prefSufFilter.Suffixes[idx]
		}
		records = metadata.FilterByPrefixSuffix(records, prefix, suffix)
	}

	return records

}

// Apply runs every filter in order.
func Apply(records []metadata.Record, filters ...Filter) []metadata.Record {
	for _, filter := range filters {
		records = filter.Execute(records)
	}
	return records
}

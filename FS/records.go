package metadata

import (
	"path"
	"strings"

	"github.com/aarsakian/MediaImageForensics/utils"
)

// Record is a walked filesystem entry as seen by filters and exporters.
type Record interface {
	HasFilenameExtension(string) bool
	HasFilenames([]string) bool
	HasPath(string) bool
	HasParent() bool
	HasSuffix(string) bool
	HasPrefix(string) bool
	IsDeleted() bool
	IsFolder() bool
	GetFname() string
	GetPath() string
	GetID() int
	GetLogicalFileSize() int64
	GetInfo() FileEntryInfo
}

// Entry is the Record produced by path walks.
type Entry struct {
	ID       int
	Path     string
	Info     FileEntryInfo
	ParentID int
}

func (entry Entry) GetFname() string {
	return path.Base(entry.Path)
}

func (entry Entry) GetPath() string {
	return entry.Path
}

func (entry Entry) GetID() int {
	return entry.ID
}

func (entry Entry) GetInfo() FileEntryInfo {
	return entry.Info
}

func (entry Entry) GetLogicalFileSize() int64 {
	return entry.Info.Length
}

func (entry Entry) IsFolder() bool {
	return entry.Info.IsDir()
}

func (entry Entry) IsDeleted() bool {
	return entry.Info.Attributes.Has(AttrDeleted)
}

func (entry Entry) HasParent() bool {
	return entry.Path != "/"
}

func (entry Entry) HasFilenameExtension(extension string) bool {
	return strings.EqualFold(strings.TrimPrefix(path.Ext(entry.Path), "."), strings.TrimPrefix(extension, "."))
}

func (entry Entry) HasFilenames(filenames []string) bool {
	name := entry.GetFname()
	for _, filename := range filenames {
		if strings.EqualFold(name, filename) {
			return true
		}
	}
	return false
}

// HasPath matches entries at or below filespath.
func (entry Entry) HasPath(filespath string) bool {
	prefix := strings.ToUpper(JoinPath(SplitPath(filespath)...))
	current := strings.ToUpper(entry.Path)
	return current == prefix || strings.HasPrefix(current, strings.TrimSuffix(prefix, "/")+"/")
}

func (entry Entry) HasPrefix(prefix string) bool {
	return strings.HasPrefix(strings.ToUpper(entry.GetFname()), strings.ToUpper(prefix))
}

func (entry Entry) HasSuffix(suffix string) bool {
	return strings.HasSuffix(strings.ToUpper(entry.GetFname()), strings.ToUpper(suffix))
}

func FilterByExtensions(records []Record, extensions []string) []Record {
	var filteredRecords []Record
	for _, extension := range extensions {
		filteredRecords = append(filteredRecords, FilterByExtension(records, extension)...)
	}
	return filteredRecords
}

func FilterByExtension(records []Record, extension string) []Record {
	return utils.Filter(records, func(record Record) bool {
		return record.HasFilenameExtension(extension)
	})
}

func FilterByNames(records []Record, filenames []string) []Record {
	return utils.Filter(records, func(record Record) bool {
		return record.HasFilenames(filenames)
	})
}

func FilterByPath(records []Record, filespath string) []Record {
	return utils.Filter(records, func(record Record) bool {
		return record.HasPath(filespath)
	})
}

func FilterByPrefixSuffix(records []Record, prefix string, suffix string) []Record {
	return utils.Filter(records, func(record Record) bool {
		return record.HasPrefix(prefix) && record.HasSuffix(suffix)
	})
}

func FilterOutFiles(records []Record) []Record {
	return utils.Filter(records, func(record Record) bool {
		return record.IsFolder()
	})
}

func FilterOutFolders(records []Record) []Record {
	return utils.Filter(records, func(record Record) bool {
		return !record.IsFolder()
	})
}

func FilterDeleted(records []Record, includeDeleted bool) []Record {
	return utils.Filter(records, func(record Record) bool {
		if includeDeleted {
			return record.IsDeleted()
		}
		return !record.IsDeleted()
	})
}

package FAT

import (
	"strings"
	"unicode/utf16"

	"golang.org/x/text/encoding"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/utils"
)

const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = 0x0F

	lowerBase      = 0x08
	lowerExtension = 0x10

	deletedMarker = 0xE5
	entrySize     = 32
)

// DirEntry is the 32 byte short name directory entry.
type DirEntry struct {
	Name           [8]byte
	Extension      [3]byte
	Attributes     uint8
	CaseFlags      uint8
	CreationTenths uint8
	CreationTime   uint16
	CreationDate   uint16
	AccessDate     uint16
	ClusterHigh    uint16
	ModTime        uint16
	ModDate        uint16
	ClusterLow     uint16
	Size           uint32
}

// LongNameEntry holds 13 UCS-2 characters of a VFAT long name.
type LongNameEntry struct {
	Sequence   uint8
	Name1      [5]uint16
	Attributes uint8
	Type       uint8
	Checksum   uint8
	Name2      [6]uint16
	Cluster    uint16
	Name3      [2]uint16
}

func (entry LongNameEntry) chars() []uint16 {
	chars := make([]uint16, 0, 13)
	chars = append(chars, entry.Name1[:]...)
	chars = append(chars, entry.Name2[:]...)
	return append(chars, entry.Name3[:]...)
}

// shortNameChecksum ties long name entries to their short entry.
func shortNameChecksum(raw []byte) uint8 {
	var sum uint8
	for _, char := range raw[:11] {
		sum = (sum>>1 | sum<<7) + char
	}
	return sum
}

// Entry is one decoded directory entry.
type Entry struct {
	Name      string
	ShortName string
	Cluster   uint32
	Raw       DirEntry
	Info      metadata.FileEntryInfo
}

func (entry *Entry) IsDir() bool {
	return entry.Raw.Attributes&attrDirectory != 0
}

func (raw DirEntry) shortName(enc encoding.Encoding) string {
	name := raw.Name
	if name[0] == 0x05 {
		name[0] = deletedMarker
	}
	base := metadata.DecodeName(enc, []byte(strings.TrimRight(string(name[:]), " ")))
	ext := metadata.DecodeName(enc, []byte(strings.TrimRight(string(raw.Extension[:]), " ")))
	if raw.CaseFlags&lowerBase != 0 {
		base = strings.ToLower(base)
	}
	if raw.CaseFlags&lowerExtension != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func (raw DirEntry) attributes() metadata.FileAttributes {
	var attributes metadata.FileAttributes
	if raw.Attributes&attrDirectory != 0 {
		attributes |= metadata.AttrDirectory
	} else {
		attributes |= metadata.AttrFile
	}
	if raw.Attributes&attrReadOnly != 0 {
		attributes |= metadata.AttrReadOnly
	}
	if raw.Attributes&attrHidden != 0 {
		attributes |= metadata.AttrHidden
	}
	if raw.Attributes&attrSystem != 0 {
		attributes |= metadata.AttrSystem
	}
	if raw.Attributes&attrArchive != 0 {
		attributes |= metadata.AttrArchive
	}
	return attributes
}

// longName assembles VFAT fragments collected in reverse on-disk order.
type longName struct {
	fragments map[uint8][]uint16
	count     uint8
	checksum  uint8
}

func (name *longName) reset() {
	name.fragments = nil
	name.count = 0
}

func (name *longName) add(entry LongNameEntry) {
	index := entry.Sequence & 0x1F
	if entry.Sequence&0x40 != 0 {
		name.fragments = map[uint8][]uint16{}
		name.count = index
		name.checksum = entry.Checksum
	}
	if name.fragments == nil || entry.Checksum != name.checksum || index == 0 || index > name.count {
		name.reset()
		return
	}
	name.fragments[index] = entry.chars()
}

// resolve returns the long name when every fragment is present and the
// checksum matches the short entry.
func (name *longName) resolve(checksum uint8) (string, bool) {
	if name.fragments == nil || name.checksum != checksum || len(name.fragments) != int(name.count) {
		return "", false
	}
	var chars []uint16
	for index := uint8(1); index <= name.count; index++ {
		chars = append(chars, name.fragments[index]...)
	}
	for idx, char := range chars {
		if char == 0x0000 {
			chars = chars[:idx]
			break
		}
	}
	for len(chars) > 0 && chars[len(chars)-1] == 0xFFFF {
		chars = chars[:len(chars)-1]
	}
	return string(utf16.Decode(chars)), len(chars) > 0
}

// decodeDirectory parses the entries of one directory. The volume label,
// if found, is returned separately.
func decodeDirectory(data []byte, enc encoding.Encoding, shortOnly bool, clusterBytes uint64) ([]*Entry, string) {
	var (
		entries []*Entry
		label   string
		pending longName
	)
	for pos := 0; pos+entrySize <= len(data); pos += entrySize {
		record := data[pos : pos+entrySize]
		if record[0] == 0x00 {
			break
		}
		if record[0] == deletedMarker {
			pending.reset()
			continue
		}
		if record[11]&0x3F == attrLongName {
			var lfn LongNameEntry
			if _, err := utils.Unmarshal(record, &lfn); err == nil {
				pending.add(lfn)
			}
			continue
		}
		var raw DirEntry
		if _, err := utils.Unmarshal(record, &raw); err != nil {
			break
		}
		if raw.Attributes&attrVolumeID != 0 {
			if label == "" {
				label = metadata.DecodeName(enc, []byte(strings.TrimRight(string(record[:11]), " ")))
			}
			pending.reset()
			continue
		}
		short := raw.shortName(enc)
		if short == "." || short == ".." {
			pending.reset()
			continue
		}
		entry := &Entry{
			Name:      short,
			ShortName: short,
			Cluster:   uint32(raw.ClusterHigh)<<16 | uint32(raw.ClusterLow),
			Raw:       raw,
		}
		if name, ok := pending.resolve(shortNameChecksum(record)); ok && !shortOnly {
			entry.Name = name
		}
		pending.reset()
		entry.Info = metadata.FileEntryInfo{
			Attributes:    raw.attributes(),
			Length:        int64(raw.Size),
			BlockSize:     int64(clusterBytes),
			Inode:         uint64(entry.Cluster),
			Links:         1,
			CreationTime:  utils.DosToTime(raw.CreationDate, raw.CreationTime, 1980),
			AccessTime:    utils.DosToTime(raw.AccessDate, 0, 1980),
			LastWriteTime: utils.DosToTime(raw.ModDate, raw.ModTime, 1980),
		}
		if entry.IsDir() {
			entry.Info.Length = 0
		}
		entry.Info.Blocks = (entry.Info.Length + int64(clusterBytes) - 1) / int64(clusterBytes)
		entries = append(entries, entry)
	}
	return entries, label
}

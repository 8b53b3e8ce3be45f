package ISO9660

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"

	"golang.org/x/text/encoding"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/utils"
)

const (
	flagHidden      = 0x01
	flagDirectory   = 0x02
	flagAssociated  = 0x04
	flagMultiExtent = 0x80

	xaForm1       = 0x0800
	xaForm2       = 0x1000
	xaInterleaved = 0x2000
	xaCDDA        = 0x4000
	xaDirectory   = 0x8000

	posixTypeMask = 0o170000
	posixDir      = 0o040000
	posixLink     = 0o120000
	posixChar     = 0o020000
	posixBlock    = 0o060000
	posixFIFO     = 0o010000
	posixSocket   = 0o140000

	maxContinuations = 16
)

// DirectoryRecord is the fixed part of a directory record.
type DirectoryRecord struct {
	Length           uint8
	ExtAttrLength    uint8
	Extent           uint32
	ExtentBE         uint32
	Size             uint32
	SizeBE           uint32
	Recorded         [7]byte
	Flags            uint8
	UnitSize         uint8
	InterleaveGap    uint8
	VolumeSequence   uint16
	VolumeSequenceBE uint16
	NameLength       uint8
}

const recordHeaderSize = 33

// XAEntry is the CD-XA system use extension.
type XAEntry struct {
	GroupID    uint16
	UserID     uint16
	Attributes uint16
	Signature  [2]byte
	FileNumber uint8
	Reserved   [5]byte
}

// rockRidge holds the RRIP fields of one record.
type rockRidge struct {
	name      string
	hasName   bool
	hasPX     bool
	mode      uint32
	links     uint32
	uid       uint32
	gid       uint32
	inode     uint32
	symlink   string
	isLink    bool
	device    uint64
	hasDevice bool
	created   time.Time
	modified  time.Time
	accessed  time.Time
	changed   time.Time
	backup    time.Time
}

// Entry is a file or directory decoded from a directory record, merged
// across the records of a multi-extent file.
type Entry struct {
	Name       string
	Record     DirectoryRecord
	Extents    []metadata.Extent // data blocks, extended attribute record excluded
	Size       int64
	XA         *XAEntry
	XARaw      []byte
	RR         *rockRidge
	Associated *Entry
	Synthetic  []byte
	EAR        metadata.Extent
}

func (entry *Entry) IsDir() bool {
	return entry.Record.Flags&flagDirectory != 0 && entry.Synthetic == nil
}

func (entry *Entry) interleaved() bool {
	if entry.Record.UnitSize != 0 || entry.Record.InterleaveGap != 0 {
		return true
	}
	return entry.XA != nil && entry.XA.Attributes&(xaForm2|xaInterleaved) != 0
}

func (entry *Entry) attributes() metadata.FileAttributes {
	var attributes metadata.FileAttributes
	if entry.IsDir() {
		attributes |= metadata.AttrDirectory
	} else {
		attributes |= metadata.AttrFile
	}
	if entry.Record.Flags&flagHidden != 0 {
		attributes |= metadata.AttrHidden
	}
	if entry.Record.Flags&flagAssociated != 0 {
		attributes |= metadata.AttrAssociated
	}
	if len(entry.Extents) > 1 {
		attributes |= metadata.AttrExtents
	}
	if entry.interleaved() {
		attributes |= metadata.AttrInterleaved
	}
	if entry.RR != nil && entry.RR.hasPX {
		switch entry.RR.mode & posixTypeMask {
		case posixLink:
			attributes = attributes&^metadata.AttrFile | metadata.AttrSymlink
		case posixChar:
			attributes = attributes&^metadata.AttrFile | metadata.AttrDevice | metadata.AttrCharDevice
		case posixBlock:
			attributes = attributes&^metadata.AttrFile | metadata.AttrDevice | metadata.AttrBlockDevice
		case posixFIFO:
			attributes = attributes&^metadata.AttrFile | metadata.AttrPipe
		case posixSocket:
			attributes = attributes&^metadata.AttrFile | metadata.AttrSocket
		}
	}
	if entry.RR != nil && entry.RR.isLink {
		attributes = attributes&^metadata.AttrFile | metadata.AttrSymlink
	}
	return attributes
}

func (entry *Entry) info(blockSize int64) metadata.FileEntryInfo {
	info := metadata.FileEntryInfo{
		Attributes:              entry.attributes(),
		Length:                  entry.Size,
		BlockSize:               blockSize,
		Inode:                   uint64(entry.Record.Extent),
		Links:                   1,
		LastWriteTime:           recordDate(entry.Record.Recorded[:]),
		ExtendedAttributeLength: uint32(entry.Record.ExtAttrLength),
	}
	info.Blocks = (info.Length + blockSize - 1) / blockSize
	if entry.XA != nil {
		info.UID, info.GID = uint32(entry.XA.UserID), uint32(entry.XA.GroupID)
		info.HasOwnership = true
	}
	if rr := entry.RR; rr != nil {
		if rr.hasPX {
			info.Mode = rr.mode &^ posixTypeMask
			info.UID, info.GID, info.Links = rr.uid, rr.gid, uint64(rr.links)
			info.HasOwnership = true
			if rr.inode != 0 {
				info.Inode = uint64(rr.inode)
			}
		}
		if rr.hasDevice {
			info.DeviceNo = rr.device
		}
		for _, stamp := range []struct {
			from time.Time
			to   *time.Time
		}{
			{rr.created, &info.CreationTime}, {rr.modified, &info.LastWriteTime},
			{rr.accessed, &info.AccessTime}, {rr.changed, &info.StatusChangeTime}, {rr.backup, &info.BackupTime},
		} {
			if !stamp.from.IsZero() {
				*stamp.to = stamp.from
			}
		}
	}
	return info
}

// nameDecoder turns raw identifiers into names for one namespace.
type nameDecoder struct {
	joliet       bool
	keepVersions bool
	encoding     encoding.Encoding
}

func (decoder nameDecoder) decode(raw []byte) string {
	var name string
	if decoder.joliet {
		decoded, err := ucs2.NewDecoder().Bytes(raw)
		if err != nil {
			decoded = raw
		}
		name = string(decoded)
	} else {
		name = metadata.DecodeName(decoder.encoding, raw)
	}
	if decoder.keepVersions {
		return name
	}
	if idx := strings.LastIndexByte(name, ';'); idx != -1 {
		name = name[:idx]
	}
	if strings.HasSuffix(name, ".") && len(name) > 1 {
		name = name[:len(name)-1]
	}
	return name
}

// systemUse splits the system use area into its XA record and SUSP bytes.
func systemUse(area []byte) (*XAEntry, []byte, []byte) {
	if len(area) >= 14 && area[6] == 'X' && area[7] == 'A' {
		var xa XAEntry
		if _, err := utils.UnmarshalBE(area[:14], &xa); err == nil {
			return &xa, area[:14], area[14:]
		}
	}
	return nil, nil, area
}

type suspEntry struct {
	signature string
	data      []byte
}

// suspEntries lists the SUSP entries of an area, following continuation
// areas through readCE.
func suspEntries(area []byte, readCE func(block, offset, length uint32) ([]byte, error)) []suspEntry {
	var entries []suspEntry
	for hops := 0; area != nil && hops < maxContinuations; hops++ {
		var next []byte
		for pos := 0; pos+4 <= len(area); {
			length := int(area[pos+2])
			if length < 4 || pos+length > len(area) {
				break
			}
			entry := suspEntry{signature: string(area[pos : pos+2]), data: area[pos+4 : pos+length]}
			pos += length
			switch entry.signature {
			case "ST":
				pos = len(area)
			case "CE":
				if len(entry.data) >= 24 && readCE != nil {
					block := binary.LittleEndian.Uint32(entry.data[0:])
					offset := binary.LittleEndian.Uint32(entry.data[8:])
					size := binary.LittleEndian.Uint32(entry.data[16:])
					if data, err := readCE(block, offset, size); err == nil {
						next = data
					}
				}
			default:
				entries = append(entries, entry)
			}
		}
		area = next
	}
	return entries
}

func hasSUSP(entries []suspEntry) bool {
	for _, entry := range entries {
		if entry.signature == "SP" && len(entry.data) >= 2 && entry.data[0] == 0xBE && entry.data[1] == 0xEF {
			return true
		}
	}
	return false
}

func hasRockRidge(entries []suspEntry) bool {
	for _, entry := range entries {
		switch entry.signature {
		case "RR", "PX", "NM", "ER":
			return true
		}
	}
	return false
}

// decodeRockRidge collects the RRIP fields; nil when none are present.
func decodeRockRidge(entries []suspEntry) *rockRidge {
	var (
		rr    rockRidge
		found bool
		link  []string
		part  strings.Builder
	)
	for _, entry := range entries {
		data := entry.data
		switch entry.signature {
		case "NM":
			if len(data) < 1 || data[0]&0x06 != 0 {
				continue
			}
			rr.name += string(data[1:])
			rr.hasName, found = true, true
		case "PX":
			if len(data) < 32 {
				continue
			}
			rr.mode = binary.LittleEndian.Uint32(data[0:])
			rr.links = binary.LittleEndian.Uint32(data[8:])
			rr.uid = binary.LittleEndian.Uint32(data[16:])
			rr.gid = binary.LittleEndian.Uint32(data[24:])
			if len(data) >= 40 {
				rr.inode = binary.LittleEndian.Uint32(data[32:])
			}
			rr.hasPX, found = true, true
		case "PN":
			if len(data) < 16 {
				continue
			}
			rr.device = uint64(binary.LittleEndian.Uint32(data[0:]))<<32 | uint64(binary.LittleEndian.Uint32(data[8:]))
			rr.hasDevice, found = true, true
		case "SL":
			if len(data) < 1 {
				continue
			}
			for pos := 1; pos+2 <= len(data); {
				flags, length := data[pos], int(data[pos+1])
				if pos+2+length > len(data) {
					break
				}
				switch {
				case flags&0x02 != 0:
					part.WriteString(".")
				case flags&0x04 != 0:
					part.WriteString("..")
				case flags&0x08 != 0:
					link = append(link, "")
				default:
					part.Write(data[pos+2 : pos+2+length])
				}
				if flags&0x01 == 0 && flags&0x08 == 0 {
					link = append(link, part.String())
					part.Reset()
				}
				pos += 2 + length
			}
			rr.isLink, found = true, true
		case "TF":
			if len(data) < 1 {
				continue
			}
			flags := data[0]
			width := 7
			if flags&0x80 != 0 {
				width = 17
			}
			targets := []*time.Time{&rr.created, &rr.modified, &rr.accessed, &rr.changed, &rr.backup}
			pos := 1
			for bit := 0; bit < 5; bit++ {
				if flags&(1<<bit) == 0 {
					continue
				}
				if pos+width > len(data) {
					break
				}
				if width == 7 {
					*targets[bit] = recordDate(data[pos : pos+7])
				} else {
					var raw [17]byte
					copy(raw[:], data[pos:pos+17])
					*targets[bit] = decimalDate(raw)
				}
				pos += width
			}
			found = true
		}
	}
	if !found {
		return nil
	}
	if rr.isLink {
		rr.symlink = strings.Join(link, "/")
		if len(link) > 0 && link[0] == "" && rr.symlink == "" {
			rr.symlink = "/"
		}
	}
	return &rr
}

// rawRecord is one directory record before multi-extent merging.
type rawRecord struct {
	header DirectoryRecord
	name   []byte
	use    []byte
}

// splitRecords cuts a directory extent into records. Records never span
// a logical block; a zero length byte skips to the next block.
func splitRecords(data []byte, blockSize int) []rawRecord {
	var records []rawRecord
	for pos := 0; pos < len(data); {
		length := int(data[pos])
		if length == 0 {
			pos = (pos/blockSize + 1) * blockSize
			continue
		}
		if length < recordHeaderSize || pos+length > len(data) {
			break
		}
		var header DirectoryRecord
		if _, err := utils.Unmarshal(data[pos:pos+length], &header); err != nil {
			break
		}
		nameEnd := recordHeaderSize + int(header.NameLength)
		if nameEnd > length {
			break
		}
		useStart := nameEnd + (1 - int(header.NameLength)%2)
		record := rawRecord{header: header, name: data[pos+recordHeaderSize : pos+nameEnd]}
		if useStart < length {
			record.use = data[pos+useStart : pos+length]
		}
		records = append(records, record)
		pos += length
	}
	return records
}

func isSelfOrParent(name []byte) bool {
	return len(name) == 1 && (name[0] == 0 || name[0] == 1)
}

// decodeRecords merges multi-extent records and attaches associated files
// to the entry of the same name.
func decodeRecords(records []rawRecord, decoder nameDecoder, rockRidgeNames bool, blockSize int64,
	readCE func(block, offset, length uint32) ([]byte, error)) []*Entry {
	var (
		entries    []*Entry
		associated = map[string]*Entry{}
		previous   *Entry
		continues  bool
	)
	for _, record := range records {
		if isSelfOrParent(record.name) {
			continue
		}
		xa, xaRaw, susp := systemUse(record.use)
		rr := decodeRockRidge(suspEntries(susp, readCE))
		name := decoder.decode(record.name)
		if rockRidgeNames && rr != nil && rr.hasName {
			name = rr.name
		}
		ear := uint64(record.header.ExtAttrLength)
		extent := metadata.Extent{
			Start:  uint64(record.header.Extent) + ear,
			Length: (uint64(record.header.Size) + uint64(blockSize) - 1) / uint64(blockSize),
		}
		if continues && previous != nil && previous.Name == name {
			previous.Extents = append(previous.Extents, extent)
			previous.Size += int64(record.header.Size)
			continues = record.header.Flags&flagMultiExtent != 0
			continue
		}
		entry := &Entry{
			Name:    name,
			Record:  record.header,
			Extents: []metadata.Extent{extent},
			Size:    int64(record.header.Size),
			XA:      xa,
			XARaw:   bytes.Clone(xaRaw),
			RR:      rr,
			EAR:     metadata.Extent{Start: uint64(record.header.Extent), Length: ear},
		}
		continues = record.header.Flags&flagMultiExtent != 0
		previous = entry
		if record.header.Flags&flagAssociated != 0 {
			associated[strings.ToUpper(name)] = entry
			continue
		}
		entries = append(entries, entry)
	}
	for _, entry := range entries {
		if assoc, ok := associated[strings.ToUpper(entry.Name)]; ok {
			entry.Associated = assoc
			delete(associated, strings.ToUpper(entry.Name))
		}
	}
	// associated files without a main file stay visible
	for _, assoc := range associated {
		entries = append(entries, assoc)
	}
	return entries
}

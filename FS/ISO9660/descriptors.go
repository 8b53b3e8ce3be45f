package ISO9660

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/utils"
)

const (
	descriptorStart = 16
	sectorSize      = 2048
	maxDescriptors  = 64

	typeBootRecord    = 0
	typePrimary       = 1
	typeSupplementary = 2
	typePartition     = 3
	typeTerminator    = 255
)

var (
	standardIdentifier = []byte("CD001")
	elTorito           = []byte("EL TORITO SPECIFICATION")
	xaSignature        = []byte("CD-XA001")
	jolietEscapes      = [][]byte{[]byte("%/@"), []byte("%/C"), []byte("%/E")}
	ucs2               = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
)

// VolumeDescriptor is the layout shared by primary and supplementary
// descriptors. Both-endian fields are decoded from their little endian half.
type VolumeDescriptor struct {
	Type                 uint8
	Identifier           [5]byte
	Version              uint8
	Flags                uint8
	SystemID             [32]byte
	VolumeID             [32]byte
	Unused               [8]byte
	VolumeSpaceSize      uint32
	VolumeSpaceSizeBE    uint32
	EscapeSequences      [32]byte
	VolumeSetSize        uint16
	VolumeSetSizeBE      uint16
	SequenceNumber       uint16
	SequenceNumberBE     uint16
	LogicalBlockSize     uint16
	LogicalBlockSizeBE   uint16
	PathTableSize        uint32
	PathTableSizeBE      uint32
	PathTableL           uint32
	OptionalPathTableL   uint32
	PathTableM           uint32
	OptionalPathTableM   uint32
	RootRecord           [34]byte
	VolumeSetID          [128]byte
	PublisherID          [128]byte
	PreparerID           [128]byte
	ApplicationID        [128]byte
	CopyrightFile        [37]byte
	AbstractFile         [37]byte
	BibliographicFile    [37]byte
	CreationDate         [17]byte
	ModificationDate     [17]byte
	ExpirationDate       [17]byte
	EffectiveDate        [17]byte
	FileStructureVersion uint8
}

func (vd VolumeDescriptor) isJoliet() bool {
	if vd.Type != typeSupplementary {
		return false
	}
	for _, escape := range jolietEscapes {
		if bytes.Contains(vd.EscapeSequences[:], escape) {
			return true
		}
	}
	return false
}

// text decodes an identifier field, UCS-2 on Joliet descriptors.
func (vd VolumeDescriptor) text(field []byte) string {
	if vd.isJoliet() {
		if decoded, err := ucs2.NewDecoder().Bytes(field); err == nil {
			return utils.TrimNull(bytes.TrimRight(decoded, "\x00"))
		}
	}
	return utils.TrimNull(field)
}

// descriptorSet collects the volume descriptors found before the terminator.
type descriptorSet struct {
	primary    *VolumeDescriptor
	primaryRaw []byte
	joliet     *VolumeDescriptor
	bootable   bool
	xa         bool
}

func validDescriptor(raw []byte) bool {
	return len(raw) >= sectorSize && bytes.Equal(raw[1:6], standardIdentifier) && raw[6] == 1
}

// readDescriptors walks the descriptor sequence. read returns the 2048
// bytes of a given logical sector.
func readDescriptors(read func(sector uint64) ([]byte, error)) (set *descriptorSet, err error) {
	defer errno.Recover(&err)
	set = &descriptorSet{}
	for sector := uint64(descriptorStart); sector < descriptorStart+maxDescriptors; sector++ {
		raw, err := read(sector)
		if err != nil {
			return nil, err
		}
		if !validDescriptor(raw) {
			return nil, errno.Errorf(errno.InvalidData, "no volume descriptor at sector %d", sector)
		}
		switch raw[0] {
		case typeTerminator:
			if set.primary == nil {
				return nil, errno.Errorf(errno.InvalidData, "no primary volume descriptor")
			}
			return set, nil
		case typeBootRecord:
			if bytes.HasPrefix(raw[7:], elTorito) {
				set.bootable = true
			}
		case typePrimary:
			if set.primary != nil {
				continue
			}
			var vd VolumeDescriptor
			if _, err := utils.Unmarshal(raw, &vd); err != nil {
				return nil, err
			}
			set.primary, set.primaryRaw = &vd, raw
			set.xa = bytes.Equal(raw[1024:1032], xaSignature)
		case typeSupplementary:
			var vd VolumeDescriptor
			if _, err := utils.Unmarshal(raw, &vd); err != nil {
				return nil, err
			}
			if vd.isJoliet() && set.joliet == nil {
				set.joliet = &vd
			}
		}
	}
	return nil, errno.Errorf(errno.InvalidData, "no descriptor set terminator")
}

// decimalDate decodes the 17 byte digits-plus-offset timestamps of volume
// descriptors.
func decimalDate(raw [17]byte) time.Time {
	digits := string(raw[:16])
	year, err := strconv.Atoi(digits[0:4])
	if err != nil || year == 0 {
		return time.Time{}
	}
	field := func(from, to int) int {
		value, _ := strconv.Atoi(digits[from:to])
		return value
	}
	month := field(4, 6)
	if month < 1 || month > 12 {
		return time.Time{}
	}
	zone := time.FixedZone("", int(int8(raw[16]))*15*60)
	return time.Date(year, time.Month(month), field(6, 8), field(8, 10), field(10, 12), field(12, 14),
		field(14, 16)*10_000_000, zone).UTC()
}

// recordDate decodes the 7 byte timestamps of directory records.
func recordDate(raw []byte) time.Time {
	if len(raw) < 7 || raw[1] < 1 || raw[1] > 12 {
		return time.Time{}
	}
	zone := time.FixedZone("", int(int8(raw[6]))*15*60)
	return time.Date(1900+int(raw[0]), time.Month(raw[1]), int(raw[2]), int(raw[3]), int(raw[4]), int(raw[5]), 0, zone).UTC()
}

// PathTableRecord is one entry of the type L path table.
type PathTableRecord struct {
	Name   string
	Extent uint32
	Parent uint16
}

func decodePathTable(data []byte) []PathTableRecord {
	var records []PathTableRecord
	for pos := 0; pos+8 <= len(data); {
		nameLength := int(data[pos])
		if nameLength == 0 || pos+8+nameLength > len(data) {
			break
		}
		records = append(records, PathTableRecord{
			Name:   string(data[pos+8 : pos+8+nameLength]),
			Extent: binary.LittleEndian.Uint32(data[pos+2:]),
			Parent: binary.LittleEndian.Uint16(data[pos+6:]),
		})
		pos += 8 + nameLength + nameLength%2
	}
	return records
}

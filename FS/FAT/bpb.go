package FAT

import (
	"bytes"
	"fmt"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/utils"
)

// clusters below this count use 12 bit FAT entries
const fat12Threshold = 4089

type Width int

const (
	FAT12 Width = 12
	FAT16 Width = 16
	FAT32 Width = 32
)

func (width Width) String() string {
	return fmt.Sprintf("FAT%d", int(width))
}

// BPB is the BIOS parameter block common to every DOS 2.0+ boot sector.
type BPB struct {
	Jump              [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	FATs              uint8
	RootEntries       uint16
	Sectors16         uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	Heads             uint16
	HiddenSectors     uint32
	Sectors32         uint32
}

// ExtendedBPB follows the BPB at offset 36 on FAT12/16 volumes.
type ExtendedBPB struct {
	DriveNumber uint8
	Reserved    uint8
	Signature   uint8
	Serial      uint32
	Label       [11]byte
	FSType      [8]byte
}

// ExtendedBPB32 follows the BPB at offset 36 on FAT32 volumes.
type ExtendedBPB32 struct {
	SectorsPerFAT32 uint32
	Flags           uint16
	Version         uint16
	RootCluster     uint32
	FSInfoSector    uint16
	BackupBoot      uint16
	Reserved        [12]byte
	DriveNumber     uint8
	Reserved1       uint8
	Signature       uint8
	Serial          uint32
	Label           [11]byte
	FSType          [8]byte
}

// layout is the decoded geometry of a volume in bytes and clusters.
type layout struct {
	width          Width
	bytesPerSector uint64
	clusterBytes   uint64
	fatOffset      uint64
	fatBytes       uint64
	fats           uint8
	rootOffset     uint64 // fixed root directory, FAT12/16 only
	rootEntries    uint64
	dataOffset     uint64
	clusters       uint32
	totalBytes     uint64
	rootCluster    uint32
	media          uint8
	label          string
	serial         uint32
	serialKnown    bool
	oemName        string
	legacy         bool
}

// legacyFormat describes DOS 1.x floppies that carry no BPB.
type legacyFormat struct {
	media             uint8
	size              uint64
	sectorsPerCluster uint8
	rootEntries       uint16
	sectorsPerFAT     uint16
	sectors           uint16
	name              string
}

var legacyFormats = []legacyFormat{
	{0xFE, 163840, 1, 64, 1, 320, "160K"},
	{0xFC, 184320, 1, 64, 2, 360, "180K"},
	{0xFF, 327680, 2, 112, 1, 640, "320K"},
	{0xFD, 368640, 2, 112, 2, 720, "360K"},
	{0xF9, 737280, 2, 112, 3, 1440, "720K"},
	{0xF9, 1228800, 1, 224, 7, 2400, "1.2M"},
	{0xF0, 1474560, 1, 224, 9, 2880, "1.44M"},
	{0xF0, 2949120, 2, 240, 9, 5760, "2.88M"},
}

func validOEMName(name []byte) bool {
	for _, char := range name {
		if char != 0 && (char < 0x20 || char > 0x7E) {
			return false
		}
	}
	return true
}

func hasBootJump(jump [3]byte) bool {
	return jump[0] == 0xEB && jump[2] == 0x90 || jump[0] == 0xE9
}

// parseLayout runs the identification cascade over the first two sectors
// of the partition. Any failed test rejects the volume.
func parseLayout(boot []byte, partitionBytes uint64) (geometry *layout, err error) {
	defer errno.Recover(&err)
	if len(boot) < 512 {
		return nil, errno.Errorf(errno.InvalidData, "boot sector truncated")
	}
	var bpb BPB
	if _, err := utils.Unmarshal(boot, &bpb); err != nil {
		return nil, err
	}
	if !hasBootJump(bpb.Jump) {
		return parseLegacy(boot, partitionBytes)
	}
	if !validOEMName(bpb.OEMName[:]) {
		return nil, errno.Errorf(errno.InvalidData, "OEM name %q", bpb.OEMName[:])
	}
	bytesPerSector := uint64(bpb.BytesPerSector)
	if !utils.IsPowerOfTwo(bytesPerSector) || bytesPerSector < 128 || bytesPerSector > 4096 {
		return nil, errno.Errorf(errno.InvalidData, "%d bytes per sector", bytesPerSector)
	}
	if !utils.IsPowerOfTwo(uint64(bpb.SectorsPerCluster)) {
		return nil, errno.Errorf(errno.InvalidData, "%d sectors per cluster", bpb.SectorsPerCluster)
	}
	if bpb.FATs < 1 || bpb.FATs > 2 {
		return nil, errno.Errorf(errno.InvalidData, "%d FAT copies", bpb.FATs)
	}
	if bpb.ReservedSectors < 1 {
		return nil, errno.Errorf(errno.InvalidData, "no reserved sectors")
	}
	signed := boot[510] == 0x55 && boot[511] == 0xAA

	geometry = &layout{
		bytesPerSector: bytesPerSector,
		clusterBytes:   bytesPerSector * uint64(bpb.SectorsPerCluster),
		fats:           bpb.FATs,
		rootEntries:    uint64(bpb.RootEntries),
		media:          bpb.Media,
		oemName:        utils.TrimNull(bpb.OEMName[:]),
	}
	totalSectors := uint64(bpb.Sectors16)
	if totalSectors == 0 {
		totalSectors = uint64(bpb.Sectors32)
	}
	if totalSectors == 0 {
		return nil, errno.Errorf(errno.InvalidData, "zero total sectors")
	}
	geometry.totalBytes = totalSectors * bytesPerSector
	if geometry.totalBytes > partitionBytes {
		return nil, errno.Errorf(errno.InvalidData, "volume of %d bytes in a partition of %d", geometry.totalBytes, partitionBytes)
	}

	sectorsPerFAT := uint64(bpb.SectorsPerFAT16)
	fat32 := bpb.SectorsPerFAT16 == 0 && bpb.RootEntries == 0
	if fat32 {
		if !signed {
			return nil, errno.Errorf(errno.InvalidData, "FAT32 boot sector without signature")
		}
		var ext ExtendedBPB32
		if _, err := utils.Unmarshal(boot[36:], &ext); err != nil {
			return nil, err
		}
		if ext.SectorsPerFAT32 == 0 || ext.RootCluster < 2 || ext.Version != 0 {
			return nil, errno.Errorf(errno.InvalidData, "FAT32 extended BPB")
		}
		sectorsPerFAT = uint64(ext.SectorsPerFAT32)
		geometry.rootCluster = ext.RootCluster
		if ext.Signature == 0x28 || ext.Signature == 0x29 {
			geometry.serial, geometry.serialKnown = ext.Serial, true
			if ext.Signature == 0x29 {
				geometry.label = utils.TrimNull(ext.Label[:])
			}
		}
	} else {
		if sectorsPerFAT == 0 || bpb.RootEntries == 0 {
			return nil, errno.Errorf(errno.InvalidData, "FAT12/16 without FAT or root directory")
		}
		var ext ExtendedBPB
		if _, err := utils.Unmarshal(boot[36:], &ext); err == nil && (ext.Signature == 0x28 || ext.Signature == 0x29) {
			geometry.serial, geometry.serialKnown = ext.Serial, true
			if ext.Signature == 0x29 {
				geometry.label = utils.TrimNull(ext.Label[:])
			}
		}
	}

	geometry.fatOffset = uint64(bpb.ReservedSectors) * bytesPerSector
	geometry.fatBytes = sectorsPerFAT * bytesPerSector
	geometry.rootOffset = geometry.fatOffset + uint64(bpb.FATs)*geometry.fatBytes
	rootBytes := (geometry.rootEntries*32 + bytesPerSector - 1) / bytesPerSector * bytesPerSector
	geometry.dataOffset = geometry.rootOffset + rootBytes
	if geometry.dataOffset >= geometry.totalBytes {
		return nil, errno.Errorf(errno.InvalidData, "metadata region exceeds the volume")
	}
	geometry.clusters = uint32((geometry.totalBytes - geometry.dataOffset) / geometry.clusterBytes)

	switch {
	case fat32:
		geometry.width = FAT32
	case geometry.clusters < fat12Threshold:
		geometry.width = FAT12
	default:
		geometry.width = FAT16
	}
	if geometry.fatEntries() < uint64(geometry.clusters)+2 {
		return nil, errno.Errorf(errno.InvalidData, "%s of %d bytes cannot map %d clusters",
			geometry.width, geometry.fatBytes, geometry.clusters)
	}
	if geometry.label == "NO NAME" {
		geometry.label = ""
	}
	return geometry, nil
}

// parseLegacy recognises BPB-less floppies by the media descriptor that
// starts the first FAT and by the partition size.
func parseLegacy(boot []byte, partitionBytes uint64) (*layout, error) {
	if len(boot) < 515 {
		return nil, errno.Errorf(errno.InvalidData, "no BPB")
	}
	media := boot[512]
	if !bytes.Equal(boot[513:515], []byte{0xFF, 0xFF}) {
		return nil, errno.Errorf(errno.InvalidData, "no BPB")
	}
	for _, format := range legacyFormats {
		if format.media != media || format.size != partitionBytes {
			continue
		}
		geometry := &layout{
			width:          FAT12,
			bytesPerSector: 512,
			clusterBytes:   512 * uint64(format.sectorsPerCluster),
			fatOffset:      512,
			fatBytes:       512 * uint64(format.sectorsPerFAT),
			fats:           2,
			rootEntries:    uint64(format.rootEntries),
			totalBytes:     format.size,
			media:          media,
			legacy:         true,
		}
		geometry.rootOffset = geometry.fatOffset + 2*geometry.fatBytes
		geometry.dataOffset = geometry.rootOffset + geometry.rootEntries*32
		geometry.clusters = uint32((geometry.totalBytes - geometry.dataOffset) / geometry.clusterBytes)
		return geometry, nil
	}
	return nil, errno.Errorf(errno.InvalidData, "no BPB and no legacy format for media 0x%02x, %d bytes", media, partitionBytes)
}

func (geometry *layout) fatEntries() uint64 {
	return geometry.fatBytes * 8 / uint64(geometry.width)
}

func (geometry *layout) endOfChain() uint32 {
	switch geometry.width {
	case FAT12:
		return 0xFF8
	case FAT16:
		return 0xFFF8
	}
	return 0x0FFFFFF8
}

// entry decodes the FAT entry of cluster from a loaded table.
func (geometry *layout) entry(table []byte, cluster uint32) uint32 {
	switch geometry.width {
	case FAT12:
		pos := uint64(cluster) + uint64(cluster)/2
		value := uint32(table[pos]) | uint32(table[pos+1])<<8
		if cluster&1 == 1 {
			return value >> 4
		}
		return value & 0xFFF
	case FAT16:
		pos := uint64(cluster) * 2
		return uint32(table[pos]) | uint32(table[pos+1])<<8
	}
	pos := uint64(cluster) * 4
	return (uint32(table[pos]) | uint32(table[pos+1])<<8 | uint32(table[pos+2])<<16 | uint32(table[pos+3])<<24) & 0x0FFFFFFF
}

// dirty reads the clean shutdown bit kept in FAT entry 1.
func (geometry *layout) dirty(table []byte) bool {
	switch geometry.width {
	case FAT16:
		return geometry.entry(table, 1)&0x8000 == 0
	case FAT32:
		return geometry.entry(table, 1)&0x08000000 == 0
	}
	return false
}

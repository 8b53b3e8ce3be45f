package MBR

import (
	"errors"
	"fmt"

	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/utils"
)

var ErrNoMBR = errors.New("no valid MBR")

// maximum number of logical partitions followed in an extended chain
const maxLogical = 128

var PartitionTypes = map[uint8]string{
	0x01: "FAT12",
	0x04: "FAT16 <32M",
	0x05: "Extended",
	0x06: "FAT16",
	0x07: "HPFS/NTFS/exFAT",
	0x0b: "W95 FAT32",
	0x0c: "W95 FAT32 (LBA)",
	0x0e: "W95 FAT16 (LBA)",
	0x0f: "W95 Ext'd (LBA)",
	0x11: "Hidden FAT12",
	0x14: "Hidden FAT16 <32M",
	0x16: "Hidden FAT16",
	0x1b: "Hidden W95 FAT32",
	0x1c: "Hidden W95 FAT32 (LBA)",
	0x1e: "Hidden W95 FAT16 (LBA)",
	0x27: "Hidden NTFS Win",
	0x82: "Linux swap",
	0x83: "Linux",
	0x85: "Linux extended",
	0xee: "GPT protective",
}

type MBR struct {
	BootCode           [446]byte //0-445
	Partitions         []Partition
	ExtendedPartitions []ExtendedPartition
	Signature          []byte //510-511
}

type ExtendedPartition struct {
	Partition   *Partition
	TableOffset uint32 // LBA of the EBR holding the entry
}

type Partition struct {
	Flag     uint8
	StartCHS [3]byte
	Type     uint8
	EndCHS   [3]byte
	StartLBA uint32
	Size     uint32 //sectors
}

func (partition Partition) GetOffset() uint64 {
	return uint64(partition.StartLBA)
}

func (partition Partition) GetPartitionType() string {
	if name, ok := PartitionTypes[partition.Type]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (0x%02x)", partition.Type)
}

func (partition Partition) isExtended() bool {
	return partition.Type == 0x05 || partition.Type == 0x0f || partition.Type == 0x85
}

func (extPartition ExtendedPartition) GetOffset() uint64 {
	return uint64(extPartition.Partition.StartLBA) + uint64(extPartition.TableOffset)
}

func (mbr MBR) IsProtective() bool {
	return len(mbr.Partitions) > 0 && mbr.Partitions[0].Type == 0xEE // 1st partition flag
}

// LocatePartitions decodes the used entries of a partition table.
func LocatePartitions(data []byte) []Partition {
	var partitions []Partition
	for pos := 0; pos+16 <= len(data); pos += 16 {
		var partition Partition
		if _, err := utils.Unmarshal(data[pos:pos+16], &partition); err != nil {
			break
		}
		if partition.Type == 0x00 {
			continue
		}
		partitions = append(partitions, partition)
	}
	return partitions
}

// Parse decodes the first sector. Boot sectors of unpartitioned media also
// carry 0x55AA, so every entry must look sane for the sector to count as
// an MBR.
func (mbr *MBR) Parse(buffer []byte, sectors uint64) error {
	if len(buffer) < 512 {
		return ErrNoMBR
	}
	copy(mbr.BootCode[:], buffer[:446])
	mbr.Signature = buffer[510:512]
	if utils.Hexify(mbr.Signature) != "55aa" {
		return ErrNoMBR
	}
	for pos := 446; pos < 510; pos += 16 {
		if flag := buffer[pos]; flag != 0x00 && flag != 0x80 {
			return ErrNoMBR
		}
	}
	mbr.Partitions = LocatePartitions(buffer[446:510])
	if len(mbr.Partitions) == 0 {
		return ErrNoMBR
	}
	for _, entry := range mbr.Partitions {
		if entry.StartLBA == 0 || entry.Size == 0 {
			return ErrNoMBR
		}
		if uint64(entry.StartLBA)+uint64(entry.Size) > sectors && entry.Type != 0xEE {
			return ErrNoMBR
		}
	}
	return nil
}

func (mbr MBR) GetExtendedPartitionOffset() (uint32, error) {
	for _, partition := range mbr.Partitions {
		if partition.isExtended() {
			return partition.StartLBA, nil
		}
	}
	return 0, errors.New("extended partition not found")
}

// DiscoverExtendedPartitions follows the EBR chain starting at the extended
// partition. The first entry of each EBR is relative to that EBR, the second
// links to the next EBR relative to the extended partition.
func (mbr *MBR) DiscoverExtendedPartitions(readSector func(lba uint64) ([]byte, error)) error {
	base, err := mbr.GetExtendedPartitionOffset()
	if err != nil {
		return nil
	}
	visited := map[uint32]bool{}
	table := base
	for count := 0; count < maxLogical; count++ {
		if visited[table] {
			logger.MILogger.Warningf("extended partition chain loops at %d", table)
			break
		}
		visited[table] = true
		data, err := readSector(uint64(table))
		if err != nil {
			return err
		}
		if len(data) < 512 || utils.Hexify(data[510:512]) != "55aa" {
			break
		}
		var logical, next Partition
		utils.Unmarshal(data[446:462], &logical)
		utils.Unmarshal(data[462:478], &next)
		if logical.Type != 0x00 && logical.Size != 0 {
			entry := logical
			mbr.ExtendedPartitions = append(mbr.ExtendedPartitions, ExtendedPartition{Partition: &entry, TableOffset: table})
		}
		if !next.isExtended() || next.StartLBA == 0 {
			break
		}
		table = base + next.StartLBA
	}
	return nil
}

// ToPartitions lists primary then logical partitions; extended containers
// are omitted.
func (mbr MBR) ToPartitions() []partition.Partition {
	var partitions []partition.Partition
	add := func(entry Partition, start uint64) {
		partitions = append(partitions, partition.Partition{
			Sequence: uint32(len(partitions)),
			Start:    start,
			Length:   uint64(entry.Size),
			Type:     entry.GetPartitionType(),
			Name:     fmt.Sprintf("MBR partition %d", len(partitions)+1),
			Scheme:   "MBR",
		})
	}
	for _, entry := range mbr.Partitions {
		if entry.isExtended() {
			continue
		}
		add(entry, entry.GetOffset())
	}
	for _, extPartition := range mbr.ExtendedPartitions {
		add(*extPartition.Partition, extPartition.GetOffset())
	}
	return partitions
}

func (partition Partition) GetInfo() string {
	return fmt.Sprintf(" %s at %d size %d sectors", partition.GetPartitionType(), partition.GetOffset(), partition.Size)
}

func (extPartition ExtendedPartition) GetInfo() string {
	return fmt.Sprintf("\textended partition  %s at %d size %d sectors",
		extPartition.Partition.GetPartitionType(), extPartition.GetOffset(), extPartition.Partition.Size)
}

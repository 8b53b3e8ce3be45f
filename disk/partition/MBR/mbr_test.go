package MBR

import (
	"encoding/binary"
	"errors"
	"testing"
)

func entry(buf []byte, slot int, kind byte, start, size uint32) {
	pos := 446 + slot*16
	buf[pos+4] = kind
	binary.LittleEndian.PutUint32(buf[pos+8:], start)
	binary.LittleEndian.PutUint32(buf[pos+12:], size)
}

func sector() []byte {
	buf := make([]byte, 512)
	buf[510], buf[511] = 0x55, 0xAA
	return buf
}

func TestParseWithExtendedChain(t *testing.T) {
	disk := map[uint64][]byte{}
	mbrSector := sector()
	entry(mbrSector, 0, 0x06, 63, 1000)
	entry(mbrSector, 1, 0x0f, 2000, 3000)
	first := sector()
	entry(first, 0, 0x01, 63, 500)
	entry(first, 1, 0x05, 1000, 600)
	second := sector()
	entry(second, 0, 0x0b, 63, 400)
	disk[2000], disk[3000] = first, second

	var mbr MBR
	if err := mbr.Parse(mbrSector, 10000); err != nil {
		t.Fatal(err)
	}
	err := mbr.DiscoverExtendedPartitions(func(lba uint64) ([]byte, error) {
		if data, ok := disk[lba]; ok {
			return data, nil
		}
		return make([]byte, 512), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	partitions := mbr.ToPartitions()
	if len(partitions) != 3 {
		t.Fatalf("%d partitions: %v", len(partitions), partitions)
	}
	want := []uint64{63, 2063, 3063}
	for idx, partition := range partitions {
		if partition.Start != want[idx] || partition.Sequence != uint32(idx) {
			t.Errorf("partition %d at %d", partition.Sequence, partition.Start)
		}
	}
	if partitions[2].Type != "W95 FAT32" {
		t.Errorf("type %s", partitions[2].Type)
	}
}

func TestParseRejectsBootSectors(t *testing.T) {
	var mbr MBR
	if err := mbr.Parse(make([]byte, 512), 100); !errors.Is(err, ErrNoMBR) {
		t.Fatal("zero sector accepted")
	}
	boot := sector()
	for idx := 446; idx < 510; idx++ {
		boot[idx] = 0x90 // boot code spilling into the table
	}
	if err := mbr.Parse(boot, 2880); !errors.Is(err, ErrNoMBR) {
		t.Fatal("boot sector accepted")
	}
	tooBig := sector()
	entry(tooBig, 0, 0x06, 63, 5000)
	if err := mbr.Parse(tooBig, 2880); !errors.Is(err, ErrNoMBR) {
		t.Fatal("partition beyond media accepted")
	}
}

func TestChainLoop(t *testing.T) {
	mbrSector := sector()
	entry(mbrSector, 0, 0x05, 100, 500)
	var mbr MBR
	if err := mbr.Parse(mbrSector, 1000); err != nil {
		t.Fatal(err)
	}
	reads := 0
	mbr.DiscoverExtendedPartitions(func(lba uint64) ([]byte, error) {
		reads++
		ebr := sector()
		entry(ebr, 0, 0x01, 1, 10)
		entry(ebr, 1, 0x05, 1, 10) // every EBR links to base+1
		return ebr, nil
	})
	if reads != 2 || len(mbr.ExtendedPartitions) != 2 {
		t.Fatalf("chain loop followed %d times", reads)
	}
}

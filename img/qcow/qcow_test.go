package qcow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/flate"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/readers"
	"github.com/aarsakian/MediaImageForensics/utils"
)

func TestLayoutBoundary(t *testing.T) {
	calc := newLayout(12, 9, 1<<30)
	boundary := uint64(1)<<(12+9) - 1
	if idx := calc.l1Index(boundary); idx != 0 {
		t.Fatalf("L1 index of %d is %d", boundary, idx)
	}
	if idx := calc.l1Index(boundary + 1); idx != 1 {
		t.Fatalf("L1 index of %d is %d", boundary+1, idx)
	}
	if idx := calc.l2Index(boundary); idx != 511 {
		t.Fatalf("L2 index of %d is %d", boundary, idx)
	}
	if off := calc.inCluster(boundary); off != 4095 {
		t.Fatalf("cluster offset %d", off)
	}
	if calc.l1Size != 512 {
		t.Fatalf("l1 size %d", calc.l1Size)
	}
}

func openPath(t *testing.T, path string) (*Image, readers.Filter) {
	t.Helper()
	filter, err := readers.GetFilter(path)
	if err != nil {
		t.Fatal(err)
	}
	image := &Image{}
	if !image.Identify(filter) {
		t.Fatal("qcow not identified")
	}
	if err := image.Open(filter); err != nil {
		t.Fatal(err)
	}
	return image, filter
}

func TestCreateWriteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.qcow")
	image := &Image{}
	if err := image.Create(path, img.GENERIC_HDD, nil, 1000, 512); err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("sector 999"), 52)[:512]
	if err := image.WriteSector(payload, 999); err != nil {
		t.Fatal(err)
	}
	got, err := image.ReadSector(999)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("read before close: %v", err)
	}
	if err := image.WriteSector(payload, 1000); !errors.Is(err, errno.OutOfRange) {
		t.Fatalf("write beyond end: %v", err)
	}
	if err := image.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, filter := openPath(t, path)
	defer filter.Close()
	defer reopened.Close()
	if reopened.Info().Sectors != 1000 {
		t.Fatalf("sectors %d", reopened.Info().Sectors)
	}
	zero, err := reopened.ReadSector(0)
	if err != nil || !bytes.Equal(zero, make([]byte, 512)) {
		t.Fatalf("sector 0 not zero: %v", err)
	}
	got, err = reopened.ReadSector(999)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("sector 999 mismatch: %v", err)
	}
	if _, err := reopened.ReadSector(1000); !errors.Is(err, errno.InvalidArgument) {
		t.Fatalf("read beyond end: %v", err)
	}
	if _, err := reopened.ReadSectors(999, 2); !errors.Is(err, errno.OutOfRange) {
		t.Fatalf("span beyond end: %v", err)
	}
}

func TestCreateRejectsSectorSize(t *testing.T) {
	image := &Image{}
	err := image.Create(filepath.Join(t.TempDir(), "x.qcow"), img.GENERIC_HDD, nil, 10, 2048)
	if !errors.Is(err, errno.NotSupported) {
		t.Fatalf("got %v", err)
	}
}

func header(size uint64) Header {
	return Header{Magic: magic, Version: version, Size: size, ClusterBits: 12, L2Bits: 9, L1TableOffset: headerSize}
}

func build(t *testing.T, hdr Header, l1 []uint64, tail map[uint64][]byte, length int) []byte {
	t.Helper()
	raw, err := utils.Marshal(&hdr, binary.BigEndian)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, length)
	copy(data, raw)
	copy(data[hdr.L1TableOffset:], tableBytes(l1))
	for offset, chunk := range tail {
		copy(data[offset:], chunk)
	}
	return data
}

func TestCompressedCluster(t *testing.T) {
	cluster := bytes.Repeat([]byte("compressed cluster "), 216)[:4096]
	var deflated bytes.Buffer
	writer, _ := flate.NewWriter(&deflated, flate.BestCompression)
	writer.Write(cluster)
	writer.Close()

	l2 := make([]uint64, 512)
	l2[1] = compressedFlag | uint64(deflated.Len())<<(63-12) | 8192
	data := build(t, header(1<<20), []uint64{4096}, map[uint64][]byte{
		4096: tableBytes(l2),
		8192: deflated.Bytes(),
	}, 8192+deflated.Len())

	image := &Image{}
	if err := image.Open(readers.NewMemoryFilter("c.qcow", data)); err != nil {
		t.Fatal(err)
	}
	// cluster 1 covers sectors 8..15
	got, err := image.ReadSectors(8, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, cluster) {
		t.Fatal("inflated cluster mismatch")
	}
	hole, _ := image.ReadSector(0)
	if !bytes.Equal(hole, make([]byte, 512)) {
		t.Fatal("hole not zero")
	}
}

func TestOpenRejects(t *testing.T) {
	outside := make([]uint64, 512)
	outside[0] = 1 << 40
	// the last cluster starts at 8192 but the file ends 100 bytes later
	truncated := make([]uint64, 512)
	truncated[0] = 8192
	misaligned := make([]uint64, 512)
	misaligned[0] = 8192 + 512
	backing := header(1 << 20)
	backing.BackingFileOffset = 100
	backing.BackingFileSize = 4
	crypt := header(1 << 20)
	crypt.CryptMethod = 1

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"pointer outside", build(t, header(1<<20), []uint64{4096}, map[uint64][]byte{4096: tableBytes(outside)}, 8192), errno.InvalidData},
		{"truncated cluster", build(t, header(1<<20), []uint64{4096}, map[uint64][]byte{4096: tableBytes(truncated)}, 8192+100), errno.InvalidData},
		{"misaligned cluster", build(t, header(1<<20), []uint64{4096}, map[uint64][]byte{4096: tableBytes(misaligned)}, 16384), errno.InvalidData},
		{"L1 outside", build(t, header(1<<20), []uint64{1 << 30}, nil, 4096), errno.InvalidData},
		{"backing file", build(t, backing, []uint64{0}, nil, 4096), errno.NotSupported},
		{"encrypted", build(t, crypt, []uint64{0}, nil, 4096), errno.NotSupported},
	}
	for _, tc := range cases {
		image := &Image{}
		if err := image.Open(readers.NewMemoryFilter(tc.name, tc.data)); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
}

func TestIdentifyRejectsGarbage(t *testing.T) {
	image := &Image{}
	for _, data := range [][]byte{make([]byte, 4096), []byte("QFI"), {0x51, 0x46, 0x49, 0xFB, 0, 0, 0, 1}} {
		if image.Identify(readers.NewMemoryFilter("x", data)) {
			t.Fatalf("identified %d bytes", len(data))
		}
	}
}

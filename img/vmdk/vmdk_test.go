package vmdk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/aarsakian/VMDK_Reader/extent"
	"github.com/klauspost/compress/zlib"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/readers"
)

func encodeHeader(header extent.SparseHeader) []byte {
	data := make([]byte, headerSize)
	le := binary.LittleEndian
	copy(data, header.MagicNumber)
	le.PutUint32(data[4:], header.Version)
	le.PutUint32(data[8:], header.Flags)
	le.PutUint64(data[12:], uint64(header.Capacity))
	le.PutUint64(data[20:], uint64(header.GrainSize))
	le.PutUint64(data[28:], uint64(header.DescriptorOffset))
	le.PutUint64(data[36:], uint64(header.DescriptorSize))
	le.PutUint32(data[44:], header.NumGTEsPerGT)
	le.PutUint64(data[48:], uint64(header.RgdOffset))
	le.PutUint64(data[56:], uint64(header.GdOffset))
	le.PutUint64(data[64:], uint64(header.OverHead))
	data[73], data[74], data[75], data[76] = '\n', ' ', '\r', '\n'
	le.PutUint16(data[77:], header.CompressAlgorithm)
	return data
}

func baseHeader() extent.SparseHeader {
	return extent.SparseHeader{
		MagicNumber:  magic,
		Version:      1,
		Flags:        flagNewlineTest,
		Capacity:     128,
		GrainSize:    8,
		NumGTEsPerGT: 512,
		GdOffset:     1,
		OverHead:     8,
	}
}

func sectorAt(data []byte, n int) []byte {
	return data[n*sectorSize:]
}

// monolithic lays out header, grain directory at sector 1, its grain table
// at sectors 2-5, the descriptor at sector 6 and grains 0 and 3 from sector 8.
func monolithic(header extent.SparseHeader, descriptor string) []byte {
	data := make([]byte, 24*sectorSize)
	copy(data, encodeHeader(header))
	binary.LittleEndian.PutUint32(sectorAt(data, 1), 2)
	binary.LittleEndian.PutUint32(sectorAt(data, 2)[0:], 8)
	binary.LittleEndian.PutUint32(sectorAt(data, 2)[12:], 16)
	copy(sectorAt(data, 6), descriptor)
	copy(sectorAt(data, 8), "grain zero")
	copy(sectorAt(data, 16), bytes.Repeat([]byte{0x33}, 8*sectorSize))
	return data
}

const descriptor = "# Disk DescriptorFile\nversion=1\ncreateType=\"monolithicSparse\"\nRW 128 SPARSE \"disk.vmdk\"\n"

func open(t *testing.T, data []byte) *Image {
	t.Helper()
	filter := readers.NewMemoryFilter("disk.vmdk", data)
	image := &Image{}
	if !image.Identify(filter) {
		t.Fatal("vmdk not identified")
	}
	if err := image.Open(filter); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { image.Close() })
	return image
}

func TestMonolithicSparse(t *testing.T) {
	header := baseHeader()
	header.DescriptorOffset, header.DescriptorSize = 6, 1
	image := open(t, monolithic(header, descriptor))

	info := image.Info()
	if info.Sectors != 128 || info.SectorSize != 512 || info.Comments != "createType=monolithicSparse" {
		t.Fatalf("info %+v", info)
	}
	first, err := image.ReadSector(0)
	if err != nil || !bytes.HasPrefix(first, []byte("grain zero")) {
		t.Fatalf("sector 0 %q %v", first[:10], err)
	}
	hole, err := image.ReadSector(8)
	if err != nil || !bytes.Equal(hole, make([]byte, sectorSize)) {
		t.Fatalf("unallocated grain %v", err)
	}
	grain, err := image.ReadSectors(24, 8)
	if err != nil || !bytes.Equal(grain, bytes.Repeat([]byte{0x33}, 8*sectorSize)) {
		t.Fatalf("grain 3 %v", err)
	}
	if _, err := image.ReadSector(128); !errors.Is(err, errno.OutOfRange) {
		t.Fatalf("beyond capacity %v", err)
	}
}

func TestStreamOptimizedFooter(t *testing.T) {
	content := bytes.Repeat([]byte("compressed grain "), 256)[:8*sectorSize]
	var deflated bytes.Buffer
	writer := zlib.NewWriter(&deflated)
	writer.Write(content)
	writer.Close()

	header := baseHeader()
	header.Version = 3
	header.Flags |= flagCompressed | flagMarkers
	header.CompressAlgorithm = compressionDeflate
	header.GdOffset = gdAtEnd

	// grain at 8, directory at 12, table at 13-16, footer marker 17,
	// footer 18, end of stream 19
	data := make([]byte, 20*sectorSize)
	copy(data, encodeHeader(header))
	grain := sectorAt(data, 8)
	binary.LittleEndian.PutUint64(grain, 0)
	binary.LittleEndian.PutUint32(grain[8:], uint32(deflated.Len()))
	copy(grain[markerHeaderSize:], deflated.Bytes())
	binary.LittleEndian.PutUint32(sectorAt(data, 12), 13)
	binary.LittleEndian.PutUint32(sectorAt(data, 13), 8)
	footer := header
	footer.GdOffset = 12
	copy(sectorAt(data, 18), encodeHeader(footer))

	image := open(t, data)
	got, err := image.ReadSectors(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("inflated grain mismatch")
	}
	hole, _ := image.ReadSector(64)
	if !bytes.Equal(hole, make([]byte, sectorSize)) {
		t.Fatal("hole not zero")
	}
}

func TestOpenRejects(t *testing.T) {
	withDescriptor := baseHeader()
	withDescriptor.DescriptorOffset, withDescriptor.DescriptorSize = 6, 1
	delta := monolithic(withDescriptor, strings.Replace(descriptor, "version=1\n", "version=1\nparentFileNameHint=\"base.vmdk\"\n", 1))

	lzma := baseHeader()
	lzma.Flags |= flagCompressed
	lzma.CompressAlgorithm = 2

	truncated := monolithic(baseHeader(), "")[:20*sectorSize]

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"delta disk", delta, errno.NotSupported},
		{"unknown compression", monolithic(lzma, ""), errno.NotSupported},
		{"truncated grain", truncated, errno.InvalidData},
	}
	for _, tc := range cases {
		image := &Image{}
		if err := image.Open(readers.NewMemoryFilter(tc.name, tc.data)); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
}

func TestIdentifyRejects(t *testing.T) {
	mangled := monolithic(baseHeader(), "")
	mangled[75] = '\n'
	oddGrain := baseHeader()
	oddGrain.GrainSize = 12

	image := &Image{}
	for name, data := range map[string][]byte{
		"zeros":      make([]byte, 4096),
		"short":      []byte("KDMV"),
		"text mode":  mangled,
		"grain size": monolithic(oddGrain, ""),
	} {
		if image.Identify(readers.NewMemoryFilter(name, data)) {
			t.Errorf("%s identified", name)
		}
	}
}

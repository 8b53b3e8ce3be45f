package ISO9660

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"unicode/utf16"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/img/cdrwin"
	"github.com/aarsakian/MediaImageForensics/img/raw"
	"github.com/aarsakian/MediaImageForensics/readers"
)

const (
	testBlocks = 39
	xaFirst    = 37
)

func putBoth32(dst []byte, value uint32) {
	binary.LittleEndian.PutUint32(dst, value)
	binary.BigEndian.PutUint32(dst[4:], value)
}

func putBoth16(dst []byte, value uint16) {
	binary.LittleEndian.PutUint16(dst, value)
	binary.BigEndian.PutUint16(dst[2:], value)
}

func ucs2Bytes(name string) []byte {
	var out []byte
	for _, char := range utf16.Encode([]rune(name)) {
		out = binary.BigEndian.AppendUint16(out, char)
	}
	return out
}

type recordSpec struct {
	name   []byte
	extent uint32
	size   uint32
	flags  byte
	ear    byte
	use    []byte
}

func (entry recordSpec) encode() []byte {
	length := recordHeaderSize + len(entry.name)
	if len(entry.name)%2 == 0 {
		length++
	}
	length += len(entry.use)
	if length%2 == 1 {
		length++
	}
	record := make([]byte, length)
	record[0] = byte(length)
	record[1] = entry.ear
	putBoth32(record[2:], entry.extent)
	putBoth32(record[10:], entry.size)
	copy(record[18:], []byte{125, 6, 15, 10, 30, 0, 0})
	record[25] = entry.flags
	putBoth16(record[28:], 1)
	record[32] = byte(len(entry.name))
	copy(record[recordHeaderSize:], entry.name)
	copy(record[recordHeaderSize+len(entry.name)+1-len(entry.name)%2:], entry.use)
	return record
}

func susp(signature string, data ...byte) []byte {
	return append([]byte{signature[0], signature[1], byte(4 + len(data)), 1}, data...)
}

func nm(name string) []byte {
	return susp("NM", append([]byte{0}, name...)...)
}

func px(mode, links, uid, gid uint32) []byte {
	data := make([]byte, 32)
	putBoth32(data[0:], mode)
	putBoth32(data[8:], links)
	putBoth32(data[16:], uid)
	putBoth32(data[24:], gid)
	return susp("PX", data...)
}

func sl(components ...string) []byte {
	data := []byte{0}
	for _, component := range components {
		data = append(data, 0, byte(len(component)))
		data = append(data, component...)
	}
	return susp("SL", data...)
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func directoryBlock(self, parent uint32, records ...recordSpec) []byte {
	block := concat(
		recordSpec{name: []byte{0}, extent: self, size: sectorSize, flags: flagDirectory}.encode(),
		recordSpec{name: []byte{1}, extent: parent, size: sectorSize, flags: flagDirectory}.encode(),
	)
	for _, record := range records {
		block = append(block, record.encode()...)
	}
	return block
}

func volumeDescriptor(kind byte, rootExtent uint32, volumeID []byte) []byte {
	vd := make([]byte, sectorSize)
	vd[0] = kind
	copy(vd[1:], "CD001")
	vd[6] = 1
	copy(vd[40:72], volumeID)
	putBoth32(vd[80:], testBlocks)
	putBoth16(vd[120:], 1)
	putBoth16(vd[124:], 1)
	putBoth16(vd[128:], sectorSize)
	putBoth32(vd[132:], 34)
	binary.LittleEndian.PutUint32(vd[140:], 20)
	copy(vd[156:], recordSpec{name: []byte{0}, extent: rootExtent, size: sectorSize, flags: flagDirectory}.encode())
	copy(vd[813:], "2025061510300000")
	vd[881] = 1
	return vd
}

func fileContent(size int) []byte {
	content := make([]byte, size)
	for idx := range content {
		content[idx] = byte(idx * 7)
	}
	return content
}

var bigContent = concat(bytes.Repeat([]byte{'B'}, 2048), bytes.Repeat([]byte{'b'}, 100))

// isoFixture returns the cooked 2048 byte blocks of a disc holding a
// primary tree with Rock Ridge, a Joliet tree and a CD-XA file.
func isoFixture() [][]byte {
	blocks := make([][]byte, testBlocks)
	for idx := range blocks {
		blocks[idx] = make([]byte, sectorSize)
	}
	put := func(block int, data []byte) { copy(blocks[block], data) }

	pvd := volumeDescriptor(typePrimary, 22, []byte("TEST_DISC"))
	copy(pvd[8:], "LINUX")
	copy(pvd[190:], "SET")
	copy(pvd[318:], "PUBLISHER")
	copy(pvd[574:], "APPLICATION")
	copy(pvd[1024:], xaSignature)
	put(16, pvd)

	boot := make([]byte, sectorSize)
	copy(boot, "\x00CD001\x01")
	copy(boot[7:], elTorito)
	put(17, boot)

	joliet := volumeDescriptor(typeSupplementary, 33, ucs2Bytes("Joliet Disc"))
	copy(joliet[88:], "%/E")
	put(18, joliet)
	put(19, []byte("\xffCD001\x01"))

	table := []byte{1, 0, 22, 0, 0, 0, 1, 0, 0, 0}
	table = append(table, 4, 0, 23, 0, 0, 0, 1, 0, 'D', 'I', 'R', '1')
	table = append(table, 4, 0, 24, 0, 0, 0, 2, 0, 'D', 'I', 'R', '2')
	put(20, table)

	xaUse := []byte{0, 0, 0, 0, 0x35, 0x55, 'X', 'A', 1, 0, 0, 0, 0, 0}
	root := directoryBlock(22, 22,
		recordSpec{name: []byte("DIR1"), extent: 23, size: sectorSize, flags: flagDirectory,
			use: concat(nm("dir1"), px(0o040755, 2, 0, 0))},
		recordSpec{name: []byte("README.TXT;1"), extent: 27, size: 5, flags: flagAssociated},
		recordSpec{name: []byte("README.TXT;1"), extent: 28, size: 11, use: nm("readme.txt")},
		recordSpec{name: []byte("BIG.DAT;1"), extent: 29, size: 2048, flags: flagMultiExtent},
		recordSpec{name: []byte("BIG.DAT;1"), extent: 30, size: 100},
		recordSpec{name: []byte("EAFILE.TXT;1"), extent: 31, size: 7, ear: 1},
		recordSpec{name: []byte("LINK.;1"), use: concat(nm("link"), px(0o120777, 1, 0, 0), sl("dir1", "dir2", "file.txt"))},
		recordSpec{name: []byte("VIDEO.XA;1"), extent: xaFirst, size: 4096, use: xaUse},
	)
	// Rock Ridge announces itself in the "." record of the root
	self := recordSpec{name: []byte{0}, extent: 22, size: sectorSize, flags: flagDirectory,
		use: concat(susp("SP", 0xBE, 0xEF, 0), susp("RR", 0x89))}.encode()
	root = concat(self, root[34:])
	put(22, root)

	put(23, directoryBlock(23, 22, recordSpec{name: []byte("DIR2"), extent: 24, size: sectorSize,
		flags: flagDirectory, use: nm("dir2")}))
	put(24, directoryBlock(24, 23, recordSpec{name: []byte("FILE.TXT;1"), extent: 25, size: 3000,
		use: concat(nm("file.txt"), px(0o100644, 1, 1000, 100), susp("TF", 0x02, 124, 1, 2, 3, 4, 5, 0))}))

	content := fileContent(3000)
	put(25, content[:2048])
	put(26, content[2048:])
	put(27, []byte("assoc"))
	put(28, []byte("readme text"))
	put(29, bigContent[:2048])
	put(30, bigContent[2048:])
	put(31, []byte("EARDATA"))
	put(32, []byte("ea-data"))

	put(33, directoryBlock(33, 33,
		recordSpec{name: ucs2Bytes("dir1"), extent: 34, size: sectorSize, flags: flagDirectory},
		recordSpec{name: ucs2Bytes("Readme Long Name.txt;1"), extent: 28, size: 11},
	))
	put(34, directoryBlock(34, 33, recordSpec{name: ucs2Bytes("dir2"), extent: 35, size: sectorSize, flags: flagDirectory}))
	put(35, directoryBlock(35, 34, recordSpec{name: ucs2Bytes("file.txt;1"), extent: 25, size: 3000}))

	put(xaFirst, bytes.Repeat([]byte{'x'}, sectorSize))
	put(xaFirst+1, bytes.Repeat([]byte{'y'}, sectorSize))
	return blocks
}

func mountISO(t *testing.T, options map[string]string, namespace string) *FileSystem {
	t.Helper()
	image := &raw.Image{}
	if err := image.Open(readers.NewMemoryFilter("disc.iso", concat(isoFixture()...))); err != nil {
		t.Fatal(err)
	}
	return mount(t, image, options, namespace)
}

func mount(t *testing.T, image img.MediaImage, options map[string]string, namespace string) *FileSystem {
	t.Helper()
	part := partition.Whole(image.Info().Sectors)
	fs := &FileSystem{}
	if !fs.Identify(image, part) {
		t.Fatal("volume not identified")
	}
	if err := fs.Mount(image, part, nil, options, namespace); err != nil {
		t.Fatal(err)
	}
	return fs
}

func listDir(t *testing.T, fs *FileSystem, path string) []string {
	t.Helper()
	node, err := fs.OpenDir(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.CloseDir(node)
	var names []string
	for {
		name, err := fs.ReadDir(node)
		if err == io.EOF {
			return names
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, name)
	}
}

func readAll(t *testing.T, fs *FileSystem, path string) []byte {
	t.Helper()
	node, err := fs.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.CloseFile(node)
	buffer := make([]byte, node.Length()+100)
	read, err := fs.ReadFile(node, int64(len(buffer)), buffer)
	if err != nil {
		t.Fatal(err)
	}
	if read != node.Length() {
		t.Fatalf("%s: read %d of %d bytes", path, read, node.Length())
	}
	return buffer[:read]
}

func TestIdentifyRejects(t *testing.T) {
	cases := map[string][]byte{
		"zeros":     make([]byte, testBlocks*sectorSize),
		"truncated": concat(isoFixture()[:16]...),
	}
	for name, data := range cases {
		image := &raw.Image{}
		if err := image.Open(readers.NewMemoryFilter("disc.iso", data)); err != nil {
			t.Fatal(err)
		}
		fs := &FileSystem{}
		part := partition.Whole(image.Info().Sectors)
		if fs.Identify(image, part) {
			t.Errorf("%s identified", name)
		}
		if err := fs.Mount(image, part, nil, nil, ""); err == nil {
			t.Errorf("%s mounted", name)
		}
	}
}

func TestJolietDefault(t *testing.T) {
	fs := mountISO(t, nil, "")
	meta := fs.Metadata()
	if meta.VolumeName != "Joliet Disc" || !meta.Bootable || meta.Clusters != testBlocks {
		t.Fatalf("metadata %+v", meta)
	}
	if meta.CreationDate.Year() != 2025 || meta.CreationDate.Month() != 6 {
		t.Errorf("creation date %v", meta.CreationDate)
	}
	names := listDir(t, fs, "/")
	if !slices.Equal(names, []string{"dir1", "Readme Long Name.txt"}) {
		t.Fatalf("joliet root %v", names)
	}

	info, err := fs.Stat("/dir1/dir2/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if info.Length != 3000 || info.Blocks != 2 {
		t.Fatalf("stat %+v", info)
	}
	first, _ := fs.OpenFile("/dir1/dir2/file.txt")
	second, _ := fs.OpenFile("/dir1/dir2/file.txt")
	buffer := make([]byte, 8192)
	if read, err := fs.ReadFile(first, 8192, buffer); err != nil || read != 3000 {
		t.Fatalf("read %d %v", read, err)
	}
	if !bytes.Equal(buffer[:3000], fileContent(3000)) {
		t.Fatal("content differs")
	}
	if _, err := metadata.Seek(second, 2040, metadata.SeekBegin); err != nil {
		t.Fatal(err)
	}
	if read, err := fs.ReadFile(second, 16, buffer); err != nil || read != 16 ||
		!bytes.Equal(buffer[:16], fileContent(3000)[2040:2056]) {
		t.Fatalf("read across blocks %d %v", read, err)
	}
	if got := readAll(t, fs, "/README LONG NAME.TXT"); string(got) != "readme text" {
		t.Fatalf("readme %q", got)
	}
}

func TestNormalNamespace(t *testing.T) {
	fs := mountISO(t, nil, NamespaceNormal)
	if fs.Metadata().VolumeName != "TEST_DISC" || fs.Metadata().PublisherIdentifier != "PUBLISHER" {
		t.Fatalf("metadata %+v", fs.Metadata())
	}
	names := listDir(t, fs, "/")
	want := []string{"BIG.DAT", "DIR1", "EAFILE.TXT", "LINK", "README.TXT", "VIDEO.XA"}
	if !slices.Equal(names, want) {
		t.Fatalf("root %v want %v", names, want)
	}

	info, err := fs.Stat("/BIG.DAT")
	if err != nil {
		t.Fatal(err)
	}
	if info.Length != 2148 || !info.Attributes.Has(metadata.AttrExtents) {
		t.Fatalf("multi extent %+v", info)
	}
	if got := readAll(t, fs, "/big.dat"); !bytes.Equal(got, bigContent) {
		t.Fatal("multi extent content differs")
	}

	xattrs, err := fs.ListXAttr("/README.TXT")
	if err != nil || !slices.Contains(xattrs, XattrAssociated) {
		t.Fatalf("xattrs %v %v", xattrs, err)
	}
	if data, err := fs.GetXattr("/README.TXT", XattrAssociated); err != nil || string(data) != "assoc" {
		t.Fatalf("associated file %q %v", data, err)
	}
	if _, err := fs.GetXattr("/README.TXT", XattrEA); !errors.Is(err, errno.NoSuchFile) {
		t.Fatalf("missing xattr: %v", err)
	}

	info, _ = fs.Stat("/EAFILE.TXT")
	if info.ExtendedAttributeLength != 1 {
		t.Fatalf("extended attribute length %d", info.ExtendedAttributeLength)
	}
	ea, err := fs.GetXattr("/EAFILE.TXT", XattrEA)
	if err != nil || len(ea) != sectorSize || !bytes.HasPrefix(ea, []byte("EARDATA")) {
		t.Fatalf("extended attribute record %v", err)
	}
	if got := readAll(t, fs, "/EAFILE.TXT"); string(got) != "ea-data" {
		t.Fatalf("data after extended attribute record %q", got)
	}

	if target, err := fs.ReadLink("/LINK"); err != nil || target != "dir1/dir2/file.txt" {
		t.Fatalf("link %q %v", target, err)
	}
	if _, err := fs.ReadLink("/README.TXT"); !errors.Is(err, errno.InvalidArgument) {
		t.Fatalf("readlink of a file: %v", err)
	}

	info, _ = fs.Stat("/VIDEO.XA")
	if !info.Attributes.Has(metadata.AttrInterleaved) || info.Length != 4096 {
		t.Fatalf("XA file on a flat image %+v", info)
	}
	if xa, _ := fs.GetXattr("/VIDEO.XA", XattrXA); len(xa) != 14 {
		t.Fatalf("XA record %v", xa)
	}
	if len(fs.PathTable()) != 3 || fs.PathTable()[2].Name != "DIR2" {
		t.Fatalf("path table %+v", fs.PathTable())
	}
}

func TestVMSNamespace(t *testing.T) {
	fs := mountISO(t, nil, NamespaceVMS)
	if _, err := fs.Stat("/README.TXT;1"); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Stat("/README.TXT"); err != nil {
		t.Fatalf("version suffix retry: %v", err)
	}
}

func TestRockRidgeNamespace(t *testing.T) {
	fs := mountISO(t, nil, NamespaceRRIP)
	names := listDir(t, fs, "/")
	for _, want := range []string{"dir1", "readme.txt", "link", "BIG.DAT"} {
		if !slices.Contains(names, want) {
			t.Errorf("%s missing from %v", want, names)
		}
	}
	info, err := fs.Stat("/dir1/dir2/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode != 0o644 || info.UID != 1000 || info.GID != 100 || !info.HasOwnership {
		t.Fatalf("POSIX attributes %+v", info)
	}
	if info.LastWriteTime.Year() != 2024 || info.LastWriteTime.Second() != 5 {
		t.Fatalf("TF modify time %v", info.LastWriteTime)
	}
	info, _ = fs.Stat("/link")
	if !info.Attributes.Has(metadata.AttrSymlink) {
		t.Fatalf("link attributes %v", info.Attributes.Names())
	}
}

func TestDebugFiles(t *testing.T) {
	fs := mountISO(t, map[string]string{"debug": "true"}, NamespaceNormal)
	pvd := readAll(t, fs, "/$PVD")
	if len(pvd) != sectorSize || string(pvd[1:6]) != "CD001" {
		t.Fatal("$PVD content")
	}
	if table := readAll(t, fs, "/$PATH_TABLE"); len(table) != 34 {
		t.Fatalf("$PATH_TABLE of %d bytes", len(table))
	}
	plain := mountISO(t, nil, NamespaceNormal)
	if _, err := plain.Stat("/$PVD"); !errors.Is(err, errno.NoSuchFile) {
		t.Fatalf("debug files without option: %v", err)
	}
}

func TestMountLifecycle(t *testing.T) {
	fs := mountISO(t, nil, "")
	image, part := fs.image, fs.part
	if err := fs.Mount(image, part, nil, nil, ""); !errors.Is(err, errno.AccessDenied) {
		t.Fatalf("mount while mounted: %v", err)
	}
	if err := fs.Unmount(); err != nil {
		t.Fatal(err)
	}
	if err := fs.Unmount(); !errors.Is(err, errno.AccessDenied) {
		t.Fatalf("second unmount %v", err)
	}
	if _, err := fs.OpenDir("/"); !errors.Is(err, errno.AccessDenied) {
		t.Fatalf("open dir while unmounted %v", err)
	}
	if err := fs.Mount(image, part, nil, nil, ""); err != nil {
		t.Fatalf("remount: %v", err)
	}
}

func TestNamespaceUnavailable(t *testing.T) {
	image := &raw.Image{}
	blocks := isoFixture()
	blocks[18] = blocks[19] // drop the Joliet descriptor
	if err := image.Open(readers.NewMemoryFilter("disc.iso", concat(blocks...))); err != nil {
		t.Fatal(err)
	}
	fs := &FileSystem{}
	if err := fs.Mount(image, partition.Whole(image.Info().Sectors), nil, nil, NamespaceJoliet); !errors.Is(err, errno.InvalidArgument) {
		t.Fatalf("joliet on a plain disc: %v", err)
	}
	fs = mount(t, image, nil, "")
	if _, err := fs.Stat("/readme.txt"); err != nil || fs.namespace != NamespaceRRIP {
		t.Fatalf("rock ridge should be the fallback namespace: %s %v", fs.namespace, err)
	}
}

func rawMode2(payload []byte, form2 bool) []byte {
	sector := make([]byte, rawSectorSize)
	copy(sector, []byte{0, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0})
	sector[15] = 2
	submode := byte(0x08)
	if form2 {
		submode = submodeForm2
	}
	subHeader := []byte{1, 0, submode, 0}
	copy(sector[16:], subHeader)
	copy(sector[20:], subHeader)
	copy(sector[24:], payload)
	return sector
}

func TestXATwoPassRead(t *testing.T) {
	dir := t.TempDir()
	var bin bytes.Buffer
	form2 := [][]byte{bytes.Repeat([]byte{'V'}, form2Payload), bytes.Repeat([]byte{'W'}, form2Payload)}
	for idx, block := range isoFixture() {
		if idx >= xaFirst {
			bin.Write(rawMode2(form2[idx-xaFirst], true))
			continue
		}
		bin.Write(rawMode2(block, false))
	}
	os.WriteFile(filepath.Join(dir, "xa.bin"), bin.Bytes(), 0o644)
	cue := filepath.Join(dir, "xa.cue")
	os.WriteFile(cue, []byte("FILE \"xa.bin\" BINARY\n  TRACK 01 MODE2/2352\n    INDEX 01 00:00:00\n"), 0o644)

	filter, err := readers.GetFilter(cue)
	if err != nil {
		t.Fatal(err)
	}
	defer filter.Close()
	image := &cdrwin.Image{}
	if err := image.Open(filter); err != nil {
		t.Fatal(err)
	}
	defer image.Close()

	fs := mount(t, image, nil, NamespaceNormal)
	node, err := fs.OpenFile("/VIDEO.XA")
	if err != nil {
		t.Fatal(err)
	}
	if node.Length() != 2*form2Payload {
		t.Fatalf("XA length %d", node.Length())
	}
	if _, err := metadata.Seek(node, form2Payload-4, metadata.SeekBegin); err != nil {
		t.Fatal(err)
	}
	buffer := make([]byte, 8)
	if read, err := fs.ReadFile(node, 8, buffer); err != nil || read != 8 || string(buffer) != "VVVVWWWW" {
		t.Fatalf("read across form 2 sectors %q %v", buffer, err)
	}
	if got := readAll(t, fs, "/VIDEO.XA"); !bytes.Equal(got, concat(form2...)) {
		t.Fatal("XA payload differs")
	}
	subHeaders, err := fs.GetXattr("/VIDEO.XA", XattrSubHeader)
	if err != nil || len(subHeaders) != 16 || subHeaders[2] != submodeForm2 {
		t.Fatalf("sub headers %v %v", subHeaders, err)
	}
	if got := readAll(t, fs, "/DIR1/DIR2/FILE.TXT"); !bytes.Equal(got, fileContent(3000)) {
		t.Fatal("form 1 file through cooked reads differs")
	}
}

package readers

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

func payload(size int) []byte {
	data := make([]byte, size)
	for idx := range data {
		data[idx] = byte(idx*7 + idx/251)
	}
	return data
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func checkRandomAccess(t *testing.T, filter Filter, want []byte) {
	t.Helper()
	if filter.Length() != int64(len(want)) {
		t.Fatalf("%s: length %d want %d", filter.Name(), filter.Length(), len(want))
	}
	stream := filter.DataStream()
	for _, offset := range []int64{5000, 10, 70000, 0, int64(len(want)) - 100} {
		buf := make([]byte, 100)
		if _, err := stream.ReadAt(buf, offset); err != nil {
			t.Fatalf("%s: ReadAt %d: %v", filter.Name(), offset, err)
		}
		if !bytes.Equal(buf, want[offset:offset+100]) {
			t.Fatalf("%s: mismatch at %d", filter.Name(), offset)
		}
	}
}

func TestGetFilterCompressed(t *testing.T) {
	want := payload(100000)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write(want)
	gw.Close()

	var zs bytes.Buffer
	zw, _ := zstd.NewWriter(&zs)
	zw.Write(want)
	zw.Close()

	var l4 bytes.Buffer
	lw := lz4.NewWriter(&l4)
	lw.Write(want)
	lw.Close()

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	if err != nil {
		t.Fatal(err)
	}
	xw.Write(want)
	xw.Close()

	cases := []struct {
		file   string
		data   []byte
		driver string
	}{
		{"image.gz", gz.Bytes(), "gzip"},
		{"image.zst", zs.Bytes(), "zstd"},
		{"image.lz4", l4.Bytes(), "lz4"},
		{"image.xz", xzBuf.Bytes(), "xz"},
		{"image.img", want, "plain"},
	}
	for _, tc := range cases {
		t.Run(tc.driver, func(t *testing.T) {
			filter, err := GetFilter(writeFile(t, tc.file, tc.data))
			if err != nil {
				t.Fatal(err)
			}
			defer filter.Close()
			if filter.Name() != tc.driver {
				t.Fatalf("got filter %s want %s", filter.Name(), tc.driver)
			}
			checkRandomAccess(t, filter, want)
		})
	}
}

func TestXZUncompressedSizeFromIndex(t *testing.T) {
	want := payload(300000)
	var buf bytes.Buffer
	xw, _ := xz.NewWriter(&buf)
	xw.Write(want)
	xw.Close()

	size, err := XZUncompressedSize(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(want)) {
		t.Fatalf("index size %d want %d", size, len(want))
	}
}

func TestXZMalformedTrailerFallsBackToLazyLength(t *testing.T) {
	want := payload(4096)
	var buf bytes.Buffer
	xw, _ := xz.NewWriter(&buf)
	xw.Write(want)
	xw.Close()

	corrupt := buf.Bytes()
	// break the footer magic but keep the compressed blocks intact
	corrupt[len(corrupt)-1] = 'X'
	if _, err := XZUncompressedSize(bytes.NewReader(corrupt), int64(len(corrupt))); err == nil {
		t.Fatal("expected malformed index error")
	}
}

func TestReadXZVarint(t *testing.T) {
	value, n := readXZVarint([]byte{0xE5, 0x8E, 0x26})
	if value != 624485 || n != 3 {
		t.Fatalf("got %d/%d", value, n)
	}
	if _, n := readXZVarint([]byte{0x80, 0x00}); n != 0 {
		t.Fatal("non-minimal encoding must be rejected")
	}
	if _, n := readXZVarint([]byte{0x80}); n != 0 {
		t.Fatal("truncated varint must be rejected")
	}
}

func TestForcedSeekStreamBackwards(t *testing.T) {
	want := payload(10000)
	opens := 0
	stream := NewForcedSeekStream(0, func() (io.ReadCloser, error) {
		opens++
		return io.NopCloser(bytes.NewReader(want)), nil
	})
	length, err := stream.Length()
	if err != nil || length != int64(len(want)) {
		t.Fatalf("length %d err %v", length, err)
	}
	buf := make([]byte, 10)
	stream.ReadAt(buf, 9000)
	stream.ReadAt(buf, 100)
	if !bytes.Equal(buf, want[100:110]) {
		t.Fatal("backward seek returned wrong data")
	}
	if opens < 3 {
		t.Fatalf("expected decoder restarts, got %d opens", opens)
	}
	if _, err := stream.Seek(-1, io.SeekStart); err == nil {
		t.Fatal("negative seek must fail")
	}
	end, _ := stream.Seek(0, io.SeekEnd)
	if end != int64(len(want)) {
		t.Fatalf("seek end %d", end)
	}
	if _, err := stream.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF at end, got %v", err)
	}
}

func TestTruncatedGzipSurfacesReadError(t *testing.T) {
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write(payload(50000))
	gw.Close()
	data := gz.Bytes()
	data = data[:len(data)/2]
	filter, err := GetFilter(writeFile(t, "bad.gz", data))
	if err != nil {
		return // rejecting at open is acceptable too
	}
	defer filter.Close()
	buf := make([]byte, 50000)
	if _, err := filter.DataStream().ReadAt(buf, 0); err == nil {
		t.Fatal("expected read error from corrupt stream")
	}
}

func buildAppleContainer(magic uint32, data, resource []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, magic)
	binary.Write(&buf, binary.BigEndian, uint32(0x00020000))
	buf.Write(make([]byte, 16))
	entries := 0
	if data != nil {
		entries++
	}
	if resource != nil {
		entries++
	}
	binary.Write(&buf, binary.BigEndian, uint16(entries))
	offset := uint32(26 + entries*12)
	if data != nil {
		binary.Write(&buf, binary.BigEndian, []uint32{entryDataFork, offset, uint32(len(data))})
		offset += uint32(len(data))
	}
	if resource != nil {
		binary.Write(&buf, binary.BigEndian, []uint32{entryResourceFork, offset, uint32(len(resource))})
	}
	buf.Write(data)
	buf.Write(resource)
	return buf.Bytes()
}

func TestAppleSingleForks(t *testing.T) {
	data := []byte("data fork contents")
	resource := []byte("resource!")
	filter, err := GetFilter(writeFile(t, "file.as", buildAppleContainer(appleSingleMagic, data, resource)))
	if err != nil {
		t.Fatal(err)
	}
	defer filter.Close()
	if filter.Name() != "applesingle" {
		t.Fatalf("got %s", filter.Name())
	}
	got, _ := io.ReadAll(filter.DataStream())
	if !bytes.Equal(got, data) {
		t.Fatalf("data fork %q", got)
	}
	if filter.ResourceStream() == nil || filter.ResourceLength() != int64(len(resource)) {
		t.Fatal("missing resource fork")
	}
	got, _ = io.ReadAll(filter.ResourceStream())
	if !bytes.Equal(got, resource) {
		t.Fatalf("resource fork %q", got)
	}
}

func TestAppleDoubleCompanion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	os.WriteFile(path, []byte("plain data"), 0o644)
	os.WriteFile(filepath.Join(dir, "._disk.img"), buildAppleContainer(appleDoubleMagic, nil, []byte("rsrc")), 0o644)

	filter, err := GetFilter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer filter.Close()
	if filter.Name() != "appledouble" || filter.Length() != 10 || filter.ResourceLength() != 4 {
		t.Fatalf("unexpected filter %s %d/%d", filter.Name(), filter.Length(), filter.ResourceLength())
	}
}

func TestIdentifyMissingFile(t *testing.T) {
	for _, driver := range Drivers {
		if driver.Identify(filepath.Join(t.TempDir(), "missing")) {
			t.Fatalf("%s identified a missing file", driver.Name())
		}
	}
}

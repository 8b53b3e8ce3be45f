package exporter

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/FS/FATX"
	"github.com/aarsakian/MediaImageForensics/checksum"
	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img/raw"
	"github.com/aarsakian/MediaImageForensics/readers"
)

// mountVolume mounts a FATX volume holding NOTES.TXT (cluster 2), EMPTY.BIN
// and BROKEN.BIN whose chain points past the volume.
func mountVolume(t *testing.T) *FATX.FileSystem {
	t.Helper()
	data := make([]byte, 16384)
	copy(data, "FATX")
	binary.LittleEndian.PutUint32(data[8:], 1)
	binary.LittleEndian.PutUint32(data[12:], 1)
	fat := data[4096:]
	binary.LittleEndian.PutUint16(fat[0:], 0xFFF8)
	binary.LittleEndian.PutUint16(fat[2:], 0xFFFF)
	binary.LittleEndian.PutUint16(fat[4:], 0xFFFF)
	root := data[8192:]
	for idx, file := range []struct {
		name    string
		cluster uint32
		size    uint32
	}{{"NOTES.TXT", 2, 11}, {"EMPTY.BIN", 0, 0}, {"BROKEN.BIN", 99, 5}} {
		record := root[idx*64:]
		record[0] = byte(len(file.name))
		record[1] = 0x20
		copy(record[2:], file.name)
		binary.LittleEndian.PutUint32(record[44:], file.cluster)
		binary.LittleEndian.PutUint32(record[48:], file.size)
	}
	copy(data[8192+512:], "hello world")

	image := &raw.Image{}
	if err := image.Open(readers.NewMemoryFilter("volume.img", data)); err != nil {
		t.Fatal(err)
	}
	fs := &FATX.FileSystem{}
	if err := fs.Mount(image, partition.Whole(image.Info().Sectors), nil, nil, ""); err != nil {
		t.Fatal(err)
	}
	return fs
}

func recordsOf(t *testing.T, fs metadata.ReadOnlyFilesystem, paths ...string) []metadata.Record {
	t.Helper()
	var records []metadata.Record
	for idx, path := range paths {
		info, err := fs.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, metadata.Entry{ID: idx + 1, Path: path, Info: info})
	}
	return records
}

func TestExportRecords(t *testing.T) {
	fs := mountVolume(t)
	target := afero.NewMemMapFs()
	exp := Exporter{Location: "/out", Hash: "md5", Strategy: StrategyID, Fs: target}

	exported, err := exp.ExportRecords(fs, recordsOf(t, fs, "/NOTES.TXT", "/BROKEN.BIN", "/EMPTY.BIN"))
	if !errors.Is(err, errno.InvalidData) {
		t.Fatalf("broken chain error: %v", err)
	}
	if len(exported) != 2 {
		t.Fatalf("exported %+v", exported)
	}

	notes := exported[0]
	want := filepath.Join("/out", "[2]NOTES.TXT")
	if notes.Target != want || notes.Size != 11 {
		t.Fatalf("notes exported as %+v", notes)
	}
	content, err := afero.ReadFile(target, want)
	if err != nil || string(content) != "hello world" {
		t.Fatalf("content %q %v", content, err)
	}
	if notes.Digests[0].String() != checksum.Sum([]byte("hello world"), checksum.MD5)[0].String() {
		t.Fatalf("digest %s", notes.Digests[0])
	}

	if exported[1].Size != 0 {
		t.Fatalf("empty file %+v", exported[1])
	}
	if exists, _ := afero.Exists(target, filepath.Join("/out", "[99]BROKEN.BIN")); exists {
		t.Fatal("failed export left a file behind")
	}
}

func TestOverwriteReplacesContent(t *testing.T) {
	fs := mountVolume(t)
	target := afero.NewMemMapFs()
	afero.WriteFile(target, "/out/NOTES.TXT", []byte("stale content from an earlier run"), 0o640)

	exp := Exporter{Location: "/out", Fs: target}
	if _, err := exp.ExportRecords(fs, recordsOf(t, fs, "/NOTES.TXT")); err != nil {
		t.Fatal(err)
	}
	content, _ := afero.ReadFile(target, "/out/NOTES.TXT")
	if string(content) != "hello world" {
		t.Fatalf("content %q", content)
	}
}

func TestExportRejectsBadOptions(t *testing.T) {
	fs := mountVolume(t)
	cases := map[string]Exporter{
		"location": {Fs: afero.NewMemMapFs()},
		"strategy": {Location: "/out", Strategy: "append", Fs: afero.NewMemMapFs()},
		"hash":     {Location: "/out", Hash: "crc64", Fs: afero.NewMemMapFs()},
	}
	for name, exp := range cases {
		if _, err := exp.ExportRecords(fs, recordsOf(t, fs, "/NOTES.TXT")); !errors.Is(err, errno.InvalidArgument) {
			t.Errorf("%s: %v", name, err)
		}
	}
}

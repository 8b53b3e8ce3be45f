package volume

import (
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/text/encoding"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/img/raw"
	"github.com/aarsakian/MediaImageForensics/readers"
)

// stubFS identifies everything; it panics or fails to mount on request.
type stubFS struct {
	metadata.ReadOnlyFilesystem
	panics bool
}

func (stub *stubFS) Name() string {
	return "stub"
}

func (stub *stubFS) Identify(image img.MediaImage, part partition.Partition) bool {
	if stub.panics {
		panic("corrupt boot sector")
	}
	return true
}

func (stub *stubFS) Mount(image img.MediaImage, part partition.Partition, enc encoding.Encoding,
	options map[string]string, namespace string) error {
	return errno.InvalidData
}

func fatxImage(t *testing.T) *raw.Image {
	t.Helper()
	data := make([]byte, 16384)
	copy(data, "FATX")
	binary.LittleEndian.PutUint32(data[8:], 1)
	binary.LittleEndian.PutUint32(data[12:], 1)
	binary.LittleEndian.PutUint16(data[4096:], 0xFFF8)
	binary.LittleEndian.PutUint16(data[4098:], 0xFFFF)
	image := &raw.Image{}
	if err := image.Open(readers.NewMemoryFilter("volume.img", data)); err != nil {
		t.Fatal(err)
	}
	return image
}

func withDrivers(t *testing.T, drivers ...Driver) {
	saved := Drivers
	Drivers = append(drivers, saved...)
	t.Cleanup(func() { Drivers = saved })
}

func TestLocateFallsThrough(t *testing.T) {
	withDrivers(t,
		func() metadata.ReadOnlyFilesystem { return &stubFS{panics: true} },
		func() metadata.ReadOnlyFilesystem { return &stubFS{} },
	)
	image := fatxImage(t)
	part := partition.Whole(image.Info().Sectors)

	names := Identify(image, part)
	if len(names) != 2 || names[0] != "stub" || names[1] != "FATX" {
		t.Fatalf("identified by %v", names)
	}
	fs, err := Locate(image, part, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if fs.Metadata().Type != "FATX" {
		t.Fatalf("mounted %s", fs.Metadata().Type)
	}
}

func TestLocateRejects(t *testing.T) {
	image := fatxImage(t)
	if _, err := Locate(image, partition.Partition{Start: 30, Length: 8}, Options{}); !errors.Is(err, errno.OutOfRange) {
		t.Fatalf("partition beyond image: %v", err)
	}
	blank := &raw.Image{}
	if err := blank.Open(readers.NewMemoryFilter("blank.img", make([]byte, 32*512))); err != nil {
		t.Fatal(err)
	}
	if _, err := Locate(blank, partition.Whole(32), Options{}); !errors.Is(err, errno.NotSupported) {
		t.Fatalf("blank media: %v", err)
	}
}

package reporter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"

	"github.com/aarsakian/MediaImageForensics/FS/FATX"
	"github.com/aarsakian/MediaImageForensics/checksum"
	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img/raw"
	"github.com/aarsakian/MediaImageForensics/readers"
	"github.com/aarsakian/MediaImageForensics/tree"
)

// walkVolume mounts a FATX volume holding /README (cluster 2) and walks it
// with SHA1 digests.
func walkVolume(t *testing.T) (*raw.Image, partition.Partition, *FATX.FileSystem, *tree.Tree) {
	t.Helper()
	data := make([]byte, 16384)
	copy(data, "FATX")
	binary.LittleEndian.PutUint32(data[4:], 0x0BADF00D)
	binary.LittleEndian.PutUint32(data[8:], 1)
	binary.LittleEndian.PutUint32(data[12:], 1)
	fat := data[4096:]
	binary.LittleEndian.PutUint16(fat[0:], 0xFFF8)
	binary.LittleEndian.PutUint16(fat[2:], 0xFFFF)
	binary.LittleEndian.PutUint16(fat[4:], 0xFFFF)
	root := data[8192:]
	root[0] = 6
	root[1] = 0x21
	copy(root[2:], "README")
	binary.LittleEndian.PutUint32(root[44:], 2)
	binary.LittleEndian.PutUint32(root[48:], 5)
	copy(data[8192+512:], "howdy")

	image := &raw.Image{}
	if err := image.Open(readers.NewMemoryFilter("volume.img", data)); err != nil {
		t.Fatal(err)
	}
	part := partition.Whole(image.Info().Sectors)
	fs := &FATX.FileSystem{}
	if err := fs.Mount(image, part, nil, nil, ""); err != nil {
		t.Fatal(err)
	}
	walked, err := tree.Walk(fs, tree.Options{Checksums: []checksum.Algorithm{checksum.SHA1}})
	if err != nil {
		t.Fatal(err)
	}
	return image, part, fs, walked
}

func TestShow(t *testing.T) {
	_, _, fs, walked := walkVolume(t)
	rp := Reporter{ShowAttributes: true, ShowFileSize: true, ShowDigests: true, ShowPath: true, ShowParent: true}
	var out bytes.Buffer
	rp.Show(&out, walked.Records(), 0, walked)
	listing := out.String()
	for _, want := range []string{
		"Partition 0 Path /README",
		"Attributes file readonly archive",
		"Size 5 bytes",
		"sha1 " + checksum.Sum([]byte("howdy"), checksum.SHA1)[0].String(),
		"Parent 0 /",
	} {
		if !strings.Contains(listing, want) {
			t.Errorf("listing lacks %q:\n%s", want, listing)
		}
	}

	out.Reset()
	ShowVolume(&out, 0, fs)
	if !strings.Contains(out.String(), "FATX volume") || !strings.Contains(out.String(), "0BADF00D") {
		t.Fatalf("volume summary %q", out.String())
	}
}

func TestSidecarFormats(t *testing.T) {
	image, part, fs, walked := walkVolume(t)
	sidecar := NewSidecar("volume.img", image, []partition.Partition{part})
	sidecar.AddVolume(0, fs, walked)

	var yamlOut bytes.Buffer
	if err := sidecar.Encode(&yamlOut, FormatYAML); err != nil {
		t.Fatal(err)
	}
	var fromYAML Sidecar
	if err := yaml.Unmarshal(yamlOut.Bytes(), &fromYAML); err != nil {
		t.Fatal(err)
	}
	if fromYAML.Image.Format != "raw" || len(fromYAML.Volumes) != 1 || fromYAML.Volumes[0].Type != "FATX" {
		t.Fatalf("yaml sidecar %+v", fromYAML)
	}
	file := fromYAML.Volumes[0].Files[0]
	if file.Path != "/README" || file.Digests["sha1"] == "" || file.Size != 5 {
		t.Fatalf("yaml file %+v", file)
	}
	if fromYAML.Volumes[0].FreeClusters == nil || *fromYAML.Volumes[0].FreeClusters != 14 {
		t.Fatalf("free clusters %v", fromYAML.Volumes[0].FreeClusters)
	}

	var first, second bytes.Buffer
	if err := sidecar.Encode(&first, FormatCBOR); err != nil {
		t.Fatal(err)
	}
	sidecar.Encode(&second, FormatCBOR)
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatal("cbor encoding is not deterministic")
	}
	var fromCBOR Sidecar
	if err := cbor.Unmarshal(first.Bytes(), &fromCBOR); err != nil {
		t.Fatal(err)
	}
	if fromCBOR.Volumes[0].Files[0].Digests["sha1"] != file.Digests["sha1"] {
		t.Fatalf("cbor sidecar %+v", fromCBOR)
	}

	if err := sidecar.Encode(&first, "xml"); !errors.Is(err, errno.InvalidArgument) {
		t.Fatalf("unknown format: %v", err)
	}
}

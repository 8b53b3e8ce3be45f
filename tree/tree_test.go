package tree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/FS/FAT"
	"github.com/aarsakian/MediaImageForensics/FS/FATX"
	"github.com/aarsakian/MediaImageForensics/checksum"
	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/img/raw"
	"github.com/aarsakian/MediaImageForensics/readers"
)

func dirent(name string, attributes uint8, cluster, size uint32) []byte {
	record := make([]byte, 64)
	record[0] = byte(len(name))
	record[1] = attributes
	copy(record[2:], name)
	binary.LittleEndian.PutUint32(record[44:], cluster)
	binary.LittleEndian.PutUint32(record[48:], size)
	return record
}

// volume is a FATX volume holding /A.TXT, /C.BAD with a looping chain and
// /DIR/B.BIN.
func volume() []byte {
	data := make([]byte, 16384)
	copy(data, "FATX")
	binary.LittleEndian.PutUint32(data[4:], 1)
	binary.LittleEndian.PutUint32(data[8:], 1)
	binary.LittleEndian.PutUint32(data[12:], 1)
	fat := data[4096:]
	binary.LittleEndian.PutUint16(fat[0:], 0xFFF8)
	for _, cluster := range []int{1, 2, 3, 4} {
		binary.LittleEndian.PutUint16(fat[cluster*2:], 0xFFFF)
	}
	binary.LittleEndian.PutUint16(fat[12:], 6)

	cluster := func(n int) []byte { return data[8192+(n-1)*512:] }
	copy(cluster(1), dirent("A.TXT", 0x20, 3, 3))
	copy(cluster(1)[64:], dirent("C.BAD", 0x20, 6, 100))
	copy(cluster(1)[128:], dirent("DIR", 0x10, 2, 0))
	copy(cluster(2), dirent("B.BIN", 0x20, 4, 10))
	copy(cluster(3), "abc")
	copy(cluster(4), "0123456789")
	return data
}

// loopingVolume is a FATX volume whose /DIR holds LOOP, pointing at /DIR
// itself, and UP, pointing at the root.
func loopingVolume() []byte {
	data := make([]byte, 16384)
	copy(data, "FATX")
	binary.LittleEndian.PutUint32(data[4:], 2)
	binary.LittleEndian.PutUint32(data[8:], 1)
	binary.LittleEndian.PutUint32(data[12:], 1)
	fat := data[4096:]
	binary.LittleEndian.PutUint16(fat[0:], 0xFFF8)
	binary.LittleEndian.PutUint16(fat[2:], 0xFFFF)
	binary.LittleEndian.PutUint16(fat[4:], 0xFFFF)

	cluster := func(n int) []byte { return data[8192+(n-1)*512:] }
	copy(cluster(1), dirent("DIR", 0x10, 2, 0))
	copy(cluster(2), dirent("LOOP", 0x10, 2, 0))
	copy(cluster(2)[64:], dirent("UP", 0x10, 1, 0))
	return data
}

// fat12Volume is a small FAT12 volume whose /LOOP directory lists itself
// as AGAIN next to an empty FILE.TXT.
func fat12Volume() []byte {
	data := make([]byte, 64*512)
	boot := data[:512]
	copy(boot, []byte{0xEB, 0x3C, 0x90})
	copy(boot[3:], "MSDOS5.0")
	binary.LittleEndian.PutUint16(boot[11:], 512)
	boot[13] = 1
	binary.LittleEndian.PutUint16(boot[14:], 1)
	boot[16] = 1
	binary.LittleEndian.PutUint16(boot[17:], 16)
	binary.LittleEndian.PutUint16(boot[19:], 64)
	boot[21] = 0xF8
	binary.LittleEndian.PutUint16(boot[22:], 1)
	boot[510], boot[511] = 0x55, 0xAA
	// FAT at sector 1, cluster 2 ends its chain
	copy(data[512:], []byte{0xF8, 0xFF, 0xFF, 0xFF, 0x0F})

	fatDirent := func(name string, attributes byte, cluster uint16) []byte {
		record := make([]byte, 32)
		copy(record, name)
		record[11] = attributes
		binary.LittleEndian.PutUint16(record[26:], cluster)
		return record
	}
	// root directory at sector 2, data from sector 3
	copy(data[1024:], fatDirent("LOOP       ", 0x10, 2))
	loop := data[1536:]
	copy(loop, fatDirent(".          ", 0x10, 2))
	copy(loop[32:], fatDirent("..         ", 0x10, 0))
	copy(loop[64:], fatDirent("AGAIN      ", 0x10, 2))
	copy(loop[96:], fatDirent("FILE    TXT", 0x20, 0))
	return data
}

func mountVolume(t *testing.T, fs metadata.ReadOnlyFilesystem, data []byte) metadata.ReadOnlyFilesystem {
	t.Helper()
	image := &raw.Image{}
	if err := image.Open(readers.NewMemoryFilter("volume.img", data)); err != nil {
		t.Fatal(err)
	}
	if err := fs.Mount(image, partition.Whole(image.Info().Sectors), nil, nil, ""); err != nil {
		t.Fatal(err)
	}
	return fs
}

func mount(t *testing.T) metadata.ReadOnlyFilesystem {
	return mountVolume(t, &FATX.FileSystem{}, volume())
}

func TestWalk(t *testing.T) {
	var visited []string
	tree, err := Walk(mount(t), Options{
		Checksums: []checksum.Algorithm{checksum.MD5},
		ChunkSize: 4,
		Progress:  func(path string, walked int) { visited = append(visited, path) },
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/A.TXT", "/C.BAD", "/DIR", "/DIR/B.BIN"}
	if strings.Join(visited, ",") != strings.Join(want, ",") {
		t.Fatalf("visited %v", visited)
	}
	if len(tree.Nodes) != 5 || len(tree.Root.Children()) != 3 {
		t.Fatalf("%d nodes, %d root children", len(tree.Nodes), len(tree.Root.Children()))
	}

	node, ok := tree.Find("/a.txt")
	if !ok || len(node.Digests) != 1 || node.Digests[0].String() != "900150983cd24fb0d6963f7d28e17f72" {
		t.Fatalf("A.TXT digests %+v", node)
	}
	node, _ = tree.Find("/DIR/B.BIN")
	if node.Digests[0].String() != checksum.Sum([]byte("0123456789"), checksum.MD5)[0].String() {
		t.Fatalf("B.BIN digested in 4 byte chunks: %s", node.Digests[0])
	}
	if node.Parent().Path != "/DIR" || node.ParentID != node.Parent().ID {
		t.Fatalf("B.BIN parent %+v", node.Parent())
	}

	bad, _ := tree.Find("/C.BAD")
	if bad.Error == "" || bad.Digests != nil || tree.Skipped != 1 {
		t.Fatalf("looping chain not skipped: %+v, skipped %d", bad, tree.Skipped)
	}

	records := tree.Records()
	if len(records) != 4 || len(metadata.FilterOutFolders(records)) != 3 {
		t.Fatalf("records %v", records)
	}

	var shown bytes.Buffer
	tree.Show(&shown)
	if !strings.Contains(shown.String(), "B.BIN") {
		t.Fatalf("show %q", shown.String())
	}
}

func TestWalkWithoutChecksums(t *testing.T) {
	tree, err := Walk(mount(t), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if tree.Skipped != 0 {
		t.Fatalf("skipped %d without reading data", tree.Skipped)
	}
	for _, node := range tree.Nodes {
		if node.Digests != nil {
			t.Fatalf("%s digested", node.Path)
		}
	}
}

func TestWalkAbort(t *testing.T) {
	var abort atomic.Bool
	tree, err := Walk(mount(t), Options{
		Abort:    &abort,
		Progress: func(path string, walked int) { abort.Store(true) },
	})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected abort, got %v", err)
	}
	if len(tree.Nodes) != 2 {
		t.Fatalf("walked %d nodes after abort", len(tree.Nodes))
	}
}

func TestWalkStopsAtDirectoryLoops(t *testing.T) {
	cases := []struct {
		name    string
		fs      metadata.ReadOnlyFilesystem
		data    []byte
		visited []string
		looping []string
	}{
		{"FATX", &FATX.FileSystem{}, loopingVolume(),
			[]string{"/DIR", "/DIR/LOOP", "/DIR/UP"}, []string{"/DIR/LOOP", "/DIR/UP"}},
		{"FAT12", &FAT.FileSystem{}, fat12Volume(),
			[]string{"/LOOP", "/LOOP/AGAIN", "/LOOP/FILE.TXT"}, []string{"/LOOP/AGAIN"}},
	}
	for _, tc := range cases {
		var visited []string
		tree, err := Walk(mountVolume(t, tc.fs, tc.data), Options{
			Progress: func(path string, walked int) { visited = append(visited, path) },
		})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if strings.Join(visited, ",") != strings.Join(tc.visited, ",") {
			t.Fatalf("%s: visited %v", tc.name, visited)
		}
		if tree.Skipped != len(tc.looping) {
			t.Fatalf("%s: skipped %d", tc.name, tree.Skipped)
		}
		for _, path := range tc.looping {
			node, ok := tree.Find(path)
			if !ok || node.Error == "" || len(node.Children()) != 0 {
				t.Fatalf("%s: %s descended %+v", tc.name, path, node)
			}
		}
	}
}

package metadata

import (
	"bytes"
	"errors"
	"testing"

	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img/raw"
	"github.com/aarsakian/MediaImageForensics/readers"
)

func TestSeek(t *testing.T) {
	node := NewBaseFileNode("/a", 100)
	cases := []struct {
		position int64
		origin   SeekOrigin
		want     int64
		ok       bool
	}{
		{10, SeekBegin, 10, true},
		{5, SeekCurrent, 15, true},
		{-1, SeekEnd, 99, true},
		{0, SeekEnd, 99, false},
		{-100, SeekCurrent, 99, false},
		{100, SeekBegin, 99, false},
	}
	for _, tc := range cases {
		got, err := Seek(&node, tc.position, tc.origin)
		if tc.ok != (err == nil) || got != tc.want {
			t.Errorf("seek %d/%d: got %d %v", tc.position, tc.origin, got, err)
		}
		if !tc.ok && !errors.Is(err, errno.InvalidArgument) {
			t.Errorf("expected invalid argument, got %v", err)
		}
	}
}

func TestClamp(t *testing.T) {
	node := NewBaseFileNode("/a", 10)
	buffer := make([]byte, 64)
	if got := Clamp(&node, 64, buffer); got != 10 {
		t.Fatalf("clamp %d", got)
	}
	node.SetOffset(8)
	if got := Clamp(&node, 64, buffer); got != 2 {
		t.Fatalf("clamp at 8: %d", got)
	}
	node.SetOffset(10)
	if got := Clamp(&node, 64, buffer); got != 0 {
		t.Fatalf("clamp at end: %d", got)
	}
}

func TestDirectoryLookup(t *testing.T) {
	dir := NewDirectory[int]()
	dir.Add("README.TXT;1", 1)
	dir.Add("b", 2)
	if dir.Add("B", 3) {
		t.Fatal("case insensitive duplicate accepted")
	}
	if got, ok := dir.Lookup("readme.txt"); !ok || got != 1 {
		t.Fatal("version suffix retry failed")
	}
	if got, ok := dir.Lookup("B"); !ok || got != 2 {
		t.Fatal("case insensitive lookup failed")
	}
	names := dir.Names()
	if len(names) != 2 || names[0] != "b" && names[1] != "b" {
		t.Fatalf("names %v", names)
	}
}

type fakeEntry struct {
	dir      bool
	children map[string]fakeEntry
}

func TestDirectoryCache(t *testing.T) {
	tree := map[string]fakeEntry{
		"dir1": {dir: true, children: map[string]fakeEntry{
			"dir2": {dir: true, children: map[string]fakeEntry{"file.txt": {}}},
		}},
		"file": {},
	}
	build := func(children map[string]fakeEntry) *Directory[fakeEntry] {
		dir := NewDirectory[fakeEntry]()
		for name, entry := range children {
			dir.Add(name, entry)
		}
		return dir
	}
	loads := 0
	failing := true
	cache := NewDirectoryCache(build(tree), func(entry fakeEntry) bool { return entry.dir },
		func(dirPath string, entry fakeEntry) (*Directory[fakeEntry], error) {
			loads++
			if dirPath == "/dir1/dir2" && failing {
				failing = false
				return nil, errno.InOutError
			}
			return build(entry.children), nil
		})

	if _, err := cache.Entry("/dir1/dir2/file.txt"); !errors.Is(err, errno.InOutError) {
		t.Fatalf("first load should fail, got %v", err)
	}
	if _, err := cache.Entry("/DIR1/dir2/FILE.TXT"); err != nil {
		t.Fatalf("failed load must not be cached: %v", err)
	}
	before := loads
	cache.Entry("/dir1/dir2/file.txt")
	if loads != before {
		t.Fatal("directories decoded twice")
	}
	if _, err := cache.Entry("/file/x"); !errors.Is(err, errno.NotADirectory) {
		t.Fatalf("file as directory: %v", err)
	}
	if _, err := cache.Entry("/nothing"); !errors.Is(err, errno.NoSuchFile) {
		t.Fatalf("missing: %v", err)
	}
	if _, err := cache.Entry("/"); !errors.Is(err, errno.InvalidArgument) {
		t.Fatalf("root: %v", err)
	}
}

func TestReadExtents(t *testing.T) {
	// blocks hold their own number in every byte
	readBlocks := func(start, count uint64) ([]byte, error) {
		var out []byte
		for block := start; block < start+count; block++ {
			out = append(out, bytes.Repeat([]byte{byte(block)}, 4)...)
		}
		return out, nil
	}
	extents := []Extent{{Start: 10, Length: 2}, {Start: 20, Length: 1}, {Start: 5, Length: 2}}
	data, err := ReadExtents(extents, 4, 6, 8, readBlocks)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{11, 11, 20, 20, 20, 20, 5, 5}
	if !bytes.Equal(data, want) {
		t.Fatalf("got %v want %v", data, want)
	}
	if _, err := ReadExtents(extents, 4, 0, 40, readBlocks); !errors.Is(err, errno.InvalidData) {
		t.Fatalf("extents shorter than request: %v", err)
	}
}

func TestFollowChain(t *testing.T) {
	fat := map[uint32]uint32{2: 3, 3: 4, 4: 9, 9: 0xFFF}
	isEnd := func(cluster uint32) bool { return cluster >= 0xFF8 }
	next := func(cluster uint32) (uint32, error) { return fat[cluster], nil }
	chain, err := FollowChain(2, next, isEnd, 100)
	if err != nil || len(chain) != 4 {
		t.Fatalf("chain %v %v", chain, err)
	}
	extents := ChainExtents(chain)
	if len(extents) != 2 || extents[0] != (Extent{2, 3}) || extents[1] != (Extent{9, 1}) {
		t.Fatalf("extents %v", extents)
	}
	fat[9] = 3
	if _, err := FollowChain(2, next, isEnd, 100); !errors.Is(err, errno.InvalidData) {
		t.Fatalf("loop: %v", err)
	}
}

func TestReadBytes(t *testing.T) {
	data := make([]byte, 512*8)
	for idx := range data {
		data[idx] = byte(idx / 512)
	}
	image := &raw.Image{}
	if err := image.Open(readers.NewMemoryFilter("disk.img", data)); err != nil {
		t.Fatal(err)
	}
	part := partition.Partition{Start: 2, Length: 4}
	got, err := ReadBytes(image, part, 510, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{2, 2, 3, 3}) {
		t.Fatalf("got %v", got)
	}
	if _, err := ReadBytes(image, part, 4*512-1, 2); !errors.Is(err, errno.OutOfRange) {
		t.Fatalf("beyond partition: %v", err)
	}
}

func TestMountState(t *testing.T) {
	var state MountState
	if err := state.Check(); !errors.Is(err, errno.AccessDenied) {
		t.Fatal("unmounted check passed")
	}
	if err := state.CheckUnmounted(); err != nil {
		t.Fatal(err)
	}
	state.SetMounted()
	if err := state.CheckUnmounted(); !errors.Is(err, errno.AccessDenied) {
		t.Fatalf("mounted state passed: %v", err)
	}
	if err := state.Unmount(); err != nil {
		t.Fatal(err)
	}
	if err := state.Unmount(); !errors.Is(err, errno.AccessDenied) {
		t.Fatalf("second unmount: %v", err)
	}
}

func TestRecordFilters(t *testing.T) {
	records := []Record{
		Entry{Path: "/DOCS/README.TXT", Info: FileEntryInfo{Attributes: AttrFile}},
		Entry{Path: "/DOCS", Info: FileEntryInfo{Attributes: AttrDirectory}},
		Entry{Path: "/GAME.EXE", Info: FileEntryInfo{Attributes: AttrFile}},
	}
	if got := FilterByExtension(records, "txt"); len(got) != 1 {
		t.Fatalf("extension filter %v", got)
	}
	if got := FilterByPath(records, "/docs"); len(got) != 2 {
		t.Fatalf("path filter %v", got)
	}
	if got := FilterOutFolders(records); len(got) != 2 {
		t.Fatalf("folders filter %v", got)
	}
	if got := FilterByPrefixSuffix(records, "game", ".exe"); len(got) != 1 {
		t.Fatalf("prefix filter %v", got)
	}
}

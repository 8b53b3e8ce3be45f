package metadata

import (
	"path"
	"slices"
	"strings"

	"github.com/tidwall/btree"

	"github.com/aarsakian/MediaImageForensics/errno"
)

// SplitPath returns the components of an absolute or relative path.
func SplitPath(filePath string) []string {
	var components []string
	for _, component := range strings.Split(filePath, "/") {
		if component == "" || component == "." {
			continue
		}
		components = append(components, component)
	}
	return components
}

func IsRoot(filePath string) bool {
	return len(SplitPath(filePath)) == 0
}

// JoinPath builds the canonical absolute form used for cache keys.
func JoinPath(components ...string) string {
	return "/" + path.Join(components...)
}

func foldName(name string) string {
	return strings.ToUpper(name)
}

type dirItem[E any] struct {
	key   string
	name  string
	entry E
}

// Directory is one decoded directory, ordered by name and looked up case
// insensitively.
type Directory[E any] struct {
	items *btree.BTreeG[dirItem[E]]
}

func NewDirectory[E any]() *Directory[E] {
	return &Directory[E]{items: btree.NewBTreeG(func(a, b dirItem[E]) bool {
		return a.key < b.key
	})}
}

// Add inserts an entry; names colliding case insensitively keep the first.
func (dir *Directory[E]) Add(name string, entry E) bool {
	item := dirItem[E]{key: foldName(name), name: name, entry: entry}
	if _, ok := dir.items.Get(item); ok {
		return false
	}
	dir.items.Set(item)
	return true
}

// Lookup finds name, retrying with the ";1" version suffix.
func (dir *Directory[E]) Lookup(name string) (E, bool) {
	if item, ok := dir.items.Get(dirItem[E]{key: foldName(name)}); ok {
		return item.entry, true
	}
	if item, ok := dir.items.Get(dirItem[E]{key: foldName(name + ";1")}); ok {
		return item.entry, true
	}
	var zero E
	return zero, false
}

// Names returns the stored names in order.
func (dir *Directory[E]) Names() []string {
	names := make([]string, 0, dir.items.Len())
	dir.items.Scan(func(item dirItem[E]) bool {
		names = append(names, item.name)
		return true
	})
	return names
}

func (dir *Directory[E]) Scan(fn func(name string, entry E) bool) {
	dir.items.Scan(func(item dirItem[E]) bool {
		return fn(item.name, item.entry)
	})
}

func (dir *Directory[E]) Len() int {
	return dir.items.Len()
}

// DirectoryCache resolves paths by descending from the root, decoding each
// directory the first time it is visited and memoising it by full path.
type DirectoryCache[E any] struct {
	root     *Directory[E]
	byPath   map[string]*Directory[E]
	isDir    func(E) bool
	load     func(dirPath string, entry E) (*Directory[E], error)
	rootID   uint64
	identity func(E) uint64
}

func NewDirectoryCache[E any](root *Directory[E], isDir func(E) bool,
	load func(dirPath string, entry E) (*Directory[E], error)) *DirectoryCache[E] {
	return &DirectoryCache[E]{root: root, byPath: map[string]*Directory[E]{"/": root}, isDir: isDir, load: load}
}

// TrackIdentity makes ResolveDirectory reject a directory whose identity
// (first cluster or extent) repeats one of its ancestors, root included.
func (cache *DirectoryCache[E]) TrackIdentity(rootID uint64, identity func(E) uint64) {
	cache.rootID, cache.identity = rootID, identity
}

// Add registers a directory decoded outside of the cache.
func (cache *DirectoryCache[E]) Add(dirPath string, dir *Directory[E]) {
	cache.byPath[foldName(JoinPath(SplitPath(dirPath)...))] = dir
}

// ResolveDirectory returns the decoded directory at dirPath.
func (cache *DirectoryCache[E]) ResolveDirectory(dirPath string) (*Directory[E], error) {
	components := SplitPath(dirPath)
	if dir, ok := cache.byPath[foldName(JoinPath(components...))]; ok {
		return dir, nil
	}
	dir := cache.root
	ancestors := []uint64{cache.rootID}
	for idx, component := range components {
		entry, ok := dir.Lookup(component)
		if !ok {
			return nil, errno.Errorf(errno.NoSuchFile, "%s", JoinPath(components[:idx+1]...))
		}
		if !cache.isDir(entry) {
			return nil, errno.Errorf(errno.NotADirectory, "%s", JoinPath(components[:idx+1]...))
		}
		current := JoinPath(components[:idx+1]...)
		if cache.identity != nil {
			id := cache.identity(entry)
			if slices.Contains(ancestors, id) {
				return nil, errno.Errorf(errno.InvalidData, "directory %s loops back to %d", current, id)
			}
			ancestors = append(ancestors, id)
		}
		key := foldName(current)
		if cached, ok := cache.byPath[key]; ok {
			dir = cached
			continue
		}
		loaded, err := cache.load(current, entry)
		if err != nil {
			return nil, err
		}
		cache.byPath[key] = loaded
		dir = loaded
	}
	return dir, nil
}

// Entry resolves the parent directory of filePath and looks up its last
// component. The root has no entry and yields InvalidArgument.
func (cache *DirectoryCache[E]) Entry(filePath string) (E, error) {
	var zero E
	components := SplitPath(filePath)
	if len(components) == 0 {
		return zero, errno.Errorf(errno.InvalidArgument, "root has no entry")
	}
	parent, err := cache.ResolveDirectory(JoinPath(components[:len(components)-1]...))
	if err != nil {
		return zero, err
	}
	entry, ok := parent.Lookup(components[len(components)-1])
	if !ok {
		return zero, errno.Errorf(errno.NoSuchFile, "%s", JoinPath(components...))
	}
	return entry, nil
}

// Cached reports how many directories have been decoded.
func (cache *DirectoryCache[E]) Cached() int {
	return len(cache.byPath)
}

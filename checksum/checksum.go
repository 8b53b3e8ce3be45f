// Package checksum digests streams of file data with several algorithms at
// once.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"hash/crc32"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/utils"
)

type Algorithm int

const (
	CRC32 Algorithm = iota
	MD5
	SHA1
	SHA256
	BLAKE3
)

var algorithmNames = map[Algorithm]string{
	CRC32:  "crc32",
	MD5:    "md5",
	SHA1:   "sha1",
	SHA256: "sha256",
	BLAKE3: "blake3",
}

func (algorithm Algorithm) String() string {
	if name, ok := algorithmNames[algorithm]; ok {
		return name
	}
	return fmt.Sprintf("algorithm(%d)", int(algorithm))
}

func (algorithm Algorithm) newHash() hash.Hash {
	switch algorithm {
	case CRC32:
		return crc32.NewIEEE()
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	case BLAKE3:
		return blake3.New()
	}
	return nil
}

// ParseAlgorithms resolves case insensitive algorithm names.
func ParseAlgorithms(names []string) ([]Algorithm, error) {
	var algorithms []Algorithm
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		found := false
		for algorithm, known := range algorithmNames {
			if known == name {
				algorithms = append(algorithms, algorithm)
				found = true
				break
			}
		}
		if !found {
			return nil, errno.Errorf(errno.InvalidArgument, "unknown checksum %q", name)
		}
	}
	return algorithms, nil
}

type Digest struct {
	Algorithm Algorithm
	Value     []byte
}

func (digest Digest) String() string {
	return utils.Hexify(digest.Value)
}

// Checksum feeds every update to all of its algorithms.
type Checksum struct {
	algorithms []Algorithm
	hashes     []hash.Hash
	finished   bool
}

func New(algorithms ...Algorithm) *Checksum {
	checksum := &Checksum{}
	for _, algorithm := range algorithms {
		if h := algorithm.newHash(); h != nil {
			checksum.algorithms = append(checksum.algorithms, algorithm)
			checksum.hashes = append(checksum.hashes, h)
		}
	}
	return checksum
}

func (checksum *Checksum) Update(data []byte) {
	if checksum.finished {
		return
	}
	for _, h := range checksum.hashes {
		h.Write(data)
	}
}

// Final returns the digests in the order the algorithms were given. Later
// updates are ignored.
func (checksum *Checksum) Final() []Digest {
	checksum.finished = true
	digests := make([]Digest, len(checksum.hashes))
	for idx, h := range checksum.hashes {
		digests[idx] = Digest{Algorithm: checksum.algorithms[idx], Value: h.Sum(nil)}
	}
	return digests
}

// Sum digests data in one call.
func Sum(data []byte, algorithms ...Algorithm) []Digest {
	checksum := New(algorithms...)
	checksum.Update(data)
	return checksum.Final()
}

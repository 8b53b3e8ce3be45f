package disk

import (
	"errors"
	"math"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
)

// sectors requested per read while scanning
const entropyBatch = 64

var ErrAborted = errors.New("operation aborted")

type EntropyOptions struct {
	ByTrack       bool // optical images only
	UniqueSectors bool
	Progress      func(done, total uint64)
	Abort         *atomic.Bool
}

type EntropyResult struct {
	Track         uint32 // zero for the whole image
	Sectors       uint64
	Entropy       float64
	UniqueSectors uint64
}

type entropyCounter struct {
	frequencies [256]uint64
	total       uint64
	unique      map[[32]byte]struct{}
}

func newEntropyCounter(unique bool) *entropyCounter {
	counter := &entropyCounter{}
	if unique {
		counter.unique = map[[32]byte]struct{}{}
	}
	return counter
}

func (counter *entropyCounter) add(data []byte, sectorSize int) {
	for _, b := range data {
		counter.frequencies[b]++
	}
	counter.total += uint64(len(data))
	if counter.unique == nil || sectorSize <= 0 {
		return
	}
	for pos := 0; pos+sectorSize <= len(data); pos += sectorSize {
		counter.unique[blake3.Sum256(data[pos:pos+sectorSize])] = struct{}{}
	}
}

// shannon returns the entropy in bits per byte.
func (counter *entropyCounter) shannon() float64 {
	if counter.total == 0 {
		return 0
	}
	var entropy float64
	for _, frequency := range counter.frequencies {
		if frequency == 0 {
			continue
		}
		probability := float64(frequency) / float64(counter.total)
		entropy -= probability * math.Log2(probability)
	}
	return entropy
}

type scanRange struct {
	track        uint32
	start, count uint64
	read         func(addr uint64, count uint32) ([]byte, error)
}

// Entropy computes the Shannon entropy of the whole image, or of each track
// of an optical image. The abort flag is checked between reads.
func Entropy(image img.MediaImage, opts EntropyOptions) ([]EntropyResult, error) {
	info := image.Info()
	ranges := []scanRange{{start: 0, count: info.Sectors, read: image.ReadSectors}}
	if optical, ok := image.(img.OpticalImage); ok && opts.ByTrack {
		ranges = ranges[:0]
		for _, track := range optical.Tracks() {
			scan := scanRange{track: track.Sequence, start: track.StartSector, count: track.Sectors(), read: image.ReadSectors}
			// audio tracks on data media only read whole
			if track.BytesPerSector != info.SectorSize {
				scan.read = optical.ReadSectorsLong
			}
			ranges = append(ranges, scan)
		}
	}
	var total, done uint64
	for _, span := range ranges {
		total += span.count
	}

	var results []EntropyResult
	for _, span := range ranges {
		counter := newEntropyCounter(opts.UniqueSectors)
		for offset := uint64(0); offset < span.count; {
			if opts.Abort != nil && opts.Abort.Load() {
				logger.MILogger.Warningf("entropy aborted after %d of %d sectors", done, total)
				return results, ErrAborted
			}
			count := min(span.count-offset, entropyBatch)
			data, err := span.read(span.start+offset, uint32(count))
			if err != nil {
				return results, err
			}
			counter.add(data, len(data)/int(count))
			offset += count
			done += count
			if opts.Progress != nil {
				opts.Progress(done, total)
			}
		}
		results = append(results, EntropyResult{
			Track:         span.track,
			Sectors:       span.count,
			Entropy:       counter.shannon(),
			UniqueSectors: uint64(len(counter.unique)),
		})
	}
	return results, nil
}

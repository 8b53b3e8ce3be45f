package disk

import (
	"fmt"
	"io"

	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
)

const maxFluxTrack = 167

type FluxCapture struct {
	Resolution  uint64 // duration of one tick
	IndexTicks  uint64
	Transitions uint64
	DataTicks   uint64
}

type FluxTrack struct {
	Head     uint32
	Track    uint16
	Captures []FluxCapture
}

// FluxSummary counts the transitions of every captured revolution. Tracks
// that were not captured are left out.
func FluxSummary(image img.FluxImage) []FluxTrack {
	var tracks []FluxTrack
	for head := uint32(0); head < 2; head++ {
		for track := uint16(0); track <= maxFluxTrack; track++ {
			count, err := image.CaptureCount(head, track, 0)
			if err != nil || count == 0 {
				continue
			}
			summary := FluxTrack{Head: head, Track: track}
			for capture := uint32(0); capture < count; capture++ {
				_, resolution, index, data, err := image.ReadFluxCapture(head, track, 0, capture)
				if err != nil {
					logger.MILogger.Warningf("head %d track %d capture %d: %v", head, track, capture, err)
					continue
				}
				result := FluxCapture{Resolution: resolution}
				for ticks := range index {
					result.IndexTicks += ticks
				}
				for ticks := range data {
					result.Transitions++
					result.DataTicks += ticks
				}
				summary.Captures = append(summary.Captures, result)
			}
			tracks = append(tracks, summary)
		}
	}
	return tracks
}

func ShowFlux(w io.Writer, tracks []FluxTrack) {
	for _, track := range tracks {
		for idx, capture := range track.Captures {
			fmt.Fprintf(w, "head %d track %3d capture %d: %d transitions over %d ticks, index %d ticks of %d\n",
				track.Head, track.Track, idx, capture.Transitions, capture.DataTicks, capture.IndexTicks, capture.Resolution)
		}
	}
}

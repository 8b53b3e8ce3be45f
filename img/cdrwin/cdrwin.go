// Package cdrwin reads optical images described by a CUE sheet with one or
// more BIN files.
package cdrwin

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/readers"
	"github.com/aarsakian/MediaImageForensics/utils"
)

var syncPattern = []byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}

type track struct {
	img.Track
	mode   trackMode
	filter readers.Filter
}

type Image struct {
	sheet     *cueSheet
	tracks    []*track
	sessions  []img.Session
	offsetMap map[uint64]uint32 // logical start sector to track sequence
	filters   []readers.Filter  // BIN files owned by the image
	info      img.ImageInfo
}

func (image *Image) Name() string {
	return "cdrwin"
}

// Identify accepts text whose first keyword lines look like a cue sheet.
func (image *Image) Identify(filter readers.Filter) bool {
	length := filter.Length()
	if length < 10 || length > maxCueSize {
		return false
	}
	head := make([]byte, min(length, 2048))
	if _, err := filter.DataStream().ReadAt(head, 0); err != nil {
		return false
	}
	if bytes.IndexByte(head, 0) != -1 {
		return false
	}
	for _, line := range strings.Split(string(head), "\n") {
		tokens := tokenize(strings.TrimPrefix(strings.TrimSpace(line), "\ufeff"))
		if len(tokens) == 0 {
			continue
		}
		switch strings.ToUpper(tokens[0]) {
		case "REM", "CATALOG", "TITLE", "PERFORMER", "CDTEXTFILE", "SONGWRITER":
			continue
		case "FILE":
			return len(tokens) >= 3
		default:
			return false
		}
	}
	return false
}

func (image *Image) Open(filter readers.Filter) (err error) {
	defer errno.Recover(&err)
	if !image.Identify(filter) {
		return errno.Errorf(errno.InvalidArgument, "%s is not a cue sheet", filter.Filename())
	}
	if _, err := filter.DataStream().Seek(0, 0); err != nil {
		return err
	}
	sheet, err := parseCue(filter.DataStream())
	if err != nil {
		return err
	}

	opened := make(map[string]readers.Filter)
	var owned []readers.Filter
	fail := func(cause error) error {
		for _, binFilter := range owned {
			cause = multierr.Append(cause, binFilter.Close())
		}
		return cause
	}

	dir := filepath.Dir(filter.Path())
	var tracks []*track
	for _, cue := range sheet.tracks {
		binFilter, ok := opened[cue.file]
		if !ok {
			path := cue.file
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			binFilter, err = readers.GetFilter(path)
			if err != nil {
				return fail(fmt.Errorf("track %d file %s: %v: %w", cue.sequence, cue.file, err, errno.NoSuchFile))
			}
			opened[cue.file] = binFilter
			owned = append(owned, binFilter)
		}
		mode := trackModes[cue.mode]
		tracks = append(tracks, &track{mode: mode, filter: binFilter, Track: img.Track{
			Sequence:          cue.sequence,
			Session:           cue.session,
			Type:              mode.kind,
			Pregap:            cue.index[1] - cue.start(),
			RawBytesPerSector: mode.raw,
			BytesPerSector:    mode.cooked,
			File:              cue.file,
			FileType:          cue.fileType,
			Flags:             cue.flags,
			ISRC:              cue.isrc,
			Title:             cue.title,
			Performer:         cue.performer,
		}})
		if cue.index[1] < cue.start() {
			return fail(errno.Errorf(errno.InvalidData, "track %d INDEX 01 precedes INDEX 00", cue.sequence))
		}
	}

	// lay tracks out in their files, then number sectors across files
	var next uint64
	for idx, current := range tracks {
		cue := sheet.tracks[idx]
		if idx > 0 && tracks[idx-1].File == current.File {
			previous := tracks[idx-1]
			prevCue := sheet.tracks[idx-1]
			if cue.start() <= prevCue.start() {
				return fail(errno.Errorf(errno.InvalidData, "track %d starts before track %d", current.Sequence, previous.Sequence))
			}
			sectors := cue.start() - prevCue.start()
			previous.EndSector = previous.StartSector + sectors - 1
			current.FileOffset = previous.FileOffset + int64(sectors)*int64(previous.RawBytesPerSector)
		} else {
			if idx > 0 {
				if err := closeTrack(tracks[idx-1]); err != nil {
					return fail(err)
				}
			}
			current.FileOffset = int64(cue.start()) * int64(current.RawBytesPerSector)
		}
		if idx > 0 {
			next = tracks[idx-1].EndSector + 1
		}
		current.StartSector = next
	}
	if err := closeTrack(tracks[len(tracks)-1]); err != nil {
		return fail(err)
	}

	image.sheet, image.tracks, image.filters = sheet, tracks, owned
	image.buildMaps()
	image.info = img.ImageInfo{
		Sectors:              tracks[len(tracks)-1].EndSector + 1,
		SectorSize:           2048,
		MediaType:            image.mediaType(),
		CreationTime:         filter.CreationTime(),
		LastModificationTime: filter.LastWriteTime(),
		MediaTitle:           sheet.title,
		Creator:              sheet.performer,
		HasPartitions:        true,
		HasSessions:          true,
	}
	for _, current := range tracks {
		image.info.ImageSize += current.Sectors() * uint64(current.BytesPerSector)
	}
	if image.info.MediaType == img.CDDA {
		image.info.SectorSize = 2352
	}
	logger.MILogger.Infof("cdrwin: %d tracks in %d sessions, %d sectors", len(tracks), len(image.sessions), image.info.Sectors)
	return nil
}

// closeTrack ends the last track of a file at the end of that file.
func closeTrack(last *track) error {
	remaining := last.filter.Length() - last.FileOffset
	sectors := remaining / int64(last.RawBytesPerSector)
	if remaining <= 0 || sectors == 0 {
		return errno.Errorf(errno.InvalidData, "track %d lies beyond the end of %s", last.Sequence, last.File)
	}
	last.EndSector = last.StartSector + uint64(sectors) - 1
	return nil
}

func (image *Image) buildMaps() {
	image.offsetMap = make(map[uint64]uint32, len(image.tracks))
	image.sessions = nil
	for _, current := range image.tracks {
		image.offsetMap[current.StartSector] = current.Sequence
		if len(image.sessions) == 0 || image.sessions[len(image.sessions)-1].Sequence != current.Session {
			image.sessions = append(image.sessions, img.Session{Sequence: current.Session,
				StartTrack: current.Sequence, StartSector: current.StartSector})
		}
		session := &image.sessions[len(image.sessions)-1]
		session.EndTrack = current.Sequence
		session.EndSector = current.EndSector
	}
}

func (image *Image) mediaType() img.MediaType {
	audio, xa := true, false
	for _, current := range image.tracks {
		if current.Type != img.TrackAudio {
			audio = false
		}
		if current.Type == img.TrackMode2Form1 {
			xa = true
		}
	}
	switch {
	case audio:
		return img.CDDA
	case xa:
		return img.CDROMXA
	}
	return img.CDROM
}

func (image *Image) Info() img.ImageInfo {
	return image.info
}

func (image *Image) Tracks() []img.Track {
	tracks := make([]img.Track, len(image.tracks))
	for idx, current := range image.tracks {
		tracks[idx] = current.Track
	}
	return tracks
}

func (image *Image) Sessions() []img.Session {
	return append([]img.Session(nil), image.sessions...)
}

// owner resolves the track holding a logical sector.
func (image *Image) owner(addr uint64) (*track, error) {
	for _, current := range image.tracks {
		if addr >= current.StartSector && addr <= current.EndSector {
			return current, nil
		}
	}
	return nil, errno.Errorf(errno.OutOfRange, "sector %d", addr)
}

func (image *Image) trackBySequence(sequence uint32) (*track, error) {
	for _, current := range image.tracks {
		if current.Sequence == sequence {
			return current, nil
		}
	}
	return nil, errno.Errorf(errno.InvalidArgument, "no track %d", sequence)
}

func (current *track) read(relative uint64, count uint64, offset, size uint32) ([]byte, error) {
	data := make([]byte, count*uint64(size))
	for idx := uint64(0); idx < count; idx++ {
		position := current.FileOffset + int64(relative+idx)*int64(current.RawBytesPerSector) + int64(offset)
		if _, err := current.filter.DataStream().ReadAt(data[idx*uint64(size):(idx+1)*uint64(size)], position); err != nil {
			return nil, fmt.Errorf("track %d sector %d: %v: %w", current.Sequence, relative+idx, err, errno.InOutError)
		}
	}
	return data, nil
}

// span runs fn over each track-contiguous piece of [addr, addr+count).
func (image *Image) span(addr uint64, count uint32, fn func(current *track, relative, sectors uint64) error) error {
	if err := img.CheckRange(image.info, addr, count); err != nil {
		return err
	}
	first, err := image.owner(addr)
	if err != nil {
		return err
	}
	for remaining := uint64(count); remaining > 0; {
		current, err := image.owner(addr)
		if err != nil {
			return err
		}
		if current.BytesPerSector != first.BytesPerSector {
			return errno.Errorf(errno.InvalidArgument, "read spans tracks %d and %d of different sector sizes", first.Sequence, current.Sequence)
		}
		sectors := min(remaining, current.EndSector-addr+1)
		if err := fn(current, addr-current.StartSector, sectors); err != nil {
			return err
		}
		addr += sectors
		remaining -= sectors
	}
	return nil
}

func (image *Image) ReadSector(addr uint64) ([]byte, error) {
	return image.ReadSectors(addr, 1)
}

func (image *Image) ReadSectors(addr uint64, count uint32) ([]byte, error) {
	buf := utils.GetBuffer()
	defer utils.PutBuffer(buf)
	err := image.span(addr, count, func(current *track, relative, sectors uint64) error {
		if current.BytesPerSector != image.info.SectorSize {
			return errno.Errorf(errno.InvalidArgument, "track %d holds %d byte sectors on %d byte media, read it per track or long",
				current.Sequence, current.BytesPerSector, image.info.SectorSize)
		}
		data, err := current.read(relative, sectors, current.mode.userOffset, current.mode.cooked)
		buf.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (image *Image) ReadSectorInTrack(addr uint64, sequence uint32) ([]byte, error) {
	current, err := image.trackBySequence(sequence)
	if err != nil {
		return nil, err
	}
	if addr >= current.Sectors() {
		return nil, errno.Errorf(errno.OutOfRange, "sector %d of track %d", addr, sequence)
	}
	return current.read(addr, 1, current.mode.userOffset, current.mode.cooked)
}

// long returns one 2352 byte sector, rebuilding sync and header for tracks
// stored without them.
func (current *track) long(relative uint64) ([]byte, error) {
	switch current.RawBytesPerSector {
	case 2352:
		return current.read(relative, 1, 0, 2352)
	case 2336:
		stored, err := current.read(relative, 1, 0, 2336)
		if err != nil {
			return nil, err
		}
		sector := make([]byte, 2352)
		copy(sector, syncPattern)
		copy(sector[12:], msfHeader(current.StartSector+relative, 2))
		copy(sector[16:], stored)
		return sector, nil
	}
	return nil, errno.Errorf(errno.NotSupported, "track %d stores cooked sectors only", current.Sequence)
}

func bcd(value uint64) byte {
	return byte((value/10)<<4 | value%10)
}

// msfHeader builds the 4 byte sector header for a logical address; the
// lead-in offset of 150 frames is included.
func msfHeader(addr uint64, mode byte) []byte {
	frames := addr + 150
	return []byte{bcd(frames / (60 * 75)), bcd(frames / 75 % 60), bcd(frames % 75), mode}
}

func (image *Image) ReadSectorLong(addr uint64) ([]byte, error) {
	return image.ReadSectorsLong(addr, 1)
}

func (image *Image) ReadSectorsLong(addr uint64, count uint32) ([]byte, error) {
	if err := img.CheckRange(image.info, addr, count); err != nil {
		return nil, err
	}
	buf := utils.GetBuffer()
	defer utils.PutBuffer(buf)
	for idx := uint64(0); idx < uint64(count); idx++ {
		current, err := image.owner(addr + idx)
		if err != nil {
			return nil, err
		}
		sector, err := current.long(addr + idx - current.StartSector)
		if err != nil {
			return nil, err
		}
		buf.Write(sector)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (image *Image) SupportedSectorTags(sequence uint32) []img.SectorTag {
	current, err := image.trackBySequence(sequence)
	if err != nil {
		return nil
	}
	tags := []img.SectorTag{img.CdTrackFlags}
	if current.ISRC != "" {
		tags = append(tags, img.CdTrackIsrc)
	}
	if current.Type == img.TrackAudio || current.RawBytesPerSector == 2048 {
		return tags
	}
	tags = append(tags, img.CdSectorSync, img.CdSectorHeader, img.CdSectorEdc)
	if current.Type == img.TrackMode1 {
		return append(tags, img.CdSectorEccP, img.CdSectorEccQ, img.CdSectorEcc)
	}
	return append(tags, img.CdSectorSubHeader)
}

func (image *Image) ReadSectorTag(addr uint64, tag img.SectorTag) ([]byte, error) {
	if err := img.CheckRange(image.info, addr, 1); err != nil {
		return nil, err
	}
	current, err := image.owner(addr)
	if err != nil {
		return nil, err
	}
	switch tag {
	case img.CdTrackFlags:
		return []byte{current.Flags}, nil
	case img.CdTrackIsrc:
		if current.ISRC == "" {
			return nil, errno.NotSupported
		}
		return []byte(current.ISRC), nil
	}
	supported := false
	for _, candidate := range image.SupportedSectorTags(current.Sequence) {
		supported = supported || candidate == tag
	}
	if !supported {
		return nil, errno.Errorf(errno.NotSupported, "tag %d on track %d", tag, current.Sequence)
	}
	sector, err := current.long(addr - current.StartSector)
	if err != nil {
		return nil, err
	}
	mode1 := current.Type == img.TrackMode1
	switch tag {
	case img.CdSectorSync:
		return sector[0:12], nil
	case img.CdSectorHeader:
		return sector[12:16], nil
	case img.CdSectorSubHeader:
		return sector[16:24], nil
	case img.CdSectorEdc:
		if mode1 {
			return sector[2064:2068], nil
		}
		return sector[2072:2076], nil
	case img.CdSectorEccP:
		return sector[2076:2248], nil
	case img.CdSectorEccQ:
		return sector[2248:2352], nil
	case img.CdSectorEcc:
		return sector[2076:2352], nil
	}
	return nil, errno.NotSupported
}

func (image *Image) ReadMediaTag(tag img.MediaTag) ([]byte, error) {
	switch tag {
	case img.CD_MCN:
		if image.sheet != nil && image.sheet.catalog != "" {
			return []byte(image.sheet.catalog), nil
		}
	case img.CD_TEXT:
		if image.sheet != nil && image.sheet.title != "" {
			return []byte(image.sheet.title), nil
		}
	}
	return nil, errno.NotSupported
}

func (image *Image) Close() error {
	var err error
	for _, binFilter := range image.filters {
		err = multierr.Append(err, binFilter.Close())
	}
	image.filters, image.tracks = nil, nil
	return err
}

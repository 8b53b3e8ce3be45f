package cdrwin

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
)

const maxCueSize = 1 << 20

// trackMode describes how one CUE track mode lays out its sectors.
type trackMode struct {
	kind       img.TrackType
	raw        uint32 // bytes stored per sector
	cooked     uint32 // user data bytes
	userOffset uint32 // user data position inside the stored sector
}

var trackModes = map[string]trackMode{
	"AUDIO":      {img.TrackAudio, 2352, 2352, 0},
	"MODE1/2048": {img.TrackMode1, 2048, 2048, 0},
	"MODE1/2352": {img.TrackMode1, 2352, 2048, 16},
	"MODE2/2336": {img.TrackMode2Form1, 2336, 2048, 8},
	"MODE2/2352": {img.TrackMode2Form1, 2352, 2048, 24},
}

type cueTrack struct {
	sequence  uint32
	session   uint16
	mode      string
	file      string
	fileType  string
	index     map[int]uint64 // index number to frame inside file
	pregap    uint64
	postgap   uint64
	flags     byte
	isrc      string
	title     string
	performer string
}

type cueSheet struct {
	catalog   string
	title     string
	performer string
	tracks    []*cueTrack
}

// msf converts mm:ss:ff to a frame count.
func msf(value string) (uint64, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, errno.Errorf(errno.InvalidData, "bad time %q", value)
	}
	var fields [3]uint64
	for idx, part := range parts {
		number, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return 0, errno.Errorf(errno.InvalidData, "bad time %q", value)
		}
		fields[idx] = number
	}
	if fields[1] >= 60 || fields[2] >= 75 {
		return 0, errno.Errorf(errno.InvalidData, "bad time %q", value)
	}
	return fields[0]*60*75 + fields[1]*75 + fields[2], nil
}

// tokenize splits a cue line honouring double quotes.
func tokenize(line string) []string {
	var tokens []string
	var current strings.Builder
	quoted, started := false, false
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			started = true
		case (r == ' ' || r == '\t') && !quoted:
			if started {
				tokens = append(tokens, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if started {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func parseCue(source io.Reader) (*cueSheet, error) {
	sheet := &cueSheet{}
	var file, fileType string
	var current *cueTrack
	session := uint16(1)

	scanner := bufio.NewScanner(io.LimitReader(source, maxCueSize))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		tokens := tokenize(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if len(tokens) == 0 {
			continue
		}
		command := strings.ToUpper(tokens[0])
		args := tokens[1:]
		need := func(n int) error {
			if len(args) < n {
				return errno.Errorf(errno.InvalidData, "line %d: %s needs %d arguments", lineNo, command, n)
			}
			return nil
		}

		switch command {
		case "REM":
			if len(args) >= 2 && strings.ToUpper(args[0]) == "SESSION" {
				number, err := strconv.ParseUint(args[1], 10, 16)
				if err != nil || number == 0 {
					return nil, errno.Errorf(errno.InvalidData, "line %d: bad session %q", lineNo, args[1])
				}
				session = uint16(number)
			}
		case "CATALOG":
			if err := need(1); err != nil {
				return nil, err
			}
			sheet.catalog = args[0]
		case "CDTEXTFILE", "SONGWRITER":
		case "FILE":
			if err := need(2); err != nil {
				return nil, err
			}
			file, fileType = args[0], strings.ToUpper(args[1])
			if fileType != "BINARY" && fileType != "MOTOROLA" {
				return nil, errno.Errorf(errno.NotSupported, "line %d: %s files", lineNo, fileType)
			}
		case "TRACK":
			if err := need(2); err != nil {
				return nil, err
			}
			if file == "" {
				return nil, errno.Errorf(errno.InvalidData, "line %d: TRACK before FILE", lineNo)
			}
			number, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil || number == 0 || number > 99 {
				return nil, errno.Errorf(errno.InvalidData, "line %d: bad track number %q", lineNo, args[0])
			}
			mode := strings.ToUpper(args[1])
			if _, ok := trackModes[mode]; !ok {
				return nil, errno.Errorf(errno.NotSupported, "line %d: track mode %s", lineNo, mode)
			}
			if current != nil && uint32(number) <= current.sequence {
				return nil, errno.Errorf(errno.InvalidData, "line %d: track %d out of order", lineNo, number)
			}
			current = &cueTrack{sequence: uint32(number), session: session, mode: mode,
				file: file, fileType: fileType, index: make(map[int]uint64)}
			sheet.tracks = append(sheet.tracks, current)
		case "INDEX", "PREGAP", "POSTGAP", "FLAGS", "ISRC":
			if current == nil {
				return nil, errno.Errorf(errno.InvalidData, "line %d: %s outside a track", lineNo, command)
			}
			if err := current.apply(command, args, lineNo); err != nil {
				return nil, err
			}
		case "TITLE", "PERFORMER":
			if err := need(1); err != nil {
				return nil, err
			}
			target := &sheet.title
			switch {
			case current != nil && command == "TITLE":
				target = &current.title
			case current != nil:
				target = &current.performer
			case command == "PERFORMER":
				target = &sheet.performer
			}
			*target = args[0]
		default:
			return nil, errno.Errorf(errno.InvalidData, "line %d: unknown command %s", lineNo, tokens[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading cue sheet: %v: %w", err, errno.InvalidData)
	}
	if len(sheet.tracks) == 0 {
		return nil, errno.Errorf(errno.InvalidData, "no tracks")
	}
	for _, track := range sheet.tracks {
		if _, ok := track.index[1]; !ok {
			return nil, errno.Errorf(errno.InvalidData, "track %d has no INDEX 01", track.sequence)
		}
	}
	return sheet, nil
}

func (track *cueTrack) apply(command string, args []string, lineNo int) error {
	if len(args) == 0 {
		return errno.Errorf(errno.InvalidData, "line %d: %s without argument", lineNo, command)
	}
	switch command {
	case "INDEX":
		if len(args) < 2 {
			return errno.Errorf(errno.InvalidData, "line %d: INDEX needs a time", lineNo)
		}
		number, err := strconv.Atoi(args[0])
		if err != nil || number < 0 || number > 99 {
			return errno.Errorf(errno.InvalidData, "line %d: bad index %q", lineNo, args[0])
		}
		frame, err := msf(args[1])
		if err != nil {
			return err
		}
		track.index[number] = frame
	case "PREGAP", "POSTGAP":
		frames, err := msf(args[0])
		if err != nil {
			return err
		}
		if command == "PREGAP" {
			track.pregap = frames
		} else {
			track.postgap = frames
		}
	case "FLAGS":
		for _, flag := range args {
			switch strings.ToUpper(flag) {
			case "DCP":
				track.flags |= 0x02
			case "4CH":
				track.flags |= 0x08
			case "PRE":
				track.flags |= 0x01
			case "SCMS":
				track.flags |= 0x80
			}
		}
	case "ISRC":
		track.isrc = args[0]
	}
	return nil
}

// start is the first frame of the track inside its file, pregap included.
func (track *cueTrack) start() uint64 {
	if frame, ok := track.index[0]; ok {
		return frame
	}
	return track.index[1]
}

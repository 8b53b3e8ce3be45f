package img

type MediaType int

const (
	UnknownMedia MediaType = iota
	GENERIC_HDD
	FlashDrive
	DOS_525_SS_DD_8  // 160K
	DOS_525_SS_DD_9  // 180K
	DOS_525_DS_DD_8  // 320K
	DOS_525_DS_DD_9  // 360K
	DOS_35_DS_DD_9   // 720K
	DOS_525_HD       // 1.2M
	DOS_35_HD        // 1.44M
	DOS_35_ED        // 2.88M
	DMF              // 1.68M
	Apple2           // 140K, 256 byte sectors
	CD
	CDROM
	CDROMXA
	CDDA
	CDR
	DVDROM
	XGD              // Xbox game disc
	XboxHDD
	FluxCapture
)

var mediaTypeNames = map[MediaType]string{
	UnknownMedia:    "Unknown",
	GENERIC_HDD:     "Hard disk",
	FlashDrive:      "Flash drive",
	DOS_525_SS_DD_8: "5.25\" SS DD 160K",
	DOS_525_SS_DD_9: "5.25\" SS DD 180K",
	DOS_525_DS_DD_8: "5.25\" DS DD 320K",
	DOS_525_DS_DD_9: "5.25\" DS DD 360K",
	DOS_35_DS_DD_9:  "3.5\" DS DD 720K",
	DOS_525_HD:      "5.25\" HD 1.2M",
	DOS_35_HD:       "3.5\" HD 1.44M",
	DOS_35_ED:       "3.5\" ED 2.88M",
	DMF:             "3.5\" DMF 1.68M",
	Apple2:          "Apple II 5.25\"",
	CD:              "Compact Disc",
	CDROM:           "CD-ROM",
	CDROMXA:         "CD-ROM XA",
	CDDA:            "CD Digital Audio",
	CDR:             "CD-R",
	DVDROM:          "DVD-ROM",
	XGD:             "Xbox Game Disc",
	XboxHDD:         "Xbox hard disk",
	FluxCapture:     "Flux capture",
}

func (mediaType MediaType) String() string {
	if name, ok := mediaTypeNames[mediaType]; ok {
		return name
	}
	return "Unknown"
}

func (mediaType MediaType) IsOptical() bool {
	return mediaType >= CD && mediaType <= XGD
}

// cylinders, heads, sectors per track
var floppyGeometry = map[MediaType][3]uint32{
	DOS_525_SS_DD_8: {40, 1, 8},
	DOS_525_SS_DD_9: {40, 1, 9},
	DOS_525_DS_DD_8: {40, 2, 8},
	DOS_525_DS_DD_9: {40, 2, 9},
	DOS_35_DS_DD_9:  {80, 2, 9},
	DOS_525_HD:      {80, 2, 15},
	DOS_35_HD:       {80, 2, 18},
	DOS_35_ED:       {80, 2, 36},
	DMF:             {80, 2, 21},
	Apple2:          {35, 1, 16},
}

// MediaTypeFromSize recognises well known floppy image sizes.
func MediaTypeFromSize(size int64) MediaType {
	switch size {
	case 163840:
		return DOS_525_SS_DD_8
	case 184320:
		return DOS_525_SS_DD_9
	case 327680:
		return DOS_525_DS_DD_8
	case 368640:
		return DOS_525_DS_DD_9
	case 737280:
		return DOS_35_DS_DD_9
	case 1228800:
		return DOS_525_HD
	case 1474560:
		return DOS_35_HD
	case 2949120:
		return DOS_35_ED
	case 1720320:
		return DMF
	case 143360:
		return Apple2
	}
	return GENERIC_HDD
}

type TrackType int

const (
	TrackAudio TrackType = iota
	TrackData
	TrackMode1
	TrackMode2Formless
	TrackMode2Form1
	TrackMode2Form2
)

func (trackType TrackType) String() string {
	return [...]string{"Audio", "Data", "Mode 1", "Mode 2", "Mode 2 Form 1", "Mode 2 Form 2"}[trackType]
}

type SubchannelType int

const (
	SubchannelNone SubchannelType = iota
	SubchannelPacked
	SubchannelRaw
)

type Track struct {
	Sequence          uint32
	Session           uint16
	Type              TrackType
	StartSector       uint64
	EndSector         uint64 // inclusive
	Pregap            uint64
	RawBytesPerSector uint32
	BytesPerSector    uint32 // cooked user data
	File              string
	FileOffset        int64 // byte offset of StartSector in File
	FileType          string
	Subchannel        SubchannelType
	Flags             byte
	ISRC              string
	Title             string
	Performer         string
}

func (track Track) Sectors() uint64 {
	return track.EndSector - track.StartSector + 1
}

type Session struct {
	Sequence    uint16
	StartTrack  uint32
	EndTrack    uint32
	StartSector uint64
	EndSector   uint64
}

type SectorTag int

const (
	CdSectorSync SectorTag = iota
	CdSectorHeader
	CdSectorSubHeader
	CdSectorEdc
	CdSectorEccP
	CdSectorEccQ
	CdSectorEcc
	CdSectorSubchannel
	CdTrackFlags
	CdTrackIsrc
	FloppyAddressMark
)

type MediaTag int

const (
	CD_MCN MediaTag = iota
	CD_TEXT
	CD_FullTOC
	Floppy_LeadOut
	ATA_IDENTIFY
)

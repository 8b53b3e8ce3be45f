package utils

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/go-restruct/restruct"
)

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func PutBuffer(buf *bytes.Buffer) {
	bufferPool.Put(buf)
}

// Unmarshal decodes a little endian on-disk structure and returns the number
// of bytes it occupies.
func Unmarshal(data []byte, v any) (int, error) {
	return unpack(data, binary.LittleEndian, v)
}

// UnmarshalBE is Unmarshal for big endian layouts.
func UnmarshalBE(data []byte, v any) (int, error) {
	return unpack(data, binary.BigEndian, v)
}

func unpack(data []byte, order binary.ByteOrder, v any) (int, error) {
	size, err := restruct.SizeOf(v)
	if err != nil {
		return 0, err
	}
	if len(data) < size {
		return 0, ErrShortBuffer
	}
	if err := restruct.Unpack(data[:size], order, v); err != nil {
		return 0, err
	}
	return size, nil
}

// Marshal encodes v with the given byte order.
func Marshal(v any, order binary.ByteOrder) ([]byte, error) {
	return restruct.Pack(order, v)
}

func Hexify(barray []byte) string {
	return hex.EncodeToString(barray)
}

func Filter[T any](items []T, keep func(T) bool) []T {
	var filtered []T
	for _, item := range items {
		if keep(item) {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

func GetEntries(input string) []string {
	var entries []string
	for _, entry := range strings.Split(input, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			entries = append(entries, entry)
		}
	}
	return entries
}

// TrimNull cuts a fixed width field at its first NUL and strips padding.
func TrimNull(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx != -1 {
		b = b[:idx]
	}
	return strings.TrimRight(string(b), " ")
}

func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// DosToTime decodes a FAT style packed date and time. yearBase is 1980 for
// MS-DOS and 2000 for the original Xbox.
func DosToTime(date, clock uint16, yearBase int) time.Time {
	if date == 0 {
		return time.Time{}
	}
	year := int(date>>9) + yearBase
	month := time.Month((date >> 5) & 0x0F)
	day := int(date & 0x1F)
	hour := int(clock >> 11)
	minute := int((clock >> 5) & 0x3F)
	second := int(clock&0x1F) * 2
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}
	}
	return time.Date(year, month, day, hour, minute, second, 0, time.UTC)
}

// UCSDPascalToTime decodes the packed month/day/year of UCSD Pascal catalogs.
func UCSDPascalToTime(date uint16) time.Time {
	month := time.Month(date & 0x0F)
	day := int((date >> 4) & 0x1F)
	year := int(date >> 9)
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}
	}
	if year < 100 {
		year += 1900
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

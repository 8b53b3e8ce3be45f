package metadata

import (
	"strconv"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// DebugOption reports whether synthetic control files were requested.
func DebugOption(options map[string]string) bool {
	debug, err := strconv.ParseBool(options["debug"])
	return err == nil && debug
}

// EncodingOr returns enc, or fallback when enc is nil.
func EncodingOr(enc encoding.Encoding, fallback encoding.Encoding) encoding.Encoding {
	if enc == nil {
		return fallback
	}
	return enc
}

// DefaultEncoding is the code page assumed for 8 bit names.
var DefaultEncoding encoding.Encoding = charmap.CodePage437

// DecodeName converts on disk name bytes to UTF-8, keeping the raw bytes when
// the decoder rejects them.
func DecodeName(enc encoding.Encoding, raw []byte) string {
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}

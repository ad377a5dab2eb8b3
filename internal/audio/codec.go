package audio

import (
	"fmt"
	"strings"
)

// Codec is a telephony payload encoding, named the way a media stream's
// start event announces it in mediaFormat.encoding.
type Codec string

const (
	CodecUlaw Codec = "audio/x-mulaw"
	CodecAlaw Codec = "audio/x-alaw"
)

// TelephonyRate is the sample rate of G.711 payloads.
const TelephonyRate = 8000

var decoders = map[Codec]func([]byte) []float32{
	CodecUlaw: decodeG711Ulaw,
	CodecAlaw: decodeG711Alaw,
}

// ParseCodec maps an announced encoding to a codec. An empty encoding is μ-law.
func ParseCodec(encoding string) (Codec, error) {
	if encoding == "" {
		return CodecUlaw, nil
	}
	c := Codec(strings.ToLower(strings.TrimSpace(encoding)))
	if _, ok := decoders[c]; !ok {
		return "", fmt.Errorf("unsupported codec: %s", encoding)
	}
	return c, nil
}

// Decode converts one G.711 payload to samples in [-1, 1] at TelephonyRate.
func Decode(data []byte, codec Codec) ([]float32, error) {
	dec, ok := decoders[codec]
	if !ok {
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
	return dec(data), nil
}

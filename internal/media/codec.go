package media

import (
	"strings"
	"time"

	"github.com/zaf/g711"
)

// Static RTP payload types we negotiate (RFC 3551).
const (
	PayloadPCMU = 0
	PayloadPCMA = 8
	PayloadG729 = 18
)

// Telephony media runs at 8 kHz; the realtime model consumes and produces
// PCM16 at 24 kHz. The exact 1:3 ratio keeps resampling integer-only.
const (
	TelephonyRate = 8000
	ModelRate     = 24000

	// One RTP frame: 20 ms of 8 kHz G.711 audio.
	SamplesPerFrame = 160
	FrameDuration   = 20 * time.Millisecond
)

// CodecNames maps the payload types we understand to their SDP names.
var CodecNames = map[int]string{
	PayloadPCMU: "PCMU",
	PayloadPCMA: "PCMA",
	PayloadG729: "G729",
}

// PayloadTypeForName returns the static payload type for a codec name
// (case-insensitive). The second result is false for unknown codecs.
func PayloadTypeForName(name string) (int, bool) {
	switch strings.ToLower(name) {
	case "pcmu":
		return PayloadPCMU, true
	case "pcma":
		return PayloadPCMA, true
	case "g729":
		return PayloadG729, true
	}
	return 0, false
}

// DecodePayload converts a G.711 RTP payload into PCM16 little-endian at
// 8 kHz. The second result is false when the payload type has no PCM
// decoding (G.729 is passthrough only).
func DecodePayload(payloadType int, payload []byte) ([]byte, bool) {
	switch payloadType {
	case PayloadPCMU:
		return g711.DecodeUlaw(payload), true
	case PayloadPCMA:
		return g711.DecodeAlaw(payload), true
	}
	return nil, false
}

// EncodePCM16 converts PCM16 little-endian at 8 kHz into a G.711 payload.
// The second result is false when the payload type has no PCM encoding.
func EncodePCM16(payloadType int, pcm []byte) ([]byte, bool) {
	switch payloadType {
	case PayloadPCMU:
		return g711.EncodeUlaw(pcm), true
	case PayloadPCMA:
		return g711.EncodeAlaw(pcm), true
	}
	return nil, false
}

// SilenceByte returns the G.711 encoding of a zero sample for frame padding.
func SilenceByte(payloadType int) byte {
	if payloadType == PayloadPCMA {
		return 0xD5
	}
	return 0xFF
}

// Downsample24to8 converts PCM16 LE from 24 kHz to 8 kHz by averaging each
// group of three samples. A trailing partial group is dropped.
func Downsample24to8(pcm []byte) []byte {
	samples := len(pcm) / 2
	groups := samples / 3
	out := make([]byte, groups*2)
	for i := 0; i < groups; i++ {
		base := i * 6
		s0 := int32(int16(uint16(pcm[base]) | uint16(pcm[base+1])<<8))
		s1 := int32(int16(uint16(pcm[base+2]) | uint16(pcm[base+3])<<8))
		s2 := int32(int16(uint16(pcm[base+4]) | uint16(pcm[base+5])<<8))
		avg := (s0 + s1 + s2) / 3
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Upsample8to24 converts PCM16 LE from 8 kHz to 24 kHz by linear
// interpolation between adjacent samples.
func Upsample8to24(pcm []byte) []byte {
	samples := len(pcm) / 2
	if samples == 0 {
		return nil
	}
	out := make([]byte, samples*3*2)
	put := func(idx int, v int32) {
		out[idx*2] = byte(v)
		out[idx*2+1] = byte(v >> 8)
	}
	for i := 0; i < samples; i++ {
		cur := int32(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
		next := cur
		if i+1 < samples {
			next = int32(int16(uint16(pcm[(i+1)*2]) | uint16(pcm[(i+1)*2+1])<<8))
		}
		base := i * 3
		put(base, cur)
		put(base+1, cur+(next-cur)/3)
		put(base+2, cur+(next-cur)*2/3)
	}
	return out
}

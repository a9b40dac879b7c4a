package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Errors surfaced by SDP negotiation. The SIP layer maps these to
// response codes (400 for malformed offers, 603 for codec mismatch).
var (
	ErrMalformedSDP  = errors.New("malformed sdp")
	ErrNoAudioMedia  = errors.New("sdp offer has no audio media")
	ErrNoCommonCodec = errors.New("no common codec with offer")
)

// Codec is one rtpmap entry from an SDP audio section.
type Codec struct {
	PayloadType int
	Name        string // e.g. "PCMU", "PCMA", "opus"
	ClockRate   int
}

// Rtpmap returns the a=rtpmap attribute value for this codec.
func (c Codec) Rtpmap() string {
	return strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
}

// MediaDescription is a parsed m= section restricted to what codec and
// address negotiation needs.
type MediaDescription struct {
	Type      string // "audio", "video", ...
	Port      int    // 0 means the peer put the stream on hold
	Proto     string // "RTP/AVP" and friends
	Formats   []int  // payload types in offer order
	ConnAddr  string // media-level c= address, if present
	Codecs    []Codec
	Direction string // sendrecv (default), sendonly, recvonly, inactive
}

// CodecByPayloadType returns the rtpmap entry for pt, or nil.
func (m *MediaDescription) CodecByPayloadType(pt int) *Codec {
	for i := range m.Codecs {
		if m.Codecs[i].PayloadType == pt {
			return &m.Codecs[i]
		}
	}
	return nil
}

// OnHold reports whether the peer offered the stream with port 0.
func (m *MediaDescription) OnHold() bool {
	return m.Port == 0
}

// SessionDescription holds the parts of an SDP body the gateway acts on.
type SessionDescription struct {
	ConnAddr string // session-level c= address
	Media    []MediaDescription
}

// AudioMedia returns the first audio section; offers with several m=audio
// lines are answered against the first one.
func (s *SessionDescription) AudioMedia() *MediaDescription {
	for i := range s.Media {
		if s.Media[i].Type == "audio" {
			return &s.Media[i]
		}
	}
	return nil
}

// RemoteRTPAddr resolves the peer's RTP address for a media section,
// preferring the media-level connection line. Returns nil when the offer
// is on hold or names no address; the endpoint then waits to learn the
// peer from the first inbound packet.
func (s *SessionDescription) RemoteRTPAddr(m *MediaDescription) *net.UDPAddr {
	if m == nil || m.Port == 0 {
		return nil
	}
	addr := m.ConnAddr
	if addr == "" {
		addr = s.ConnAddr
	}
	if addr == "" {
		return nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: m.Port}
}

// ParseSDP parses an SDP body. Lines outside the negotiated subset are
// ignored; structurally broken v=/c=/m= lines fail the parse.
func ParseSDP(data []byte) (*SessionDescription, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	lines := strings.Split(text, "\n")

	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedSDP)
	}

	sd := &SessionDescription{}
	var current *MediaDescription

	for _, line := range lines {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'v':
			if _, err := strconv.Atoi(value); err != nil {
				return nil, fmt.Errorf("%w: bad version line %q", ErrMalformedSDP, line)
			}

		case 'c':
			addr, err := parseConnection(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedSDP, err)
			}
			if current != nil {
				current.ConnAddr = addr
			} else {
				sd.ConnAddr = addr
			}

		case 'm':
			md, err := parseMediaLine(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedSDP, err)
			}
			sd.Media = append(sd.Media, md)
			current = &sd.Media[len(sd.Media)-1]

		case 'a':
			if current != nil {
				parseMediaAttribute(current, value)
			}
		}
	}

	return sd, nil
}

// parseConnection extracts the address from "<nettype> <addrtype> <address>".
func parseConnection(value string) (string, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return "", fmt.Errorf("connection line: expected 3 fields, got %d", len(parts))
	}
	addr := parts[2]
	// Strip TTL/multicast suffix if present (e.g. "224.2.1.1/127").
	if idx := strings.Index(addr, "/"); idx >= 0 {
		addr = addr[:idx]
	}
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("connection line: invalid ip %q", addr)
	}
	return addr, nil
}

// parseMediaLine parses "<media> <port> <proto> <fmt> ...".
func parseMediaLine(value string) (MediaDescription, error) {
	parts := strings.Fields(value)
	if len(parts) < 4 {
		return MediaDescription{}, fmt.Errorf("media line: expected at least 4 fields, got %d", len(parts))
	}

	md := MediaDescription{
		Type:      parts[0],
		Proto:     parts[2],
		Direction: "sendrecv", // default per RFC 3264
	}

	portStr := parts[1]
	// Port may carry a /count suffix; only the port matters here.
	if idx := strings.Index(portStr, "/"); idx >= 0 {
		portStr = portStr[:idx]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return MediaDescription{}, fmt.Errorf("media line: invalid port %q", parts[1])
	}
	md.Port = port

	for _, f := range parts[3:] {
		pt, err := strconv.Atoi(f)
		if err != nil {
			return MediaDescription{}, fmt.Errorf("media line: invalid payload type %q", f)
		}
		md.Formats = append(md.Formats, pt)
	}

	return md, nil
}

// parseMediaAttribute records the attributes negotiation cares about.
func parseMediaAttribute(md *MediaDescription, attr string) {
	switch {
	case strings.HasPrefix(attr, "rtpmap:"):
		if codec, err := parseRtpmap(attr[len("rtpmap:"):]); err == nil {
			md.Codecs = append(md.Codecs, codec)
		}
	case attr == "sendrecv" || attr == "sendonly" || attr == "recvonly" || attr == "inactive":
		md.Direction = attr
	}
}

// parseRtpmap parses "<payload type> <encoding>/<clock rate>[/<channels>]".
func parseRtpmap(value string) (Codec, error) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return Codec{}, fmt.Errorf("rtpmap: expected '<pt> <encoding>', got %q", value)
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return Codec{}, fmt.Errorf("rtpmap: invalid payload type: %w", err)
	}
	enc := strings.Split(parts[1], "/")
	if len(enc) < 2 {
		return Codec{}, fmt.Errorf("rtpmap: expected '<name>/<rate>', got %q", parts[1])
	}
	rate, err := strconv.Atoi(enc[1])
	if err != nil {
		return Codec{}, fmt.Errorf("rtpmap: invalid clock rate: %w", err)
	}
	return Codec{PayloadType: pt, Name: enc[0], ClockRate: rate}, nil
}

// NegotiateCodec walks the offer's audio formats in offer order and picks
// the first one named in preference (codec names, e.g. "pcmu"); the
// peer's ranking decides among the codecs both sides carry. When nothing
// preferred is offered, the first codec we can still carry is accepted
// before declining. Returns ErrNoAudioMedia when the offer has no audio
// section, ErrNoCommonCodec when nothing matches.
func NegotiateCodec(offer *SessionDescription, preference []string) (Codec, error) {
	audio := offer.AudioMedia()
	if audio == nil {
		return Codec{}, ErrNoAudioMedia
	}

	var fallback *Codec
	for _, pt := range audio.Formats {
		c, ok := offeredCodec(audio, pt)
		if !ok {
			continue
		}
		if _, known := PayloadTypeForName(c.Name); !known {
			continue
		}
		if preferredName(preference, c.Name) {
			return c, nil
		}
		if fallback == nil {
			cc := c
			fallback = &cc
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return Codec{}, ErrNoCommonCodec
}

// offeredCodec resolves one format list entry to a codec, via its rtpmap
// entry or the static payload type table.
func offeredCodec(audio *MediaDescription, pt int) (Codec, bool) {
	if c := audio.CodecByPayloadType(pt); c != nil {
		return *c, true
	}
	if name, ok := CodecNames[pt]; ok {
		return Codec{PayloadType: pt, Name: name, ClockRate: TelephonyRate}, true
	}
	return Codec{}, false
}

// preferredName reports whether name appears in the preference list.
func preferredName(preference []string, name string) bool {
	for _, want := range preference {
		if strings.EqualFold(want, name) {
			return true
		}
	}
	return false
}

// BuildAnswer renders the SDP answer advertising our RTP endpoint and the
// negotiated codec.
func BuildAnswer(sessionID string, mediaHost string, port int, codec Codec) []byte {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- " + sessionID + " 1 IN IP4 " + mediaHost + "\r\n")
	b.WriteString("s=ChatKit Voice Session\r\n")
	b.WriteString("c=IN IP4 " + mediaHost + "\r\n")
	b.WriteString("t=0 0\r\n")
	b.WriteString("m=audio " + strconv.Itoa(port) + " RTP/AVP " + strconv.Itoa(codec.PayloadType) + "\r\n")
	b.WriteString("a=rtpmap:" + codec.Rtpmap() + "\r\n")
	b.WriteString("a=sendrecv\r\n")
	return []byte(b.String())
}

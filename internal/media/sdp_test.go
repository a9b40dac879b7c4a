package media

import (
	"errors"
	"strings"
	"testing"
)

const pcmuOffer = "v=0\r\n" +
	"o=caller 12345 1 IN IP4 192.168.1.10\r\n" +
	"s=call\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=sendrecv\r\n"

func TestParseSDPOffer(t *testing.T) {
	sd, err := ParseSDP([]byte(pcmuOffer))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	audio := sd.AudioMedia()
	if audio == nil {
		t.Fatal("no audio media parsed")
	}
	if audio.Port != 49170 {
		t.Errorf("port = %d, want 49170", audio.Port)
	}
	if len(audio.Codecs) != 2 {
		t.Fatalf("codecs = %d, want 2", len(audio.Codecs))
	}
	if audio.Codecs[0].Name != "PCMU" || audio.Codecs[0].ClockRate != 8000 {
		t.Errorf("first codec = %+v, want PCMU/8000", audio.Codecs[0])
	}
	if audio.Direction != "sendrecv" {
		t.Errorf("direction = %q, want sendrecv", audio.Direction)
	}

	addr := sd.RemoteRTPAddr(audio)
	if addr == nil {
		t.Fatal("remote addr not resolved")
	}
	if addr.IP.String() != "192.168.1.10" || addr.Port != 49170 {
		t.Errorf("remote addr = %v, want 192.168.1.10:49170", addr)
	}
}

func TestParseSDPMediaLevelConnection(t *testing.T) {
	offer := "v=0\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"c=IN IP4 10.0.0.2\r\n"
	sd, err := ParseSDP([]byte(offer))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	addr := sd.RemoteRTPAddr(sd.AudioMedia())
	if addr == nil || addr.IP.String() != "10.0.0.2" {
		t.Errorf("media-level c= should win, got %v", addr)
	}
}

func TestParseSDPMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"bad version", "v=abc\r\n"},
		{"bad media port", "v=0\r\nm=audio notaport RTP/AVP 0\r\n"},
		{"bad connection ip", "v=0\r\nc=IN IP4 not-an-ip\r\n"},
		{"bad payload type", "v=0\r\nm=audio 4000 RTP/AVP zero\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSDP([]byte(tt.body)); !errors.Is(err, ErrMalformedSDP) {
				t.Errorf("err = %v, want ErrMalformedSDP", err)
			}
		})
	}
}

func TestParseSDPHold(t *testing.T) {
	offer := "v=0\r\nc=IN IP4 10.0.0.1\r\nm=audio 0 RTP/AVP 0\r\n"
	sd, err := ParseSDP([]byte(offer))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	audio := sd.AudioMedia()
	if !audio.OnHold() {
		t.Error("port 0 offer should report OnHold")
	}
	if addr := sd.RemoteRTPAddr(audio); addr != nil {
		t.Errorf("remote addr for held stream = %v, want nil", addr)
	}
}

func TestParseSDPMultipleAudioUsesFirst(t *testing.T) {
	offer := "v=0\r\nc=IN IP4 10.0.0.1\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"m=audio 5000 RTP/AVP 8\r\n"
	sd, err := ParseSDP([]byte(offer))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sd.AudioMedia().Port; got != 4000 {
		t.Errorf("first audio port = %d, want 4000", got)
	}
}

func TestNegotiateCodec(t *testing.T) {
	preference := []string{"pcmu", "g729"}

	tests := []struct {
		name    string
		offer   string
		wantPT  int
		wantErr error
	}{
		{
			name:   "pcmu preferred",
			offer:  pcmuOffer,
			wantPT: PayloadPCMU,
		},
		{
			name: "pcma only falls back",
			offer: "v=0\r\nc=IN IP4 10.0.0.1\r\n" +
				"m=audio 49170 RTP/AVP 8\r\na=rtpmap:8 PCMA/8000\r\n",
			wantPT: PayloadPCMA,
		},
		{
			name: "g729 static pt without rtpmap",
			offer: "v=0\r\nc=IN IP4 10.0.0.1\r\n" +
				"m=audio 49170 RTP/AVP 18\r\n",
			wantPT: PayloadG729,
		},
		{
			// Both PCMU and G729 are preferred; the peer ranked G729
			// first, so the offer order decides.
			name: "offer order wins among preferred",
			offer: "v=0\r\nc=IN IP4 10.0.0.1\r\n" +
				"m=audio 49170 RTP/AVP 18 0\r\n" +
				"a=rtpmap:18 G729/8000\r\na=rtpmap:0 PCMU/8000\r\n",
			wantPT: PayloadG729,
		},
		{
			name: "unpreferred offered first still loses to preferred",
			offer: "v=0\r\nc=IN IP4 10.0.0.1\r\n" +
				"m=audio 49170 RTP/AVP 8 0\r\n" +
				"a=rtpmap:8 PCMA/8000\r\na=rtpmap:0 PCMU/8000\r\n",
			wantPT: PayloadPCMU,
		},
		{
			name: "opus only declines",
			offer: "v=0\r\nc=IN IP4 10.0.0.1\r\n" +
				"m=audio 49170 RTP/AVP 111\r\na=rtpmap:111 opus/48000/2\r\n",
			wantErr: ErrNoCommonCodec,
		},
		{
			name:    "no audio media",
			offer:   "v=0\r\nc=IN IP4 10.0.0.1\r\nm=video 5000 RTP/AVP 96\r\n",
			wantErr: ErrNoAudioMedia,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sd, err := ParseSDP([]byte(tt.offer))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			codec, err := NegotiateCodec(sd, preference)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if codec.PayloadType != tt.wantPT {
				t.Errorf("payload type = %d, want %d", codec.PayloadType, tt.wantPT)
			}
		})
	}
}

func TestBuildAnswer(t *testing.T) {
	answer := string(BuildAnswer("abc123", "203.0.113.5", 10020,
		Codec{PayloadType: PayloadPCMA, Name: "PCMA", ClockRate: 8000}))

	for _, want := range []string{
		"v=0\r\n",
		"o=- abc123 1 IN IP4 203.0.113.5\r\n",
		"s=ChatKit Voice Session\r\n",
		"c=IN IP4 203.0.113.5\r\n",
		"t=0 0\r\n",
		"m=audio 10020 RTP/AVP 8\r\n",
		"a=rtpmap:8 PCMA/8000\r\n",
		"a=sendrecv\r\n",
	} {
		if !strings.Contains(answer, want) {
			t.Errorf("answer missing %q:\n%s", want, answer)
		}
	}

	// The answer must itself parse.
	sd, err := ParseSDP([]byte(answer))
	if err != nil {
		t.Fatalf("answer does not re-parse: %v", err)
	}
	if sd.AudioMedia() == nil || sd.AudioMedia().Port != 10020 {
		t.Error("re-parsed answer lost the audio section")
	}
}

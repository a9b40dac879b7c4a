package sip

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func TestURIUser(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"bare number", "15551234567", "15551234567"},
		{"sip uri", "sip:15551234567@trunk.example.com", "15551234567"},
		{"bracketed sip uri", "<sip:100@pbx.local>", "100"},
		{"tel uri", "tel:+15551234567", "+15551234567"},
		{"uri with params", "sip:100@pbx.local;user=phone", "100"},
		{"display name", "Support <sip:support@example.com>", "support"},
		{"whitespace", "  sip:42@host  ", "42"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := uriUser(tt.value); got != tt.want {
				t.Errorf("uriUser(%q) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func newTestInvite(t *testing.T, toUser string) *sip.Request {
	t.Helper()

	req := sip.NewRequest(sip.INVITE, sip.Uri{User: toUser, Host: "pbx.local"})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "15550001111", Host: "caller.example.com"},
		Params:  sip.NewParams(),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: toUser, Host: "pbx.local"},
		Params:  sip.NewParams(),
	})
	return req
}

func TestCalledNumberPrefersTrunkHeaders(t *testing.T) {
	req := newTestInvite(t, "gateway")
	req.AppendHeader(sip.NewHeader("X-Original-To", "sip:18005551212@trunk.example.com"))
	req.AppendHeader(sip.NewHeader("P-Called-Party-Id", "<sip:19995551212@trunk.example.com>"))

	if got := calledNumber(req); got != "18005551212" {
		t.Errorf("calledNumber = %q, want %q", got, "18005551212")
	}
}

func TestCalledNumberPCalledPartyFallback(t *testing.T) {
	req := newTestInvite(t, "gateway")
	req.AppendHeader(sip.NewHeader("P-Called-Party-Id", "<sip:19995551212@trunk.example.com>"))

	if got := calledNumber(req); got != "19995551212" {
		t.Errorf("calledNumber = %q, want %q", got, "19995551212")
	}
}

func TestCalledNumberToURIFallback(t *testing.T) {
	req := newTestInvite(t, "18005551212")

	if got := calledNumber(req); got != "18005551212" {
		t.Errorf("calledNumber = %q, want %q", got, "18005551212")
	}
}

func TestCalledNumberFromFallback(t *testing.T) {
	req := newTestInvite(t, "")

	if got := calledNumber(req); got != "15550001111" {
		t.Errorf("calledNumber = %q, want %q", got, "15550001111")
	}
}

func TestSourceHost(t *testing.T) {
	req := newTestInvite(t, "100")
	req.SetSource("192.0.2.10:5060")
	if got := sourceHost(req); got != "192.0.2.10" {
		t.Errorf("sourceHost = %q, want %q", got, "192.0.2.10")
	}

	req.SetSource("192.0.2.10")
	if got := sourceHost(req); got != "192.0.2.10" {
		t.Errorf("sourceHost without port = %q, want %q", got, "192.0.2.10")
	}
}

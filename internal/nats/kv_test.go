package nats

import (
	"regexp"
	"testing"

	"github.com/capitalize-ai/caddy-supervisor/internal/store"
)

var validKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

func TestEncodeKeyRoundTrip(t *testing.T) {
	keys := []store.Key{
		store.K("spaces/AAAA/threads/BBBB", "3f8c"),
		store.K("adviser@example.org"),
		store.K("a.b c", ""),
	}
	for _, k := range keys {
		enc := encodeKey(k)
		if !validKey.MatchString(enc) {
			t.Fatalf("encoded key %q has characters KeyValue rejects", enc)
		}
		got := decodeKey(enc)
		if got.String() != k.String() {
			t.Fatalf("decode(encode(%q)) = %q", k, got)
		}
	}
}

func TestSubjectTokens(t *testing.T) {
	if got := EventSubject("survey_issued"); got != "caddy.events.survey_issued" {
		t.Fatalf("EventSubject = %q", got)
	}
	if got := InboundSubject("card_action"); got != "caddy.inbound.card_action" {
		t.Fatalf("InboundSubject = %q", got)
	}
}

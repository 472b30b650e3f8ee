package translate

import (
	"strings"
	"testing"
)

func TestTranslate(t *testing.T) {
	if s := Translate("quota.over", "en"); s != "storage quota exceeded" {
		t.Fatalf("got %q", s)
	}
	if s := Translate("quota.over", "nl"); s != "opslagquotum overschreden" {
		t.Fatalf("got %q", s)
	}
	// Regional variants match their base language.
	if s := Translate("quota.over", "de-AT"); s != "Speicherkontingent überschritten" {
		t.Fatalf("got %q", s)
	}
	// Unknown locales fall back to English.
	if s := Translate("quota.over", "zz"); s != "storage quota exceeded" {
		t.Fatalf("got %q", s)
	}
	if s := Translate("mailbox.notfound", "en", "Inbox2"); !strings.Contains(s, `"Inbox2"`) {
		t.Fatalf("got %q", s)
	}
	// Missing keys are returned verbatim.
	if s := Translate("nosuch.key", "en"); s != "nosuch.key" {
		t.Fatalf("got %q", s)
	}
}

// Package translate renders user-facing text in the locale configured for an
// alias. Error messages and alert emails go through here, internal log text
// does not.
package translate

import (
	"fmt"

	"golang.org/x/text/language"
)

var supported = []language.Tag{
	language.English, // First is the fallback.
	language.Dutch,
	language.German,
}

var matcher = language.NewMatcher(supported)

var catalog = map[string]map[string]string{
	"en": {
		"message.toolarge":      "message too large, the maximum size is %d bytes",
		"mailbox.notfound":      "no mailbox named %q",
		"quota.over":            "storage quota exceeded",
		"append.failed":         "storing the message failed, try again later",
		"encrypt.alert.subject": "mstore: storage encryption is failing",
		"encrypt.alert.body":    "Encrypting incoming messages for %s keeps failing. Messages are being stored unencrypted. Check the configured encryption key.",
	},
	"nl": {
		"message.toolarge":      "bericht te groot, de maximale grootte is %d bytes",
		"mailbox.notfound":      "geen mailbox met naam %q",
		"quota.over":            "opslagquotum overschreden",
		"append.failed":         "opslaan van het bericht is mislukt, probeer het later opnieuw",
		"encrypt.alert.subject": "mstore: versleuteling van opslag faalt",
		"encrypt.alert.body":    "Het versleutelen van inkomende berichten voor %s blijft mislukken. Berichten worden onversleuteld opgeslagen. Controleer de geconfigureerde sleutel.",
	},
	"de": {
		"message.toolarge":      "Nachricht zu groß, die maximale Größe ist %d Bytes",
		"mailbox.notfound":      "kein Postfach mit Namen %q",
		"quota.over":            "Speicherkontingent überschritten",
		"append.failed":         "Speichern der Nachricht fehlgeschlagen, bitte später erneut versuchen",
		"encrypt.alert.subject": "mstore: Verschlüsselung des Speichers schlägt fehl",
		"encrypt.alert.body":    "Das Verschlüsseln eingehender Nachrichten für %s schlägt weiterhin fehl. Nachrichten werden unverschlüsselt gespeichert. Prüfen Sie den konfigurierten Schlüssel.",
	},
}

// Translate returns the text for key in the best matching supported language
// for locale (a BCP 47 tag, e.g. "nl", "de-AT"), formatted with args. Unknown
// locales fall back to English, an unknown key returns the key itself so a
// missing entry is visible instead of silent.
func Translate(key, locale string, args ...any) string {
	tag, _ := language.MatchStrings(matcher, locale)
	base, _ := tag.Base()
	msgs, ok := catalog[base.String()]
	if !ok {
		msgs = catalog["en"]
	}
	msg, ok := msgs[key]
	if !ok {
		msg = catalog["en"][key]
	}
	if msg == "" {
		return key
	}
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// Package config holds the parsed static configuration file for mstore, in
// sconf format.
package config

import (
	"time"
)

// DefaultMaxMsgSize is the hard cap on the size of a single appended message,
// in bytes. Appends beyond this size are rejected outright, before any
// parsing or storage.
const DefaultMaxMsgSize = 64 * 1024 * 1024

// Static is the parsed form of the mstore.conf configuration file.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: alias message databases, message files and attachment blobs. If this is a relative path, it is relative to the directory of mstore.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. store, ingest, encrypt, push)."`
	MaxMessageSize   int64             `sconf:"optional" sconf-doc:"Hard cap in bytes on the size of a single appended message. Messages larger than this are rejected before parsing or storage. Default 67108864 (64 MiB)."`
	MetricsAddress   string            `sconf:"optional" sconf-doc:"Address to serve Prometheus metrics on, e.g. localhost:8010. Metrics are not served if empty."`
	Domains          map[string]Domain `sconf-doc:"Domains that own aliases. The key is the domain name in lower-case."`
	Aliases          map[string]Alias  `sconf-doc:"Mailbox-owning aliases (accounts). Each alias has its own on-disk directory holding its messages, attachment blobs and index database. The key is the alias name."`
}

// Domain owns one or more aliases. Read-only to the ingestion core.
type Domain struct {
	Description   string `sconf:"optional" sconf-doc:"Free-form description of the domain."`
	MaxAliasQuota int64  `sconf:"optional" sconf-doc:"Maximum total message size in bytes each alias under this domain may store. The quota only applies to the message files, not index database overhead. 0 means unlimited."`
}

// Alias is a mailbox-owning account.
type Alias struct {
	Domain        string            `sconf-doc:"Domain this alias belongs to. Must be a key in Domains."`
	Locale        string            `sconf:"optional" sconf-doc:"BCP 47 language tag for user-facing messages and alerts, e.g. en, nl, de. Default en."`
	Banned        bool              `sconf:"optional" sconf-doc:"If set, the alias exists but does not accept new messages."`
	Removed       bool              `sconf:"optional" sconf-doc:"If set, the alias is scheduled for removal and does not accept new messages."`
	AlertAddress  string            `sconf:"optional" sconf-doc:"Address to send out-of-band alert emails to, e.g. about encryption failures. If empty, alerts are only logged."`
	EncryptPubKey string            `sconf:"optional" sconf-doc:"Base64 (raw url) encoded 32-byte X25519 public key. If set, message bodies are encrypted to this key before storage, except for draft messages."`
	Retention     map[string]string `sconf:"optional" sconf-doc:"Retention period per mailbox name, as Go duration (e.g. 720h). Messages in the mailbox expire after this period. Mailboxes not listed have infinite retention."`
}

// RetentionDuration parses the configured retention for a mailbox name. Zero
// duration means infinite retention.
func (a Alias) RetentionDuration(mailbox string) (time.Duration, error) {
	s, ok := a.Retention[mailbox]
	if !ok {
		return 0, nil
	}
	return time.ParseDuration(s)
}

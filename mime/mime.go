// Package mime parses messages into the summary form used for storage:
// envelope fields, a body structure outline, extracted text and the list of
// attachments to be stored as blobs.
package mime

import (
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/mjl-/mstore/encrypt"
	"github.com/mjl-/mstore/mlog"
)

// Text extracted from body parts is capped, it is only used for search
// previews.
const maxExtractText = 64 * 1024

// Address is a single parsed email address from an address header.
type Address struct {
	Name    string
	Address string
}

// Envelope holds the parsed summary headers of a message.
type Envelope struct {
	Date      time.Time
	Subject   string // Q/B-word decoded.
	From      []Address
	To        []Address
	CC        []Address
	ReplyTo   []Address
	MessageID string // Canonical form, lower-cased, no angle brackets. Empty if absent or unparseable.
	InReplyTo string // First canonical id from In-Reply-To, empty if none.
}

// Structure is a summary of the MIME part tree, one node per part.
type Structure struct {
	MediaType    string // Lower case, e.g. "text".
	MediaSubType string // Lower case, e.g. "plain".
	Size         int64  // Decoded body size, for multiparts the sum of children.
	Parts        []Structure
}

// Attachment is a body part that will be stored separately from the message
// metadata, content-addressed.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// Message is the result of parsing a full message.
type Message struct {
	Size        int64 // Of the raw message.
	Header      textproto.MIMEHeader
	Envelope    Envelope
	Subject     string
	Structure   Structure
	Text        string // Concatenated text/plain parts, bounded.
	Attachments []Attachment
}

// Parse reads a raw message and returns its summary form. Messages with an
// unknown charset are still indexed, their text may be less useful. An error
// is returned for messages that cannot be interpreted as a message at all.
func Parse(log *mlog.Log, raw []byte) (*Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if message.IsUnknownCharset(err) {
		log.Infox("unknown charset in message, indexing anyway", err)
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	m := Message{
		Size:   int64(len(raw)),
		Header: headerMap(entity.Header),
	}
	m.Envelope = envelope(entity.Header)
	m.Subject = m.Envelope.Subject

	st, err := walk(log, &m, entity)
	if err != nil {
		return nil, err
	}
	m.Structure = st
	return &m, nil
}

func headerMap(h message.Header) textproto.MIMEHeader {
	r := textproto.MIMEHeader{}
	fields := h.Fields()
	for fields.Next() {
		k := textproto.CanonicalMIMEHeaderKey(fields.Key())
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		r[k] = append(r[k], v)
	}
	return r
}

func envelope(h message.Header) Envelope {
	mh := mail.Header{Header: h}
	var e Envelope
	if d, err := mh.Date(); err == nil {
		e.Date = d
	}
	e.Subject, _ = mh.Subject()
	e.From = addresses(mh, "From")
	e.To = addresses(mh, "To")
	e.CC = addresses(mh, "Cc")
	e.ReplyTo = addresses(mh, "Reply-To")
	if id, _, err := MessageIDCanonical(h.Get("Message-Id")); err == nil {
		e.MessageID = id
	}
	if refs, err := ReferencedIDs(nil, []string{h.Get("In-Reply-To")}); err == nil && len(refs) > 0 {
		e.InReplyTo = refs[0]
	}
	return e
}

func addresses(h mail.Header, key string) []Address {
	l, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	var r []Address
	for _, a := range l {
		r = append(r, Address{Name: a.Name, Address: a.Address})
	}
	return r
}

func walk(log *mlog.Log, m *Message, e *message.Entity) (Structure, error) {
	ct, ctParams, err := e.Header.ContentType()
	if err != nil || ct == "" {
		ct = "text/plain"
	}
	ct = strings.ToLower(ct)
	mt, mst, _ := strings.Cut(ct, "/")
	st := Structure{MediaType: mt, MediaSubType: mst}

	if mr := e.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			} else if err != nil {
				return st, fmt.Errorf("reading multipart: %w", err)
			}
			sub, err := walk(log, m, p)
			if err != nil {
				return st, err
			}
			st.Parts = append(st.Parts, sub)
			st.Size += sub.Size
		}
		return st, nil
	}

	buf, err := io.ReadAll(e.Body)
	if err != nil {
		return st, fmt.Errorf("reading part body: %w", err)
	}
	st.Size = int64(len(buf))

	disp, dispParams, _ := e.Header.ContentDisposition()
	filename := dispParams["filename"]
	if filename == "" {
		filename = ctParams["name"]
	}

	switch {
	case ct == encrypt.ContentType:
		// Sealed payload, stays opaque inside the raw message file.
	case disp == "attachment" || filename != "" || (mt != "text" && mt != "message"):
		m.Attachments = append(m.Attachments, Attachment{
			Filename:    filename,
			ContentType: ct,
			Size:        int64(len(buf)),
			Content:     buf,
		})
	case mt == "text" && mst == "plain":
		if n := maxExtractText - len(m.Text); n > 0 {
			m.Text += string(buf[:min(len(buf), n)])
		}
	}
	return st, nil
}

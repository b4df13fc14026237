// Package mailparse parses a raw RFC 5322 message into the header, body and
// attachment structure the webhook dispatcher sends onward. It generalises
// the single-level MIME walk laitos uses for its own mail-derived feature
// commands (see inet.WalkMailMessage) into a recursive depth-first walk over
// arbitrarily nested multipart trees.
package mailparse

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"

	"github.com/mailforge/mailforge/misc"
)

// MaxBodySize bounds how much of a single message body this package will
// hold in memory while parsing, mirroring inet.MaxMailBodySize.
const MaxBodySize = 32 * 1048576

// unnamedAttachment is used when no filename can be determined for a part
// that is otherwise recognised as an attachment.
const unnamedAttachment = "unnamed_attachment"

// addressPattern extracts a bare address from inside a header value's first
// pair of angle brackets.
var addressPattern = regexp.MustCompile(`<([^<>]+)>`)

// Attachment is a single file-like MIME part.
type Attachment struct {
	Filename string
	Bytes    []byte
}

// Message is the parsed representation of a raw message, per the data model:
// first-occurrence headers, bare addresses extracted from From/To, the first
// text/plain and text/html parts found by a depth-first walk, and every
// attachment encountered anywhere in the MIME tree, in walk order.
type Message struct {
	Subject     string
	From        string
	FromAddress string
	To          string
	ToAddress   string
	Date        string
	BodyPlain   string
	BodyHTML    string
	Attachments []Attachment
}

// bareAddress returns the substring inside the first pair of angle brackets
// in value, or value itself if no angle brackets are present.
func bareAddress(value string) string {
	if m := addressPattern.FindStringSubmatch(value); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(value)
}

// Parse decodes a raw CRLF-delimited message (headers + blank line + body)
// into a Message.
func Parse(raw []byte) (Message, error) {
	if len(raw) > MaxBodySize {
		raw = raw[:MaxBodySize]
	}
	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return Message{}, fmt.Errorf("mailparse: failed to read message - %v", err)
	}
	msg := Message{
		Subject: strings.TrimSpace(parsed.Header.Get("Subject")),
		From:    strings.TrimSpace(parsed.Header.Get("From")),
		To:      strings.TrimSpace(parsed.Header.Get("To")),
		Date:    strings.TrimSpace(parsed.Header.Get("Date")),
	}
	msg.FromAddress = bareAddress(msg.From)
	msg.ToAddress = bareAddress(msg.To)

	contentType := parsed.Header.Get("Content-Type")
	transferEncoding := parsed.Header.Get("Content-Transfer-Encoding")
	if err := walkPart(parsed.Header, contentType, transferEncoding, parsed.Body, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// partHeader is the minimal header surface a MIME part walk needs, satisfied
// by both mail.Header and textproto.MIMEHeader (via mime/multipart.Part).
type partHeader interface {
	Get(string) string
}

// walkPart processes one MIME part: if it is itself multipart, it recurses
// depth-first into every subpart; otherwise it classifies the part as
// body-plain, body-html, an attachment, or nothing of interest.
func walkPart(header partHeader, contentType, transferEncoding string, body io.Reader, msg *Message) error {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// A part with an unparsable or absent Content-Type is treated as an
		// opaque body, matching the permissive behavior of the teacher's
		// WalkMailMessage.
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("mailparse: multipart part is missing its boundary parameter")
		}
		reader := multipart.NewReader(body, boundary)
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("mailparse: failed to read multipart part - %v", err)
			}
			partContentType := part.Header.Get("Content-Type")
			partTransferEncoding := part.Header.Get("Content-Transfer-Encoding")
			if err := walkPart(part.Header, partContentType, partTransferEncoding, part, msg); err != nil {
				return err
			}
		}
	}

	decoded, err := decodeBody(transferEncoding, body)
	if err != nil {
		return fmt.Errorf("mailparse: failed to decode part body - %v", err)
	}

	if isAttachment(header) {
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename: attachmentFilename(header, params),
			Bytes:    decoded,
		})
		return nil
	}

	switch {
	case strings.HasPrefix(mediaType, "text/plain") && msg.BodyPlain == "":
		msg.BodyPlain = string(decoded)
	case strings.HasPrefix(mediaType, "text/html") && msg.BodyHTML == "":
		msg.BodyHTML = string(decoded)
	}
	return nil
}

// decodeBody reads a part's body, undoing whatever Content-Transfer-Encoding
// the part declares. Neither net/mail nor mime/multipart decode transfer
// encoding on a part's body themselves - quoted-printable and base64 both
// need to be undone here, explicitly. 7bit, 8bit, and binary need no
// decoding.
func decodeBody(transferEncoding string, body io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "quoted-printable":
		body = quotedprintable.NewReader(body)
	case "base64":
		raw, err := misc.ReadAllUpTo(body, MaxBodySize)
		if err != nil {
			return nil, err
		}
		// Real messages wrap base64 at 76 columns with CRLF; the standard
		// decoder treats any non-alphabet byte as corrupt input, so the
		// line breaks have to go before decoding.
		stripped := stripBase64Whitespace(raw)
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(stripped)))
		n, err := base64.StdEncoding.Decode(decoded, stripped)
		if err != nil {
			return nil, err
		}
		return decoded[:n], nil
	}
	return misc.ReadAllUpTo(body, MaxBodySize)
}

// stripBase64Whitespace removes the CR, LF, space and tab bytes MIME
// line-wrapping inserts into an otherwise contiguous base64 alphabet.
func stripBase64Whitespace(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case '\r', '\n', ' ', '\t':
			continue
		default:
			out = append(out, c)
		}
	}
	return out
}

// isAttachment reports whether a part carries a Content-Disposition header
// identifying it as an attachment: either the disposition type itself is
// "attachment" (case-insensitive) or the header carries a filename
// parameter, per the attachment-detection rule of the MIME parser.
func isAttachment(header partHeader) bool {
	disposition := header.Get("Content-Disposition")
	if disposition == "" {
		return false
	}
	lower := strings.ToLower(disposition)
	return strings.HasPrefix(lower, "attachment") || strings.Contains(lower, "filename=")
}

// attachmentFilename resolves a part's filename in priority order: a
// dedicated Filename header, the filename= parameter of Content-Disposition,
// else the literal "unnamed_attachment".
func attachmentFilename(header partHeader, contentTypeParams map[string]string) string {
	if name := strings.TrimSpace(header.Get("Filename")); name != "" {
		return name
	}
	_, dispositionParams, err := mime.ParseMediaType(header.Get("Content-Disposition"))
	if err == nil {
		if name := strings.Trim(dispositionParams["filename"], `"`); name != "" {
			return name
		}
	}
	if name := strings.Trim(contentTypeParams["name"], `"`); name != "" {
		return name
	}
	return unnamedAttachment
}

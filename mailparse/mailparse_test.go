package mailparse

import (
	"strings"
	"testing"
)

const simpleMessage = "Subject: hi\r\nFrom: Alice <alice@example.com>\r\nTo: Bob <bob@example.com>\r\nDate: Mon, 1 Jan 2024 00:00:00 +0000\r\n\r\nbody\r\n"

func TestParseSimpleMessage(t *testing.T) {
	msg, err := Parse([]byte(simpleMessage))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if msg.Subject != "hi" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.FromAddress != "alice@example.com" {
		t.Errorf("FromAddress = %q", msg.FromAddress)
	}
	if msg.ToAddress != "bob@example.com" {
		t.Errorf("ToAddress = %q", msg.ToAddress)
	}
	if strings.TrimSpace(msg.BodyPlain) != "body" {
		t.Errorf("BodyPlain = %q", msg.BodyPlain)
	}
}

func TestParseBareAddressWithoutAngleBrackets(t *testing.T) {
	raw := "Subject: x\r\nFrom: alice@example.com\r\nTo: bob@example.com\r\n\r\nbody\r\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if msg.FromAddress != "alice@example.com" {
		t.Errorf("FromAddress = %q", msg.FromAddress)
	}
}

func buildMultipartMessage(t *testing.T) string {
	t.Helper()
	boundary := "BOUNDARY1"
	nested := "NESTED1"
	var b strings.Builder
	b.WriteString("Subject: multi\r\n")
	b.WriteString("From: <from@example.com>\r\n")
	b.WriteString("To: <to@example.com>\r\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=" + boundary + "\r\n\r\n")

	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: multipart/alternative; boundary=" + nested + "\r\n\r\n")
	b.WriteString("--" + nested + "\r\n")
	b.WriteString("Content-Type: text/plain\r\n\r\n")
	b.WriteString("plain text body\r\n")
	b.WriteString("--" + nested + "\r\n")
	b.WriteString("Content-Type: text/html\r\n\r\n")
	b.WriteString("<p>html body</p>\r\n")
	b.WriteString("--" + nested + "--\r\n")
	b.WriteString("--" + boundary + "\r\n")

	b.WriteString("Content-Type: application/octet-stream\r\n")
	b.WriteString("Content-Disposition: attachment; filename=\"report.pdf\"\r\n\r\n")
	b.WriteString("PDFDATA\r\n")
	b.WriteString("--" + boundary + "--\r\n")
	return b.String()
}

func TestParseNestedMultipartWithAttachment(t *testing.T) {
	raw := buildMultipartMessage(t)
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !strings.Contains(msg.BodyPlain, "plain text body") {
		t.Errorf("BodyPlain = %q", msg.BodyPlain)
	}
	if !strings.Contains(msg.BodyHTML, "html body") {
		t.Errorf("BodyHTML = %q", msg.BodyHTML)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(msg.Attachments))
	}
	if msg.Attachments[0].Filename != "report.pdf" {
		t.Errorf("attachment filename = %q", msg.Attachments[0].Filename)
	}
	if !strings.Contains(string(msg.Attachments[0].Bytes), "PDFDATA") {
		t.Errorf("attachment bytes = %q", msg.Attachments[0].Bytes)
	}
}

func TestAttachmentDetectedByFilenameParamWithoutAttachmentKeyword(t *testing.T) {
	raw := "Subject: x\r\nFrom: a@b\r\nTo: c@d\r\nContent-Type: multipart/mixed; boundary=B\r\n\r\n" +
		"--B\r\nContent-Type: text/plain\r\n\r\nhello\r\n" +
		"--B\r\nContent-Type: application/octet-stream\r\nContent-Disposition: inline; filename=\"data.bin\"\r\n\r\nBINARY\r\n" +
		"--B--\r\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "data.bin" {
		t.Fatalf("expected one attachment named data.bin, got %+v", msg.Attachments)
	}
}

func TestAttachmentDecodesBase64TransferEncoding(t *testing.T) {
	// The encoded payload is deliberately split across two lines with a
	// CRLF in the middle, matching the 76-column wrapping real MUAs apply.
	raw := "Subject: x\r\nFrom: a@b\r\nTo: c@d\r\nContent-Type: multipart/mixed; boundary=B\r\n\r\n" +
		"--B\r\nContent-Type: application/octet-stream\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"Content-Disposition: attachment; filename=\"note.txt\"\r\n\r\n" +
		"TWFpbCBGb3JnZSBhdHRh\r\nY2htZW50IGNvbnRlbnQ=\r\n" +
		"--B--\r\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(msg.Attachments))
	}
	if got := string(msg.Attachments[0].Bytes); got != "Mail Forge attachment content" {
		t.Errorf("decoded attachment bytes = %q", got)
	}
}

func TestAttachmentFallsBackToUnnamed(t *testing.T) {
	raw := "Subject: x\r\nFrom: a@b\r\nTo: c@d\r\nContent-Type: multipart/mixed; boundary=B\r\n\r\n" +
		"--B\r\nContent-Type: application/octet-stream\r\nContent-Disposition: attachment\r\n\r\nBYTES\r\n" +
		"--B--\r\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "unnamed_attachment" {
		t.Fatalf("expected fallback filename, got %+v", msg.Attachments)
	}
}

package webhook

import (
	"context"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/mailforge/mailforge/lalog"
)

const testMessage = "Subject: hi\r\nFrom: <from@example.com>\r\nTo: <to@example.com>\r\nContent-Type: multipart/mixed; boundary=B\r\n\r\n" +
	"--B\r\nContent-Type: text/plain\r\n\r\nhello body\r\n" +
	"--B\r\nContent-Type: application/octet-stream\r\nContent-Disposition: attachment; filename=\"note.txt\"\r\n\r\nATTACHDATA\r\n" +
	"--B--\r\n"

func TestForwardSuccess(t *testing.T) {
	var gotFields map[string][]string
	var gotAttachment []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Errorf("unexpected content type: %v %v", mediaType, err)
		}
		reader := multipart.NewReader(r.Body, params["boundary"])
		gotFields = map[string][]string{}
		for {
			part, err := reader.NextPart()
			if err != nil {
				break
			}
			name := part.FormName()
			if name == "attachment-1" {
				buf := make([]byte, 1024)
				n, _ := part.Read(buf)
				gotAttachment = buf[:n]
				continue
			}
			buf := make([]byte, 4096)
			n, _ := part.Read(buf)
			gotFields[name] = append(gotFields[name], string(buf[:n]))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	entry := Entry{URL: server.URL, APIKey: "key"}
	err := Forward(context.Background(), lalog.Logger{ComponentName: "test"}, entry, []byte(testMessage))
	if err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}
	if gotFields["subject"] == nil || gotFields["subject"][0] != "hi" {
		t.Errorf("subject field missing or wrong: %+v", gotFields)
	}
	if string(gotAttachment) != "ATTACHDATA" {
		t.Errorf("attachment bytes = %q", gotAttachment)
	}
}

const base64Message = "Subject: hi\r\nFrom: <from@example.com>\r\nTo: <to@example.com>\r\nContent-Type: multipart/mixed; boundary=B\r\n\r\n" +
	"--B\r\nContent-Type: text/plain\r\n\r\nhello body\r\n" +
	"--B\r\nContent-Type: application/octet-stream\r\nContent-Transfer-Encoding: base64\r\n" +
	"Content-Disposition: attachment; filename=\"note.txt\"\r\n\r\nQVRUQUNIREFUQQ==\r\n" +
	"--B--\r\n"

func TestForwardDecodesBase64Attachment(t *testing.T) {
	var gotAttachment []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Fatalf("bad content type: %v", err)
		}
		reader := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := reader.NextPart()
			if err != nil {
				break
			}
			if part.FormName() == "attachment-1" {
				buf := make([]byte, 1024)
				n, _ := part.Read(buf)
				gotAttachment = buf[:n]
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	entry := Entry{URL: server.URL, APIKey: "key"}
	if err := Forward(context.Background(), lalog.Logger{ComponentName: "test"}, entry, []byte(base64Message)); err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}
	if string(gotAttachment) != "ATTACHDATA" {
		t.Errorf("attachment bytes = %q, want decoded %q", gotAttachment, "ATTACHDATA")
	}
}

func TestForwardNon2xxIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	entry := Entry{URL: server.URL, APIKey: "key"}
	err := Forward(context.Background(), lalog.Logger{ComponentName: "test"}, entry, []byte(testMessage))
	if err == nil {
		t.Fatal("expected Forward to report failure on non-2xx response")
	}
}

func TestSanitiseFilenameStripsPathAndControlBytes(t *testing.T) {
	got := sanitiseFilename("../../etc/passwd")
	if got != "passwd" {
		t.Errorf("sanitiseFilename = %q", got)
	}
}

func TestUniqueTempPathInsertsCounterBeforeExtension(t *testing.T) {
	dir := t.TempDir()
	first, err := uniqueTempPath(dir, "report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(first, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	second, err := uniqueTempPath(dir, "report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("expected a distinct path on collision")
	}
	if got, want := filepath.Base(second), "report_1.pdf"; got != want {
		t.Fatalf("collision path = %q, want suffix before extension like %q", got, want)
	}
}

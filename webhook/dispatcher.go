package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mailforge/mailforge/inet"
	"github.com/mailforge/mailforge/lalog"
	"github.com/mailforge/mailforge/mailparse"
	"github.com/mailforge/mailforge/misc"
	"github.com/aws/aws-xray-sdk-go/xray"
)

// sanitisedChars is the set of byte values stripped from an attachment's
// original filename before it is used to name a temporary file, removing
// path separators and control characters.
func sanitiseFilename(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	sanitised := b.String()
	if sanitised == "" {
		return "unnamed_attachment"
	}
	return sanitised
}

// uniqueTempPath resolves a filename collision in dir by appending
// "_1", "_2", ... before the file extension until an unused path is found.
func uniqueTempPath(dir, filename string) (string, error) {
	candidate := filepath.Join(dir, filename)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	for i := 1; i < 10000; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("webhook: could not find a unique temporary path for %q", filename)
}

// stagedAttachment is an attachment materialised to a temporary file,
// ready to be attached to the outgoing multipart request.
type stagedAttachment struct {
	fieldName string
	path      string
}

// stageAttachments writes every attachment to the process-wide temporary
// directory and returns the staged file paths, alongside the field name
// each is attached under ("attachment-1", "attachment-2", ... in parse
// order). Callers are responsible for removing the files once the request
// has been sent; explicit cleanup policy beyond that is unspecified.
func stageAttachments(attachments []mailparse.Attachment) ([]stagedAttachment, error) {
	dir := os.TempDir()
	staged := make([]stagedAttachment, 0, len(attachments))
	for i, att := range attachments {
		path, err := uniqueTempPath(dir, sanitiseFilename(att.Filename))
		if err != nil {
			return staged, err
		}
		if err := os.WriteFile(path, att.Bytes, 0600); err != nil {
			return staged, fmt.Errorf("webhook: failed to stage attachment %q - %v", att.Filename, err)
		}
		staged = append(staged, stagedAttachment{
			fieldName: fmt.Sprintf("attachment-%d", i+1),
			path:      path,
		})
	}
	return staged, nil
}

// cleanupStaged removes every staged attachment file, logging but not
// failing on individual removal errors.
func cleanupStaged(logger lalog.Logger, staged []stagedAttachment) {
	for _, s := range staged {
		logger.MaybeMinorError(os.Remove(s.path))
	}
}

// buildMultipartBody constructs the multipart/form-data request body carrying
// the authentication tuple, the parsed message fields, and every staged
// attachment as a file part.
func buildMultipartBody(auth Auth, msg mailparse.Message, staged []stagedAttachment) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	fields := map[string]string{
		"timestamp":  auth.Timestamp,
		"token":      auth.Token,
		"signature":  auth.Signature,
		"subject":    msg.Subject,
		"from":       msg.From,
		"to":         msg.To,
		"date":       msg.Date,
		"body-plain": msg.BodyPlain,
		"body-html":  msg.BodyHTML,
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("webhook: failed to write field %q - %v", name, err)
		}
	}
	for _, s := range staged {
		file, err := os.Open(s.path)
		if err != nil {
			return nil, "", fmt.Errorf("webhook: failed to reopen staged attachment %q - %v", s.path, err)
		}
		part, err := writer.CreateFormFile(s.fieldName, filepath.Base(s.path))
		if err != nil {
			file.Close()
			return nil, "", fmt.Errorf("webhook: failed to create form file part %q - %v", s.fieldName, err)
		}
		_, copyErr := io.Copy(part, file)
		file.Close()
		if copyErr != nil {
			return nil, "", fmt.Errorf("webhook: failed to copy attachment %q into request - %v", s.path, copyErr)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("webhook: failed to finalise multipart body - %v", err)
	}
	return body, writer.FormDataContentType(), nil
}

// httpClient builds the HTTP client used to deliver a webhook request,
// wrapping it with AWS X-Ray instrumentation when the gateway is configured
// to integrate with AWS and is actually running on it - identical to the
// gating condition inet.DoHTTP applies to its own client construction.
func httpClient() *http.Client {
	client := &http.Client{Timeout: 30 * time.Second}
	if misc.EnableAWSIntegration && inet.IsAWS() {
		return xray.Client(client)
	}
	return client
}

// Forward signs, parses and delivers raw as a multipart POST to entry.URL,
// classifying any 2xx HTTP status as success. This call is single-shot: no
// retries, no persistence, no dead-letter queue. A failure here is logged by
// the caller against the specific recipient it was dispatched for; it never
// fails the SMTP transaction by itself (see the session's fan-out policy).
func Forward(ctx context.Context, logger lalog.Logger, entry Entry, raw []byte) error {
	auth, err := NewAuth(entry.APIKey)
	if err != nil {
		return err
	}
	msg, err := mailparse.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook: failed to parse message - %v", err)
	}
	staged, stageErr := stageAttachments(msg.Attachments)
	defer cleanupStaged(logger, staged)
	if stageErr != nil {
		return stageErr
	}
	body, contentType, err := buildMultipartBody(auth, msg, staged)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.URL, body)
	if err != nil {
		return fmt.Errorf("webhook: failed to build request - %v", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request to %s failed - %v", entry.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: %s responded with status %s", entry.URL, strconv.Itoa(resp.StatusCode))
	}
	return nil
}

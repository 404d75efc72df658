package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"bakeoff/internal/domain"
	"bakeoff/internal/repo"
)

// allowedUploads maps an extension to the MIME types sniffing may report
// for it.
var allowedUploads = map[string][]string{
	".pdf":  {"application/pdf"},
	".png":  {"image/png"},
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
	".gif":  {"image/gif"},
	".webp": {"image/webp"},
	".zip":  {"application/zip"},
	".txt":  {"text/plain"},
	".md":   {"text/plain"},
	".csv":  {"text/plain", "text/csv"},
	".json": {"text/plain", "application/json"},
}

// AllowedUploadExtensions lists the accepted file extensions.
func AllowedUploadExtensions() []string {
	out := make([]string, 0, len(allowedUploads))
	for ext := range allowedUploads {
		out = append(out, ext)
	}
	return out
}

func baseMIME(v string) string {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mt
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if len(out) > 120 {
		out = out[len(out)-120:]
	}
	return out
}

// Upload stores an attachment for an agent. The extension, the declared
// content type and the sniffed content must agree, and each agent may
// upload at most once per configured interval.
func (e Engine) Upload(ctx context.Context, agentID, filename, declaredType string, r io.Reader) (domain.Attachment, error) {
	if e.Blobs == nil {
		return domain.Attachment{}, fmt.Errorf("object storage is not configured")
	}
	name := sanitizeFilename(filename)
	ext := strings.ToLower(filepath.Ext(name))
	allowed, ok := allowedUploads[ext]
	if name == "" || !ok {
		return domain.Attachment{}, newError(KindValidation, CodeUnsupportedFile, "file type %q is not allowed", ext).
			with("allowed", AllowedUploadExtensions())
	}
	br := bufio.NewReaderSize(r, 512)
	head, err := br.Peek(512)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return domain.Attachment{}, err
	}
	if len(head) == 0 {
		return domain.Attachment{}, invalid("file is empty")
	}
	sniffed := baseMIME(http.DetectContentType(head))
	if !contains(allowed, sniffed) {
		return domain.Attachment{}, newError(KindValidation, CodeUnsupportedFile, "file content (%s) does not match extension %s", sniffed, ext)
	}
	if declared := baseMIME(declaredType); declared != "" && declared != "application/octet-stream" && !contains(allowed, declared) {
		return domain.Attachment{}, newError(KindValidation, CodeUnsupportedFile, "declared type %s does not match extension %s", declared, ext)
	}

	interval := e.Config.Limits.UploadInterval
	if interval > 0 {
		agent, err := e.activeAgent(ctx, e.DB, agentID)
		if err != nil {
			return domain.Attachment{}, err
		}
		if agent.LastUploadAt != nil {
			if last, err := repo.ParseTime(*agent.LastUploadAt); err == nil && last.After(e.now().Add(-interval)) {
				return domain.Attachment{}, throttledUpload(interval)
			}
		}
	}

	key := fmt.Sprintf("agents/%s/%s-%s", agentID, newID()[:8], name)
	limit := e.Config.Limits.MaxUploadBytes
	n, err := e.Blobs.Put(ctx, key, io.LimitReader(br, limit+1))
	if err != nil {
		return domain.Attachment{}, err
	}
	if n > limit {
		e.discardUpload(ctx, key)
		return domain.Attachment{}, invalid("file exceeds %d bytes", limit)
	}
	// Only a stored object takes the slot. A concurrent upload that lost the
	// claim is removed again.
	if interval > 0 {
		now := e.now()
		ok, err := e.Repo.ClaimUploadSlot(ctx, agentID, repo.FormatTime(now), repo.FormatTime(now.Add(-interval)))
		if err != nil || !ok {
			e.discardUpload(ctx, key)
			if err != nil {
				return domain.Attachment{}, err
			}
			return domain.Attachment{}, throttledUpload(interval)
		}
	}
	return domain.Attachment{Filename: name, URL: e.Blobs.URL(key), MimeType: sniffed, SizeBytes: n}, nil
}

func throttledUpload(interval time.Duration) *Error {
	return newError(KindRateLimited, CodeThrottled, "an agent may upload one file every %s", interval).
		with("retry_after_seconds", int(interval.Seconds()))
}

func (e Engine) discardUpload(ctx context.Context, key string) {
	if err := e.Blobs.Delete(ctx, key); err != nil {
		e.logger().Warn("remove rejected upload", "key", key, "err", err)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

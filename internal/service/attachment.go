package service

import (
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/models"
	"github.com/noah-isme/crm-realtime-api/internal/observability"
)

// AttachmentPolicy validates already-uploaded files referenced by a message.
type AttachmentPolicy struct {
	MaxBytes         int64
	AllowedMIMETypes []string
}

// NewAttachmentPolicy builds a policy; entries ending in "/*" allow a whole MIME family.
func NewAttachmentPolicy(maxBytes int64, allowed []string) AttachmentPolicy {
	normalized := make([]string, 0, len(allowed))
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" {
			normalized = append(normalized, entry)
		}
	}
	return AttachmentPolicy{MaxBytes: maxBytes, AllowedMIMETypes: normalized}
}

// Allows reports whether the MIME type is on the allow-list.
func (p AttachmentPolicy) Allows(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" {
		return false
	}

	exact := make([]string, 0, len(p.AllowedMIMETypes))
	for _, entry := range p.AllowedMIMETypes {
		if family, ok := strings.CutSuffix(entry, "/*"); ok {
			if strings.HasPrefix(mimeType, family+"/") {
				return true
			}
			continue
		}
		exact = append(exact, entry)
	}
	return mimetype.EqualsAny(mimeType, exact...)
}

// Build validates every input before converting any of them, so one bad entry rejects the whole set.
func (p AttachmentPolicy) Build(inputs []dto.AttachmentInput) ([]models.MessageAttachment, error) {
	for _, input := range inputs {
		if err := p.check(input); err != nil {
			return nil, err
		}
	}

	attachments := make([]models.MessageAttachment, 0, len(inputs))
	for _, input := range inputs {
		key, _ := storageKey(input.FileURL)
		attachments = append(attachments, models.MessageAttachment{
			FileName:   path.Base(strings.TrimSpace(input.FileName)),
			StorageKey: key,
			MimeType:   baseMIME(input.MimeType),
			SizeBytes:  input.Size.Int64(),
		})
	}
	return attachments, nil
}

func (p AttachmentPolicy) check(input dto.AttachmentInput) error {
	name := strings.TrimSpace(input.FileName)
	if name == "" {
		return p.reject("name", "attachment file name is required")
	}
	size := input.Size.Int64()
	if size <= 0 {
		return p.reject("size", "attachment "+name+" has no size")
	}
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return p.reject("size", "attachment "+name+" exceeds the maximum allowed size")
	}
	if !p.Allows(input.MimeType) {
		return p.reject("mime", "attachment "+name+" has a disallowed type "+baseMIME(input.MimeType))
	}
	if _, ok := storageKey(input.FileURL); !ok {
		return p.reject("location", "attachment "+name+" has an invalid file url")
	}
	return nil
}

func (p AttachmentPolicy) reject(reason, message string) error {
	observability.AttachmentRejections().WithLabelValues(reason).Inc()
	return invalid(message)
}

// storageKey derives the object key from an uploaded file URL or accepts a bare key.
func storageKey(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	key := parsed.Path
	if parsed.Scheme == "" && parsed.Host == "" {
		key = raw
	}
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "" || key == "." {
		return "", false
	}
	for _, segment := range strings.Split(parsed.Path, "/") {
		if segment == ".." {
			return "", false
		}
	}
	return key, true
}

func baseMIME(value string) string {
	value, _, _ = strings.Cut(value, ";")
	return strings.ToLower(strings.TrimSpace(value))
}

// inferMessageType picks image when every attachment is an image and file when any attachment is present.
func inferMessageType(requested string, attachments []models.MessageAttachment) string {
	if requested != "" {
		return requested
	}
	if len(attachments) == 0 {
		return models.MessageTypeText
	}
	for _, attachment := range attachments {
		if !strings.HasPrefix(attachment.MimeType, "image/") {
			return models.MessageTypeFile
		}
	}
	return models.MessageTypeImage
}

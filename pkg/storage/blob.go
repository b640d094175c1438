package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"pairchat/pkg/domain"
)

const maxNameLength = 64

// maxKeyLength bounds AttachmentKey: prefix, sender id, date, uuid and name.
const maxKeyLength = len("attachments/") + 19 + len("/2006/01/02/") + 36 + 1 + maxNameLength

// MaxPublicBaseLength is the longest public base URL whose attachment URLs
// still fit domain.MaxFileURLLength.
const MaxPublicBaseLength = domain.MaxFileURLLength - 1 - maxKeyLength

// BlobStore persists attachment bytes and returns the URL clients fetch them from.
type BlobStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// AttachmentKey builds a unique object key for a file sent by sender.
func AttachmentKey(sender domain.ID, fileName string, now time.Time) string {
	return path.Join(
		"attachments",
		sender.String(),
		now.UTC().Format("2006/01/02"),
		uuid.NewString()+"-"+safeFilename(fileName),
	)
}

func safeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '-' || r == '_':
			return r
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(name))
	name = strings.Trim(name, "._")
	if len(name) > maxNameLength {
		name = name[len(name)-maxNameLength:]
	}
	if name == "" {
		return "file"
	}
	return name
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.HasPrefix(key, "..") {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}

// joinURL appends an object key to a public base URL, escaping each segment.
func joinURL(base, key string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", fmt.Errorf("parse public url: %w", err)
	}
	return u.JoinPath(strings.Split(key, "/")...).String(), nil
}

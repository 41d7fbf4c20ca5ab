package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/basit/qrshare-backend/apperr"
)

// UploadPolicy holds the size and type limits applied to every upload.
// An entry of the allow-list is either an extension token ("pdf"), a MIME
// type ("application/pdf"), a MIME wildcard ("image/*") or "*".
type UploadPolicy struct {
	MaxBytes  int64
	MaxChunks int
	// Retention is how long a file stays downloadable; zero keeps it forever.
	Retention time.Duration

	allowed  []string
	tokens   map[string]struct{}
	patterns []string
	any      bool
}

func NewUploadPolicy(maxBytes int64, maxChunks int, allowed []string) UploadPolicy {
	p := UploadPolicy{
		MaxBytes:  maxBytes,
		MaxChunks: maxChunks,
		allowed:   append([]string(nil), allowed...),
		tokens:    map[string]struct{}{},
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		switch {
		case a == "*":
			p.any = true
		case strings.Contains(a, "/"):
			p.patterns = append(p.patterns, a)
		case a != "":
			p.tokens[strings.TrimPrefix(a, ".")] = struct{}{}
		}
	}
	return p
}

// AllowedTypes returns the configured allow-list as given.
func (p UploadPolicy) AllowedTypes() []string {
	return append([]string(nil), p.allowed...)
}

func (p UploadPolicy) CheckSize(n int64) error {
	if n > p.MaxBytes {
		return apperr.Validation("file exceeds the maximum upload size of %d bytes", p.MaxBytes)
	}
	return nil
}

// CheckType accepts the file when either its extension or its MIME type is
// allowed; clients get one of the two wrong often enough.
func (p UploadPolicy) CheckType(name, mimeType string) error {
	if p.any || p.extensionAllowed(name) || p.mimeAllowed(mimeType) {
		return nil
	}
	return apperr.Validation("file type not supported")
}

func (p UploadPolicy) extensionAllowed(name string) bool {
	ext := extension(name)
	if ext == "" {
		return false
	}
	_, ok := p.tokens[strings.TrimPrefix(ext, ".")]
	return ok
}

func (p UploadPolicy) mimeAllowed(mimeType string) bool {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	major, sub, ok := strings.Cut(m, "/")
	if !ok || major == "" || sub == "" {
		return false
	}
	for _, pat := range p.patterns {
		if pat == m || pat == major+"/*" {
			return true
		}
	}
	for _, tok := range strings.FieldsFunc(sub, func(r rune) bool { return r == '.' || r == '-' || r == '+' }) {
		if _, ok := p.tokens[tok]; ok {
			return true
		}
	}
	return false
}

const maxBaseName = 64

// StoredName derives the server-side name: the sanitized original name, the
// upload time and a short random token, keeping the extension.
func StoredName(original string, now time.Time) string {
	base, ext := splitName(original)
	return fmt.Sprintf("%s-%d-%s%s", base, now.UnixMilli(), shortuuid.New()[:8], ext)
}

// DisplayName strips any client-side directory from a supplied file name.
func DisplayName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSpace(name)
}

func extension(name string) string {
	_, ext := splitName(name)
	return ext
}

func splitName(name string) (base, ext string) {
	name = DisplayName(name)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		ext = sanitizeExt(name[i+1:])
		name = name[:i]
	}
	base = sanitize(name)
	if base == "" {
		base = "file"
	}
	return base, ext
}

func sanitize(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
		if b.Len() >= maxBaseName {
			break
		}
	}
	return strings.Trim(b.String(), "_.-")
}

func sanitizeExt(s string) string {
	s = strings.ToLower(s)
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	if s == "" || len(s) > 16 {
		return ""
	}
	return "." + s
}

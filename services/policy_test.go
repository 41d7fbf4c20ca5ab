package services

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/basit/qrshare-backend/apperr"
	"github.com/basit/qrshare-backend/config"
)

func TestUploadPolicy_CheckType(t *testing.T) {
	p := NewUploadPolicy(100, 10, config.DefaultAllowedTypes)

	tests := []struct {
		name, file, mime string
		ok               bool
	}{
		{"extension only", "report.pdf", "", true},
		{"mime only", "blob", "application/pdf", true},
		{"wildcard mime", "photo", "image/webp", true},
		{"extension wins over bad mime", "notes.txt", "application/x-unknown", true},
		{"mime wins over bad extension", "clip.weird", "video/mp4", true},
		{"mime with params", "x", "text/plain; charset=utf-8", true},
		{"docx subtype token", "x", "application/vnd.openxmlformats-officedocument.wordprocessingml.docx", true},
		{"neither", "run.exe", "application/x-msdownload", false},
		{"uppercase extension", "SCAN.PDF", "", true},
		{"no signal", "README", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.CheckType(tt.file, tt.mime)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperr.Is(err, apperr.KindValidation))
			}
		})
	}
}

func TestUploadPolicy_Wildcard(t *testing.T) {
	p := NewUploadPolicy(100, 10, []string{"*"})
	assert.NoError(t, p.CheckType("anything.exe", ""))
}

func TestUploadPolicy_CheckSize(t *testing.T) {
	p := NewUploadPolicy(100, 10, nil)
	assert.NoError(t, p.CheckSize(100))
	assert.True(t, apperr.Is(p.CheckSize(101), apperr.KindValidation))
}

func TestStoredName(t *testing.T) {
	at := time.UnixMilli(1700000000000)

	name := StoredName("../../My Report (final).PDF", at)
	assert.Regexp(t, regexp.MustCompile(`^My_Report_final-1700000000000-[A-Za-z0-9]{8}\.pdf$`), name)

	assert.NotEqual(t, StoredName("a.txt", at), StoredName("a.txt", at))
	assert.Regexp(t, `^file-1700000000000-[A-Za-z0-9]{8}$`, StoredName("???", at))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "a.txt", DisplayName(`C:\Users\me\a.txt`))
	assert.Equal(t, "a.txt", DisplayName("dir/sub/a.txt"))
	assert.Equal(t, "", DisplayName("dir/"))
}

package services

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/basit/qrshare-backend/apperr"
)

const maxDeviceIDLen = 128

// DeviceIdentity resolves which device a request speaks for. Identities are
// self-assigned by clients and not verified.
type DeviceIdentity interface {
	DeviceID(r *http.Request) (string, bool)
}

// HeaderIdentity reads the device id from a request header.
type HeaderIdentity struct {
	Header string
}

func (h HeaderIdentity) DeviceID(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(h.Header))
	if id == "" || ValidateDeviceID(id) != nil {
		return "", false
	}
	return id, true
}

// ValidateDeviceID checks the shape of a device id, not who owns it.
func ValidateDeviceID(id string) error {
	if id == "" {
		return apperr.Validation("device id is required")
	}
	if len(id) > maxDeviceIDLen {
		return apperr.Validation("device id is longer than %d characters", maxDeviceIDLen)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return apperr.Validation("device id contains invalid characters")
		}
	}
	return nil
}

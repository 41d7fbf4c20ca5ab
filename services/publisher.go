package services

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// Link is what a client shows after an upload.
type Link struct {
	URL    string `json:"url"`
	QRCode string `json:"qrCode"`
}

// Publisher derives download URLs and their QR codes.
type Publisher struct {
	// BaseURL is the public origin; when empty the caller's origin is used.
	BaseURL string
}

func (p Publisher) base(fallback string) string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return fallback
}

// DownloadURL is the address a scanned code points to.
func DownloadURL(base, storedName string) string {
	return strings.TrimRight(base, "/") + "/api/files/download/" + url.PathEscape(storedName)
}

// QRCodePNG renders the download URL of storedName.
func (p Publisher) QRCodePNG(origin, storedName string) ([]byte, error) {
	return qrcode.Encode(DownloadURL(p.base(origin), storedName), qrcode.Medium, qrSize)
}

// Publish returns the download URL and its QR code as a PNG data URL.
func (p Publisher) Publish(origin, storedName string) (Link, error) {
	u := DownloadURL(p.base(origin), storedName)
	png, err := qrcode.Encode(u, qrcode.Medium, qrSize)
	if err != nil {
		return Link{}, err
	}
	return Link{
		URL:    u,
		QRCode: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

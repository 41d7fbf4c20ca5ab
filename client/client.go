// Package client talks to the file-share HTTP API: uploads, device history,
// downloads and a poller for the global recent list.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

const deviceHeader = "Device-Id"

// File mirrors the server's file record.
type File struct {
	ID                string     `json:"id"`
	Filename          string     `json:"filename"`
	OriginalName      string     `json:"originalName"`
	Size              int64      `json:"size"`
	MimeType          string     `json:"mimetype"`
	DownloadCount     int64      `json:"downloadCount"`
	PasswordProtected bool       `json:"passwordProtected"`
	UploadDate        time.Time  `json:"uploadDate"`
	LastDownloadedAt  *time.Time `json:"lastDownloadedAt,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
}

type Uploaded struct {
	File   File   `json:"file"`
	QRCode string `json:"qrCode"`
	URL    string `json:"url"`
}

type ServerConfig struct {
	MaxUploadBytes int64    `json:"maxUploadBytes"`
	MaxChunks      int      `json:"maxChunks"`
	AllowedTypes   []string `json:"allowedTypes"`
	PollIntervalMs int64    `json:"pollInterval"`
	HistoryLimit   int      `json:"historyLimit"`
}

func (c ServerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
}

// Temporary reports whether retrying the same request later may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

type Client struct {
	base     string
	http     *http.Client
	deviceID string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithDeviceID(id string) Option {
	return func(c *Client) { c.deviceID = id }
}

// NewDeviceID makes a random device identity for a fresh install.
func NewDeviceID() string {
	return "device_" + shortuuid.New()
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:     strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		deviceID: NewDeviceID(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) DeviceID() string { return c.deviceID }

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.deviceID != "" {
		req.Header.Set(deviceHeader, c.deviceID)
	}
	return req, nil
}

// do sends req and decodes a JSON answer into out when out is non-nil.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, method, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// postMultipart streams one file part plus form fields without buffering the file.
func (c *Client) postMultipart(ctx context.Context, path, field, name, contentType string, body io.Reader, fields map[string]string, out any) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, field, name, contentType, body, fields))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, path, pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	err = c.do(req, out)
	pr.Close()
	return err
}

func writeForm(mw *multipart.Writer, field, name, contentType string, body io.Reader, fields map[string]string) error {
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

type UploadOptions struct {
	MimeType string
	Password string
}

// Upload sends r as one file.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, opts UploadOptions) (*Uploaded, error) {
	fields := map[string]string{}
	if opts.Password != "" {
		fields["password"] = opts.Password
	}
	var out Uploaded
	if err := c.postMultipart(ctx, "/api/files/upload", "file", name, opts.MimeType, r, fields, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Recent(ctx context.Context) ([]File, error) {
	var files []File
	return files, c.getJSON(ctx, "/api/files/recent", &files)
}

// DeviceHistory returns this client's device history as the server has it.
func (c *Client) DeviceHistory(ctx context.Context) ([]File, error) {
	var files []File
	return files, c.getJSON(ctx, "/api/files/recent/"+url.PathEscape(c.deviceID), &files)
}

// DeviceFiles resolves ids the client has cached, dropping ones that are gone.
func (c *Client) DeviceFiles(ctx context.Context, ids []string) ([]File, error) {
	if ids == nil {
		ids = []string{}
	}
	var files []File
	return files, c.sendJSON(ctx, http.MethodPost, "/api/files/device-files", map[string]any{"fileIds": ids}, &files)
}

func (c *Client) AddToRecent(ctx context.Context, fileID string) error {
	return c.sendJSON(ctx, http.MethodPost, "/api/files/add-to-recent/"+url.PathEscape(c.deviceID),
		map[string]string{"fileId": fileID}, nil)
}

func (c *Client) RemoveFromRecent(ctx context.Context, fileID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete,
		"/api/files/recent/"+url.PathEscape(c.deviceID)+"/"+url.PathEscape(fileID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) ClearHistory(ctx context.Context) error {
	return c.sendJSON(ctx, http.MethodPost, "/api/files/clear-recent-history",
		map[string]string{"deviceId": c.deviceID}, nil)
}

func (c *Client) Info(ctx context.Context, storedName string) (*File, error) {
	var f File
	if err := c.getJSON(ctx, "/api/files/info/"+url.PathEscape(storedName), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) Config(ctx context.Context) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := c.getJSON(ctx, "/api/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Unlock exchanges a password for a download token.
func (c *Client) Unlock(ctx context.Context, storedName, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.sendJSON(ctx, http.MethodPost, "/api/files/unlock/"+url.PathEscape(storedName),
		map[string]string{"password": password}, &out)
	return out.Token, err
}

// DownloadOptions carries the credential for a protected file, if any.
type DownloadOptions struct {
	Password string
	Token    string
}

// Download copies the file's bytes into w.
func (c *Client) Download(ctx context.Context, storedName string, w io.Writer, opts DownloadOptions) (int64, error) {
	path := "/api/files/download/" + url.PathEscape(storedName)
	if opts.Token != "" {
		path += "?token=" + url.QueryEscape(opts.Token)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	if opts.Password != "" {
		req.Header.Set("X-File-Password", opts.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return 0, err
	}
	n, err := io.Copy(w, resp.Body)
	if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		err = fmt.Errorf("download truncated: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, err
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/zaplane/zaplane/internal/observability"
	"github.com/zaplane/zaplane/internal/variable"
	"github.com/zaplane/zaplane/model"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v19.0"
	defaultTimeout    = 30 * time.Second

	// Button-style interactive messages cap at three choices; beyond that
	// the channel requires list style.
	maxButtons = 3
)

// CloudClient is the WhatsApp Cloud API implementation of Gateway.
type CloudClient struct {
	baseURL    string
	apiVersion string
	client     *http.Client
	mediaDir   string
	metrics    *observability.Metrics
}

// CloudOption configures a CloudClient.
type CloudOption func(*CloudClient)

// WithBaseURL overrides the API origin. Used by tests.
func WithBaseURL(url string) CloudOption {
	return func(c *CloudClient) { c.baseURL = url }
}

// WithAPIVersion overrides the Graph API version used when the user config
// does not pin one.
func WithAPIVersion(v string) CloudOption {
	return func(c *CloudClient) { c.apiVersion = v }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) CloudOption {
	return func(c *CloudClient) { c.client.Timeout = d }
}

// WithMediaDir sets the directory downloaded media is written to.
func WithMediaDir(dir string) CloudOption {
	return func(c *CloudClient) { c.mediaDir = dir }
}

// WithMetrics enables per-operation channel request counters and latency
// histograms.
func WithMetrics(m *observability.Metrics) CloudOption {
	return func(c *CloudClient) { c.metrics = m }
}

// NewCloudClient creates a Cloud API client with a dedicated HTTP client and
// an enforced per-call timeout.
func NewCloudClient(opts ...CloudOption) *CloudClient {
	c := &CloudClient{
		baseURL:    defaultBaseURL,
		apiVersion: defaultAPIVersion,
		mediaDir:   os.TempDir(),
		client: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sendResponse is the subset of the Cloud API send response we read.
type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Contacts []struct {
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendTemplate sends a pre-approved template message.
func (c *CloudClient) SendTemplate(ctx context.Context, creds model.UserConfig, phone, templateName string, header, body []variable.Param) (SendResult, error) {
	components := make([]map[string]any, 0, 2)
	if len(header) > 0 {
		components = append(components, map[string]any{
			"type":       "header",
			"parameters": textParams(header),
		})
	}
	if len(body) > 0 {
		components = append(components, map[string]any{
			"type":       "body",
			"parameters": textParams(body),
		})
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                phone,
		"type":              "template",
		"template": map[string]any{
			"name":       templateName,
			"language":   map[string]string{"code": "pt_BR"},
			"components": components,
		},
	}
	return c.send(ctx, creds, payload)
}

// SendText sends a plain text message.
func (c *CloudClient) SendText(ctx context.Context, creds model.UserConfig, phone, text string) (SendResult, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                phone,
		"type":              "text",
		"text":              map[string]any{"body": text},
	}
	return c.send(ctx, creds, payload)
}

// SendImage sends an image by link or uploaded media id. Local paths are
// uploaded first.
func (c *CloudClient) SendImage(ctx context.Context, creds model.UserConfig, phone string, img model.ImageRef) (SendResult, error) {
	image := map[string]any{}
	switch {
	case img.Link != "":
		image["link"] = img.Link
	case img.Path != "":
		mediaID, err := c.UploadMedia(ctx, creds, img.Path, MediaKindImage)
		if err != nil {
			return SendResult{}, err
		}
		image["id"] = mediaID
	default:
		return SendResult{}, model.NewInvalidInputError("image has neither link nor local path")
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                phone,
		"type":              "image",
		"image":             image,
	}
	return c.send(ctx, creds, payload)
}

// SendInteractive sends a choice prompt: buttons for up to three options,
// a list beyond that.
func (c *CloudClient) SendInteractive(ctx context.Context, creds model.UserConfig, phone, bodyText string, options []string) (SendResult, error) {
	if len(options) == 0 {
		return c.SendText(ctx, creds, phone, bodyText)
	}

	var interactive map[string]any
	if len(options) <= maxButtons {
		buttons := make([]map[string]any, len(options))
		for i, opt := range options {
			buttons[i] = map[string]any{
				"type": "reply",
				"reply": map[string]string{
					"id":    fmt.Sprintf("choice-%d", i+1),
					"title": truncateTitle(opt),
				},
			}
		}
		interactive = map[string]any{
			"type":   "button",
			"body":   map[string]string{"text": bodyText},
			"action": map[string]any{"buttons": buttons},
		}
	} else {
		rows := make([]map[string]any, len(options))
		for i, opt := range options {
			rows[i] = map[string]any{
				"id":    fmt.Sprintf("choice-%d", i+1),
				"title": truncateTitle(opt),
			}
		}
		interactive = map[string]any{
			"type": "list",
			"body": map[string]string{"text": bodyText},
			"action": map[string]any{
				"button":   "Opções",
				"sections": []map[string]any{{"rows": rows}},
			},
		}
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                phone,
		"type":              "interactive",
		"interactive":       interactive,
	}
	return c.send(ctx, creds, payload)
}

// UploadMedia uploads a local file and returns the channel media id.
func (c *CloudClient) UploadMedia(ctx context.Context, creds model.UserConfig, localPath, mediaKind string) (_ string, err error) {
	start := time.Now()
	defer func() { c.observe("media_upload", start, err) }()

	f, err := os.Open(localPath)
	if err != nil {
		return "", model.NewInvalidInputError(fmt.Sprintf("open media file: %v", err))
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy media: %w", err)
	}
	_ = w.WriteField("messaging_product", "whatsapp")
	_ = w.WriteField("type", mediaKind)
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/media", c.baseURL, c.version(creds), creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", model.NewChannelError(fmt.Sprintf("media upload: %v", err))
	}
	defer resp.Body.Close()

	var out struct {
		ID string `json:"id"`
	}
	if err := decodeOrError(resp, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// DownloadMedia resolves a media id to its URL, fetches it, and writes it to
// the media directory.
func (c *CloudClient) DownloadMedia(ctx context.Context, creds model.UserConfig, mediaID string) (_ string, err error) {
	start := time.Now()
	defer func() { c.observe("media_download", start, err) }()

	metaURL := fmt.Sprintf("%s/%s/%s", c.baseURL, c.version(creds), mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL, nil)
	if err != nil {
		return "", fmt.Errorf("build media lookup: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", model.NewChannelError(fmt.Sprintf("media lookup: %v", err))
	}
	defer resp.Body.Close()

	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := decodeOrError(resp, &meta); err != nil {
		return "", err
	}

	fetch, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build media fetch: %w", err)
	}
	fetch.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	body, err := c.client.Do(fetch)
	if err != nil {
		return "", model.NewChannelError(fmt.Sprintf("media fetch: %v", err))
	}
	defer body.Body.Close()
	if body.StatusCode != http.StatusOK {
		return "", model.NewChannelError(fmt.Sprintf("media fetch: status %d", body.StatusCode))
	}

	out, err := os.CreateTemp(c.mediaDir, "media-"+mediaID+"-*")
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, body.Body); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return out.Name(), nil
}

func (c *CloudClient) send(ctx context.Context, creds model.UserConfig, payload map[string]any) (_ SendResult, err error) {
	op, _ := payload["type"].(string)
	start := time.Now()
	defer func() { c.observe("send_"+op, start, err) }()

	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.version(creds), creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return SendResult{}, model.NewChannelError(fmt.Sprintf("send: %v", err))
	}
	defer resp.Body.Close()

	var out sendResponse
	if err := decodeOrError(resp, &out); err != nil {
		return SendResult{}, err
	}

	result := SendResult{}
	if len(out.Messages) > 0 {
		result.MessageID = out.Messages[0].ID
	}
	if len(out.Contacts) > 0 {
		result.ResolvedPhone = out.Contacts[0].WaID
	}
	return result, nil
}

// observe records the outcome and latency of one channel API call.
func (c *CloudClient) observe(operation string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordChannelRequest(operation, status, time.Since(start))
}

func (c *CloudClient) version(creds model.UserConfig) string {
	if creds.APIVersion != "" {
		return creds.APIVersion
	}
	return c.apiVersion
}

// decodeOrError decodes a 2xx JSON response into out, or turns a non-2xx
// response into a CHANNEL_ERROR carrying the remote detail.
func decodeOrError(resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.NewChannelError(fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure sendResponse
		if json.Unmarshal(raw, &failure) == nil && failure.Error != nil {
			return model.NewChannelError(
				fmt.Sprintf("channel rejected (status %d, code %d): %s", resp.StatusCode, failure.Error.Code, failure.Error.Message),
			)
		}
		return model.NewChannelError(fmt.Sprintf("channel rejected: status %d", resp.StatusCode))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return model.NewChannelError(fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

func textParams(params []variable.Param) []map[string]any {
	out := make([]map[string]any, len(params))
	for i, p := range params {
		out[i] = map[string]any{"type": "text", "text": p.Value}
	}
	return out
}

// truncateTitle keeps option labels within the channel's 20-char button
// title limit.
func truncateTitle(s string) string {
	if utf8.RuneCountInString(s) <= 20 {
		return s
	}
	r := []rune(s)
	return string(r[:20])
}

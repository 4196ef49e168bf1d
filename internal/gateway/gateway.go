// Package gateway sends messages through the WhatsApp Cloud API on behalf of
// a user's channel credentials.
package gateway

import (
	"context"

	"github.com/zaplane/zaplane/internal/variable"
	"github.com/zaplane/zaplane/model"
)

// SendResult reports a successful send.
type SendResult struct {
	MessageID     string
	ResolvedPhone string // the channel's canonical id for the recipient
}

// Media kind constants for uploads.
const (
	MediaKindImage    = "image"
	MediaKindDocument = "document"
)

// Gateway is the outbound messaging surface consumed by the orchestrator and
// the flow engine. Every call enforces its own timeout; failures surface as
// CHANNEL_ERROR and are never fatal to the caller.
type Gateway interface {
	// SendTemplate sends a pre-approved template with positional header and
	// body parameters.
	SendTemplate(ctx context.Context, creds model.UserConfig, phone, templateName string, header, body []variable.Param) (SendResult, error)

	// SendText sends a plain text message.
	SendText(ctx context.Context, creds model.UserConfig, phone, text string) (SendResult, error)

	// SendImage sends an image by remote link or previously uploaded media id.
	SendImage(ctx context.Context, creds model.UserConfig, phone string, img model.ImageRef) (SendResult, error)

	// SendInteractive sends a choice prompt: button style for up to three
	// options, list style beyond that.
	SendInteractive(ctx context.Context, creds model.UserConfig, phone, bodyText string, options []string) (SendResult, error)

	// UploadMedia uploads a local file and returns the channel's media id,
	// empty on failure.
	UploadMedia(ctx context.Context, creds model.UserConfig, localPath, mediaKind string) (string, error)

	// DownloadMedia fetches remote media to a local file and returns its
	// path, empty on failure.
	DownloadMedia(ctx context.Context, creds model.UserConfig, mediaID string) (string, error)
}

package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/zaplane/zaplane/internal/variable"
	"github.com/zaplane/zaplane/model"
)

// MockCall records one outbound gateway call.
type MockCall struct {
	Kind     string // template | text | image | interactive
	Phone    string
	Template string
	Text     string
	Header   []variable.Param
	Body     []variable.Param
	Options  []string
	Image    model.ImageRef
}

// Mock is a recording Gateway for tests. FailPhones forces CHANNEL_ERROR for
// specific recipients.
type Mock struct {
	mu         sync.Mutex
	Calls      []MockCall
	FailPhones map[string]bool
	FailAll    bool
}

// NewMock creates an empty recording gateway.
func NewMock() *Mock {
	return &Mock{FailPhones: make(map[string]bool)}
}

func (m *Mock) record(call MockCall) (SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll || m.FailPhones[call.Phone] {
		return SendResult{}, model.NewChannelError(fmt.Sprintf("mock rejection for %s", call.Phone))
	}
	m.Calls = append(m.Calls, call)
	return SendResult{
		MessageID:     fmt.Sprintf("wamid-%d", len(m.Calls)),
		ResolvedPhone: call.Phone,
	}, nil
}

// CallKinds returns the ordered kinds of recorded calls.
func (m *Mock) CallKinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		kinds[i] = c.Kind
	}
	return kinds
}

// Len returns the number of recorded calls.
func (m *Mock) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

func (m *Mock) SendTemplate(_ context.Context, _ model.UserConfig, phone, templateName string, header, body []variable.Param) (SendResult, error) {
	return m.record(MockCall{Kind: "template", Phone: phone, Template: templateName, Header: header, Body: body})
}

func (m *Mock) SendText(_ context.Context, _ model.UserConfig, phone, text string) (SendResult, error) {
	return m.record(MockCall{Kind: "text", Phone: phone, Text: text})
}

func (m *Mock) SendImage(_ context.Context, _ model.UserConfig, phone string, img model.ImageRef) (SendResult, error) {
	return m.record(MockCall{Kind: "image", Phone: phone, Image: img})
}

func (m *Mock) SendInteractive(_ context.Context, _ model.UserConfig, phone, bodyText string, options []string) (SendResult, error) {
	return m.record(MockCall{Kind: "interactive", Phone: phone, Text: bodyText, Options: options})
}

func (m *Mock) UploadMedia(_ context.Context, _ model.UserConfig, localPath, _ string) (string, error) {
	return "media-" + localPath, nil
}

func (m *Mock) DownloadMedia(_ context.Context, _ model.UserConfig, mediaID string) (string, error) {
	return "/tmp/" + mediaID, nil
}

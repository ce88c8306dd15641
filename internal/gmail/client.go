package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/mail"
	"strings"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/teemow/inboxlink/internal/emailtask"
)

// ErrThreadNotFound is returned when the thread does not exist or is not
// visible to the account.
var ErrThreadNotFound = errors.New("thread not found")

// Client wraps the Gmail Users service.
type Client struct {
	svc *gmail.UsersService
}

// NewClient creates a client from an authorized HTTP client. Extra options
// such as option.WithEndpoint are passed to the service.
func NewClient(ctx context.Context, httpClient *http.Client, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Client{svc: svc.Users}, nil
}

// Profile returns the address of the authorized account.
func (c *Client) Profile(ctx context.Context) (string, error) {
	p, err := c.svc.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	return p.EmailAddress, nil
}

// ThreadEmail builds the email payload for a thread from its first message:
// subject, sender and HTML body.
func (c *Client) ThreadEmail(ctx context.Context, threadID string) (emailtask.Email, error) {
	thread, err := c.svc.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return emailtask.Email{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		return emailtask.Email{}, fmt.Errorf("failed to get thread %s: %w", threadID, err)
	}
	if len(thread.Messages) == 0 || thread.Messages[0].Payload == nil {
		return emailtask.Email{}, fmt.Errorf("%w: %s has no messages", ErrThreadNotFound, threadID)
	}

	first := thread.Messages[0]
	headers := headerMap(first.Payload.Headers)
	e := emailtask.Email{
		ThreadID: thread.Id,
		Subject:  headers["subject"],
		From:     headers["from"],
		HTML:     htmlBody(first.Payload),
	}
	if addr, err := mail.ParseAddress(e.From); err == nil {
		e.Email = addr.Address
	}
	return e, nil
}

func headerMap(headers []*gmail.MessagePartHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		key := strings.ToLower(h.Name)
		if _, ok := m[key]; !ok {
			m[key] = h.Value
		}
	}
	return m
}

// htmlBody returns the first text/html part. Plain text is escaped into a
// <pre> block when there is no HTML.
func htmlBody(payload *gmail.MessagePart) string {
	var htmlPart, textPart string
	walkParts(payload, func(p *gmail.MessagePart) {
		if p.Body == nil || p.Body.Data == "" {
			return
		}
		switch {
		case htmlPart == "" && p.MimeType == "text/html":
			htmlPart = decodeBase64URL(p.Body.Data)
		case textPart == "" && p.MimeType == "text/plain":
			textPart = decodeBase64URL(p.Body.Data)
		}
	})
	if htmlPart != "" {
		return htmlPart
	}
	if textPart != "" {
		return "<pre>" + html.EscapeString(textPart) + "</pre>"
	}
	return ""
}

func walkParts(part *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if part == nil {
		return
	}
	fn(part)
	for _, sub := range part.Parts {
		walkParts(sub, fn)
	}
}

// decodeBase64URL decodes Gmail body data, which may or may not be padded.
func decodeBase64URL(s string) string {
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return string(b)
	}
	return ""
}

package graphrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type Message struct {
	ID               string      `json:"id"`
	Subject          string      `json:"subject"`
	BodyPreview      string      `json:"bodyPreview,omitempty"`
	Body             *ItemBody   `json:"body,omitempty"`
	From             *Recipient  `json:"from,omitempty"`
	ToRecipients     []Recipient `json:"toRecipients,omitempty"`
	CcRecipients     []Recipient `json:"ccRecipients,omitempty"`
	ReceivedDateTime string      `json:"receivedDateTime,omitempty"`
	IsRead           bool        `json:"isRead"`
}

type SendMailRequest struct {
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	HTML    bool     `json:"html,omitempty"`
}

// Mailbox exposes the mail operations the agent layer can invoke for one
// account. All calls go through the shared request executor, so pagination
// and the 401 refresh-and-replay contract apply uniformly.
type Mailbox struct {
	client  *GraphClient
	account string
}

func NewMailbox(client *GraphClient, account string) *Mailbox {
	return &Mailbox{client: client, account: account}
}

func (m *Mailbox) basePath() string {
	return "/v1.0/users/" + url.PathEscape(m.account)
}

func (m *Mailbox) ListInbox(ctx context.Context, top int) ([]Message, error) {
	if top <= 0 {
		top = 25
	}
	path := fmt.Sprintf("%s/mailFolders/inbox/messages?$top=%d&$orderby=receivedDateTime%%20desc", m.basePath(), top)
	raw, err := m.client.List(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeMessages(raw)
}

func (m *Mailbox) GetMessage(ctx context.Context, messageID string) (Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return Message{}, ErrInvalidInput
	}
	var message Message
	err := m.client.Do(ctx, "GET", m.basePath()+"/messages/"+url.PathEscape(messageID), nil, &message)
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

func (m *Mailbox) SendMail(ctx context.Context, req SendMailRequest) error {
	if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.Body) == "" {
		return ErrInvalidInput
	}
	if len(req.To) == 0 {
		return ErrInvalidInput
	}
	contentType := "text"
	if req.HTML {
		contentType = "html"
	}
	payload := map[string]any{
		"message": map[string]any{
			"subject":      req.Subject,
			"body":         ItemBody{ContentType: contentType, Content: req.Body},
			"toRecipients": recipients(req.To),
			"ccRecipients": recipients(req.Cc),
		},
		"saveToSentItems": true,
	}
	return m.client.Do(ctx, "POST", m.basePath()+"/sendMail", payload, nil)
}

func (m *Mailbox) MarkRead(ctx context.Context, messageID string, read bool) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return ErrInvalidInput
	}
	payload := map[string]any{"isRead": read}
	return m.client.Do(ctx, "PATCH", m.basePath()+"/messages/"+url.PathEscape(messageID), payload, nil)
}

func recipients(addresses []string) []Recipient {
	out := make([]Recipient, 0, len(addresses))
	for _, address := range addresses {
		address = strings.TrimSpace(address)
		if address == "" {
			continue
		}
		out = append(out, Recipient{EmailAddress: EmailAddress{Address: address}})
	}
	return out
}

func decodeMessages(raw []json.RawMessage) ([]Message, error) {
	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var message Message
		if err := json.Unmarshal(item, &message); err != nil {
			return nil, fmt.Errorf("invalid message payload: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, nil
}

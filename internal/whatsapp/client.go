package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"whatsapp-platform/internal/config"
)

// Payload is what the engine knows about an outbound message: a type
// discriminator plus the fields that type needs.
type Payload struct {
	Type           string          `json:"type"` // template, text or media
	Text           string          `json:"text,omitempty"`
	TemplateID     string          `json:"template_id,omitempty"`
	TemplateParams json.RawMessage `json:"template_params,omitempty"`
	MediaURL       string          `json:"media_url,omitempty"`
}

// Provider performs the outbound send call. The HTTP client implements it;
// tests substitute a mock.
type Provider interface {
	Send(ctx context.Context, fromPhoneNumberID, to string, p Payload) (wamid string, err error)
}

// Client talks to the WhatsApp Cloud API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL: cfg.GraphBaseURL,
		token:   cfg.WhatsAppToken,
		http:    &http.Client{},
	}
}

// --- Cloud API message structures ---

type genericMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textObj     `json:"text,omitempty"`
	Image            *mediaObj    `json:"image,omitempty"`
	Template         *templateObj `json:"template,omitempty"`
}

type textObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type mediaObj struct {
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type templateObj struct {
	Name       string         `json:"name"`
	Language   languageObj    `json:"language"`
	Components []componentObj `json:"components,omitempty"`
}

type languageObj struct {
	Code string `json:"code"`
}

type componentObj struct {
	Type       string         `json:"type"`
	Parameters []parameterObj `json:"parameters"`
}

type parameterObj struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type apiError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// templateComponents turns the stored template_params JSON (an array of
// strings) into body parameters.
func templateComponents(raw json.RawMessage) []componentObj {
	if len(raw) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil || len(values) == 0 {
		return nil
	}
	params := make([]parameterObj, 0, len(values))
	for _, v := range values {
		params = append(params, parameterObj{Type: "text", Text: v})
	}
	return []componentObj{{Type: "body", Parameters: params}}
}

func buildMessage(to string, p Payload) (genericMessage, error) {
	msg := genericMessage{MessagingProduct: "whatsapp", To: to}
	switch p.Type {
	case "text":
		msg.Type = "text"
		msg.Text = &textObj{Body: p.Text}
	case "template":
		msg.Type = "template"
		msg.Template = &templateObj{
			Name:       p.TemplateID,
			Language:   languageObj{Code: "en"},
			Components: templateComponents(p.TemplateParams),
		}
	case "media":
		msg.Type = "image"
		msg.Image = &mediaObj{Link: p.MediaURL, Caption: p.Text}
	default:
		return msg, &SendError{Class: Permanent, Message: fmt.Sprintf("unsupported payload type %q", p.Type)}
	}
	return msg, nil
}

// Send performs the provider call and returns the provider-assigned wamid.
// Failures come back as *SendError classified transient or permanent.
func (c *Client) Send(ctx context.Context, fromPhoneNumberID, to string, p Payload) (string, error) {
	msg, err := buildMessage(to, p)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", &SendError{Class: Permanent, Message: "marshal message: " + err.Error()}
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, fromPhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err // network-level, classified transient by ClassOf
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 400 {
		var ae apiError
		_ = json.Unmarshal(respBody, &ae)
		return "", &SendError{
			Class:      classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Code:       ae.Error.Code,
			Message:    ae.Error.Message,
		}
	}

	var sr sendResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if len(sr.Messages) == 0 {
		return "", fmt.Errorf("send response carries no message id")
	}
	return sr.Messages[0].ID, nil
}

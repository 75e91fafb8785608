package models

// WebhookPayload is the incoming JSON envelope from the WhatsApp Cloud API.
type WebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Value struct {
				MessagingProduct string `json:"messaging_product"`
				Metadata         struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []IncomingMessage `json:"messages,omitempty"`
				Statuses []IncomingStatus  `json:"statuses,omitempty"`
			} `json:"value"`
			Field string `json:"field"`
		} `json:"changes"`
	} `json:"entry"`
}

// IncomingMessage is one inbound message inside a webhook payload.
type IncomingMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image       *MediaMessage       `json:"image,omitempty"`
	Video       *MediaMessage       `json:"video,omitempty"`
	Audio       *MediaMessage       `json:"audio,omitempty"`
	Document    *MediaMessage       `json:"document,omitempty"`
	Interactive *InteractiveMessage `json:"interactive,omitempty"`
}

// IncomingStatus is one delivery-status callback inside a webhook payload.
type IncomingStatus struct {
	ID          string `json:"id"` // the wamid
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// MediaMessage is a media attachment in an inbound message.
type MediaMessage struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// InteractiveMessage is an interactive reply (buttons, lists).
type InteractiveMessage struct {
	Type        string       `json:"type"`
	ButtonReply *ButtonReply `json:"button_reply,omitempty"`
	ListReply   *ListReply   `json:"list_reply,omitempty"`
}

// ButtonReply is a quick-reply button click.
type ButtonReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListReply is a list-row selection.
type ListReply struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

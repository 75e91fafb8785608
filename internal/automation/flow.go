package automation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	pubmodels "whatsapp-platform/pkg/models"
)

// Trigger types.
const (
	TriggerKeyword = "keyword"
	TriggerButton  = "button"
	TriggerDefault = "default"
	TriggerStatus  = "status"
)

// Action types.
const (
	ActionSendText     = "send_text"
	ActionSendTemplate = "send_template"
	ActionSendMedia    = "send_media"
	ActionWait         = "wait"
	ActionBranch       = "branch"
)

var validate = validator.New()

// Flow is the parsed form of an Automation's JSON definition: one trigger
// predicate and an action sequence. automationJson is parsed into this closed
// set of variants once at load time, never interpreted per event.
type Flow struct {
	Trigger Trigger  `json:"trigger" validate:"required"`
	Actions []Action `json:"actions" validate:"required,min=1,dive"`
}

// Trigger is the predicate an event must satisfy.
type Trigger struct {
	Type string `json:"type" validate:"required,oneof=keyword button default status"`

	// keyword trigger
	Keywords []string `json:"keywords,omitempty"`
	Match    string   `json:"match,omitempty" validate:"omitempty,oneof=exact contains prefix"`

	// button trigger
	ButtonIDs []string `json:"button_ids,omitempty"`

	// status trigger
	Statuses []string `json:"statuses,omitempty" validate:"omitempty,dive,oneof=sent delivered read failed"`
}

// Action is one step of a flow. The Type discriminator selects which fields
// apply.
type Action struct {
	Type string `json:"type" validate:"required,oneof=send_text send_template send_media wait branch"`

	Text           string          `json:"text,omitempty"`
	TemplateID     string          `json:"template_id,omitempty"`
	TemplateParams json.RawMessage `json:"template_params,omitempty"`
	MediaURL       string          `json:"media_url,omitempty"`
	Caption        string          `json:"caption,omitempty"`
	Seconds        int             `json:"seconds,omitempty"`
	Cases          []BranchCase    `json:"cases,omitempty" validate:"dive"`
	Default        []Action        `json:"default,omitempty" validate:"dive"`
}

// BranchCase pairs reply keywords with the actions to run when they match.
type BranchCase struct {
	Keywords []string `json:"keywords" validate:"required,min=1"`
	Actions  []Action `json:"actions" validate:"required,min=1,dive"`
}

// ParseFlow decodes and validates an automation definition. A schema
// violation makes the whole automation unusable; callers skip it and report,
// they do not abort the evaluation pass.
func ParseFlow(raw string) (*Flow, error) {
	var f Flow
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("automation json: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("automation schema: %w", err)
	}
	if err := f.check(); err != nil {
		return nil, err
	}
	return &f, nil
}

// check covers the structural rules field tags cannot express.
func (f *Flow) check() error {
	switch f.Trigger.Type {
	case TriggerKeyword:
		if len(f.Trigger.Keywords) == 0 {
			return fmt.Errorf("keyword trigger requires keywords")
		}
	case TriggerButton:
		if len(f.Trigger.ButtonIDs) == 0 {
			return fmt.Errorf("button trigger requires button_ids")
		}
	case TriggerStatus:
		if len(f.Trigger.Statuses) == 0 {
			return fmt.Errorf("status trigger requires statuses")
		}
	}
	return checkActions(f.Actions)
}

func checkActions(actions []Action) error {
	for i, a := range actions {
		switch a.Type {
		case ActionSendText:
			if a.Text == "" {
				return fmt.Errorf("action %d: send_text requires text", i)
			}
		case ActionSendTemplate:
			if a.TemplateID == "" {
				return fmt.Errorf("action %d: send_template requires template_id", i)
			}
		case ActionSendMedia:
			if a.MediaURL == "" {
				return fmt.Errorf("action %d: send_media requires media_url", i)
			}
		case ActionWait:
			if a.Seconds <= 0 {
				return fmt.Errorf("action %d: wait requires positive seconds", i)
			}
		case ActionBranch:
			if len(a.Cases) == 0 {
				return fmt.Errorf("action %d: branch requires cases", i)
			}
			for _, c := range a.Cases {
				if err := checkActions(c.Actions); err != nil {
					return err
				}
			}
			if err := checkActions(a.Default); err != nil {
				return err
			}
			if i != len(actions)-1 {
				return fmt.Errorf("action %d: branch must be the last action", i)
			}
		}
	}
	return nil
}

// MatchesInbound evaluates the trigger against an inbound message.
func (f *Flow) MatchesInbound(ev pubmodels.InboundEvent) bool {
	switch f.Trigger.Type {
	case TriggerDefault:
		return true
	case TriggerButton:
		for _, id := range f.Trigger.ButtonIDs {
			if id == ev.ButtonID {
				return true
			}
		}
		return false
	case TriggerKeyword:
		return matchKeywords(ev.Text, f.Trigger.Keywords, f.Trigger.Match)
	}
	return false
}

// MatchesStatus evaluates the trigger against a delivery-status event.
func (f *Flow) MatchesStatus(ev pubmodels.StatusEvent) bool {
	if f.Trigger.Type != TriggerStatus {
		return false
	}
	for _, s := range f.Trigger.Statuses {
		if s == ev.Status {
			return true
		}
	}
	return false
}

func matchKeywords(text string, keywords []string, mode string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		switch mode {
		case "exact":
			if text == kw {
				return true
			}
		case "prefix":
			if strings.HasPrefix(text, kw) {
				return true
			}
		default: // contains
			if strings.Contains(text, kw) {
				return true
			}
		}
	}
	return false
}

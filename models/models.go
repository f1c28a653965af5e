package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Frequency is the cadence of a contribution
type Frequency string

const (
	FrequencyOneTime Frequency = "one_time"
	FrequencyMonth   Frequency = "month"
	FrequencyYear    Frequency = "year"
)

// Frequencies lists the frequencies in canonical page order
var Frequencies = []Frequency{FrequencyOneTime, FrequencyMonth, FrequencyYear}

// Valid reports whether f is one of the enumerated frequencies
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOneTime, FrequencyMonth, FrequencyYear:
		return true
	}
	return false
}

// Recurring reports whether f creates a subscription rather than a single payment
func (f Frequency) Recurring() bool {
	return f == FrequencyMonth || f == FrequencyYear
}

// Rank returns the canonical position of f, or len(Frequencies) for unknown values
func (f Frequency) Rank() int {
	for i, known := range Frequencies {
		if known == f {
			return i
		}
	}
	return len(Frequencies)
}

// Page element type tags the checkout reads
const (
	ElementFrequency = "DFrequency"
	ElementAmount    = "DAmount"
)

// PageElement is one block of a contribution page
type PageElement struct {
	Type    string          `json:"type" yaml:"type"`
	Content json.RawMessage `json:"content" yaml:"-"`
}

// UnmarshalYAML decodes content as a generic value and re-encodes it as JSON so
// page fixtures can be written in YAML.
func (e *PageElement) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Type    string      `yaml:"type"`
		Content interface{} `yaml:"content"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	content, err := json.Marshal(normalizeYAML(raw.Content))
	if err != nil {
		return err
	}
	e.Type = raw.Type
	e.Content = content
	return nil
}

func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if s, ok := k.(string); ok {
				out[s] = normalizeYAML(val)
			}
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	}
	return v
}

// PageConfig describes a contribution page. The checkout treats it as immutable.
type PageConfig struct {
	ID             int           `json:"id" yaml:"id"`
	Slug           string        `json:"slug" yaml:"slug"`
	Elements       []PageElement `json:"elements" yaml:"elements"`
	CurrencySymbol string        `json:"currency_symbol" yaml:"currency_symbol"`
	IsNonprofit    bool          `json:"is_nonprofit" yaml:"is_nonprofit"`
	Locale         string        `json:"locale" yaml:"locale"`
	RequiredFields []string      `json:"required_fields" yaml:"required_fields"`
	ThankYouURL    string        `json:"thank_you_url" yaml:"thank_you_url"`
}

// Element returns the first element of the given type
func (p *PageConfig) Element(elementType string) (PageElement, bool) {
	if p == nil {
		return PageElement{}, false
	}
	for _, el := range p.Elements {
		if el.Type == elementType {
			return el, true
		}
	}
	return PageElement{}, false
}

// FrequencyOption is one entry of a DFrequency element
type FrequencyOption struct {
	Value     Frequency `json:"value"`
	IsDefault bool      `json:"isDefault"`
}

// AmountContent is the payload of a DAmount element
type AmountContent struct {
	Options    map[Frequency][]float64 `json:"options"`
	Defaults   map[Frequency]float64   `json:"defaults"`
	AllowOther bool                    `json:"allowOther"`
}

// Intent is the in-progress contribution a donor is building
type Intent struct {
	Frequency      Frequency `json:"frequency"`
	Amount         float64   `json:"amount"`
	PayFees        bool      `json:"pay_fees"`
	FeeAmount      float64   `json:"fee_amount"`
	MailingCountry string    `json:"mailing_country"`
}

// DonorInfo holds the donor fields posted with a contribution
type DonorInfo struct {
	FirstName         string            `json:"first_name" validate:"required"`
	LastName          string            `json:"last_name" validate:"required"`
	Email             string            `json:"email" validate:"required,email"`
	Phone             string            `json:"phone,omitempty"`
	MailingStreet     string            `json:"mailing_street,omitempty"`
	MailingCity       string            `json:"mailing_city,omitempty"`
	MailingState      string            `json:"mailing_state,omitempty"`
	MailingPostalCode string            `json:"mailing_postal_code,omitempty"`
	MailingCountry    string            `json:"mailing_country,omitempty"`
	ReasonForGiving   string            `json:"reason_for_giving,omitempty"`
	TributeType       string            `json:"tribute_type,omitempty"`
	Honoree           string            `json:"honoree,omitempty"`
	InMemoryOf        string            `json:"in_memory_of,omitempty"`
	CustomFields      map[string]string `json:"custom_fields,omitempty"`
}

// Field returns a donor field by its wire name
func (d DonorInfo) Field(name string) string {
	switch name {
	case "first_name":
		return d.FirstName
	case "last_name":
		return d.LastName
	case "email":
		return d.Email
	case "phone":
		return d.Phone
	case "mailing_street":
		return d.MailingStreet
	case "mailing_city":
		return d.MailingCity
	case "mailing_state":
		return d.MailingState
	case "mailing_postal_code":
		return d.MailingPostalCode
	case "mailing_country":
		return d.MailingCountry
	case "reason_for_giving":
		return d.ReasonForGiving
	case "tribute_type":
		return d.TributeType
	case "honoree":
		return d.Honoree
	case "in_memory_of":
		return d.InMemoryOf
	}
	return strings.TrimSpace(d.CustomFields[name])
}

// CreatePaymentRequest is the body sent to the backend to create a payment session
type CreatePaymentRequest struct {
	Amount              string    `json:"amount"`
	Interval            Frequency `json:"interval"`
	AgreedToPayFees     bool      `json:"agreed_to_pay_fees"`
	CaptchaToken        string    `json:"captcha_token"`
	DonorSelectedAmount float64   `json:"donor_selected_amount"`
	Page                int       `json:"page"`
	DonorInfo
}

// CreatePaymentResponse is the backend's answer to a successful creation
type CreatePaymentResponse struct {
	ClientSecret string `json:"provider_client_secret_id"`
	EmailHash    string `json:"email_hash"`
	UUID         string `json:"uuid,omitempty"`
}

// SessionStatus tracks the lifecycle of a payment session
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionFinished SessionStatus = "finished"
	SessionCanceled SessionStatus = "canceled"
)

// PaymentSession is a backend-issued payment or subscription awaiting confirmation
type PaymentSession struct {
	ID           string        `json:"id"`
	ClientSecret string        `json:"client_secret"`
	EmailHash    string        `json:"email_hash"`
	Amount       float64       `json:"amount"`
	Frequency    Frequency     `json:"frequency"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// AuditKind names the kind of an audit event
type AuditKind string

const (
	AuditAmount    AuditKind = "amount"
	AuditFrequency AuditKind = "frequency"
	AuditPayFees   AuditKind = "payFees"
	AuditLowAmount AuditKind = "lowAmount"
)

// AuditEvent is a fire-and-forget diagnostic record
type AuditEvent struct {
	Kind      AuditKind   `json:"kind"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

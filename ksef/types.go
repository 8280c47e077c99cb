package ksef

import (
	"regexp"
	"time"
)

// SubjectType is the category filter of a metadata query. The API accepts exactly one per call.
type SubjectType string

const (
	Subject1          SubjectType = "Subject1" // issued by the taxpayer (sales)
	Subject2          SubjectType = "Subject2" // issued to the taxpayer (purchases)
	Subject3          SubjectType = "Subject3"
	SubjectAuthorized SubjectType = "SubjectAuthorized"
)

// DateType selects which invoice date the query window applies to.
type DateType string

const (
	DateTypeIssue            DateType = "Issue"
	DateTypeInvoicing        DateType = "Invoicing"
	DateTypePermanentStorage DateType = "PermanentStorage"
)

// ParseDateType returns the matching DateType, falling back to Invoicing for anything unknown.
func ParseDateType(s string) DateType {
	switch DateType(s) {
	case DateTypeIssue, DateTypeInvoicing, DateTypePermanentStorage:
		return DateType(s)
	default:
		return DateTypeInvoicing
	}
}

// UsageKsefTokenEncryption tags the certificate whose key encrypts KSeF tokens.
const UsageKsefTokenEncryption = "KsefTokenEncryption"

// timestampLayout is ISO-8601 UTC with milliseconds and a literal Z.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in UTC the way the metadata query expects.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

var ksefNumberPattern = regexp.MustCompile(`^\d{10}-\d{8}-[A-Za-z0-9]{6,}-[A-Za-z0-9]{2}$`)

// ValidKsefNumber reports whether s has the shape of a KSeF invoice number.
func ValidKsefNumber(s string) bool {
	return ksefNumberPattern.MatchString(s)
}

type ContextIdentifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// NIPContext identifies the taxpayer by NIP.
func NIPContext(nip string) ContextIdentifier {
	return ContextIdentifier{Type: "nip", Value: nip}
}

type ChallengeRequest struct {
	ContextIdentifier ContextIdentifier `json:"contextIdentifier"`
}

type ChallengeResponse struct {
	Challenge   string `json:"challenge"`
	Timestamp   string `json:"timestamp,omitempty"`
	TimestampMs int64  `json:"timestampMs"`
}

type PublicKeyCertificate struct {
	Certificate string     `json:"certificate"` // base64 DER
	ValidFrom   *time.Time `json:"validFrom,omitempty"`
	ValidTo     *time.Time `json:"validTo,omitempty"`
	Usage       []string   `json:"usage"`
}

// HasUsage reports whether the certificate is tagged with usage.
func (c PublicKeyCertificate) HasUsage(usage string) bool {
	for _, u := range c.Usage {
		if u == usage {
			return true
		}
	}
	return false
}

// ValidAt reports whether t falls within the certificate's published validity window.
// Missing bounds are treated as open.
func (c PublicKeyCertificate) ValidAt(t time.Time) bool {
	if c.ValidFrom != nil && t.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidTo != nil && t.After(*c.ValidTo) {
		return false
	}
	return true
}

type KsefTokenRequest struct {
	Challenge         string            `json:"challenge"`
	ContextIdentifier ContextIdentifier `json:"contextIdentifier"`
	EncryptedToken    string            `json:"encryptedToken"` // base64
}

// TokenInfo is a bearer token as the API returns it.
type TokenInfo struct {
	Token      string     `json:"token"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`
}

type KsefTokenResponse struct {
	ReferenceNumber     string    `json:"referenceNumber"`
	AuthenticationToken TokenInfo `json:"authenticationToken"`
}

// Authentication status codes reported while an attempt is processed.
const (
	AuthStatusInProgress = 100
	AuthStatusSuccess    = 200
	// AuthStatusInvalidToken and AuthStatusCertificateError mean the submitted
	// ciphertext or the key it was built with was not accepted.
	AuthStatusInvalidToken     = 450
	AuthStatusCertificateError = 460
)

type Status struct {
	Code        int      `json:"code"`
	Description string   `json:"description,omitempty"`
	Details     []string `json:"details,omitempty"`
}

type AuthStatusResponse struct {
	StartDate            *time.Time `json:"startDate,omitempty"`
	AuthenticationMethod string     `json:"authenticationMethod,omitempty"`
	Status               Status     `json:"status"`
}

type RedeemResponse struct {
	AccessToken  *TokenInfo `json:"accessToken"`
	RefreshToken *TokenInfo `json:"refreshToken"`
}

type RefreshResponse struct {
	AccessToken *TokenInfo `json:"accessToken"`
}

// AuthSession describes one active authentication session of the taxpayer.
type AuthSession struct {
	ReferenceNumber        string     `json:"referenceNumber"`
	StartDate              *time.Time `json:"startDate,omitempty"`
	AuthenticationMethod   string     `json:"authenticationMethod,omitempty"`
	Status                 Status     `json:"status"`
	IsCurrent              bool       `json:"isCurrent"`
	IsTokenRedeemed        bool       `json:"isTokenRedeemed"`
	LastTokenRefreshDate   *time.Time `json:"lastTokenRefreshDate,omitempty"`
	RefreshTokenValidUntil *time.Time `json:"refreshTokenValidUntil,omitempty"`
}

type SessionsResponse struct {
	Sessions []AuthSession `json:"sessions"`
}

type DateRange struct {
	DateType DateType `json:"dateType"`
	From     string   `json:"From"`
	To       string   `json:"To"`
}

// DefaultPageSize is the metadata page size requested by the monitor.
const DefaultPageSize = 100

type MetadataQuery struct {
	SubjectType SubjectType `json:"subjectType"`
	DateRange   DateRange   `json:"dateRange"`
	PageSize    int         `json:"pageSize"`
	PageOffset  int         `json:"pageOffset"`
}

// NewMetadataQuery builds the first page query for one category and window.
func NewMetadataQuery(subject SubjectType, dateType DateType, from, to time.Time) MetadataQuery {
	return MetadataQuery{
		SubjectType: subject,
		DateRange: DateRange{
			DateType: dateType,
			From:     FormatTimestamp(from),
			To:       FormatTimestamp(to),
		},
		PageSize:   DefaultPageSize,
		PageOffset: 0,
	}
}

type MetadataPage struct {
	Invoices    []InvoiceMetadata `json:"invoices"`
	HasMore     bool              `json:"hasMore"`
	IsTruncated bool              `json:"isTruncated"`
}

type Party struct {
	NIP  string `json:"nip,omitempty"`
	Name string `json:"name,omitempty"`
}

// InvoiceMetadata is read-only invoice data returned by the metadata query.
type InvoiceMetadata struct {
	KsefReferenceNumber string   `json:"ksefReferenceNumber,omitempty"`
	KsefNumber          string   `json:"ksefNumber,omitempty"`
	InvoiceNumber       string   `json:"invoiceNumber,omitempty"`
	IssueDate           string   `json:"issueDate,omitempty"`
	InvoicingDate       string   `json:"invoicingDate,omitempty"`
	Seller              Party    `json:"seller"`
	Buyer               Party    `json:"buyer"`
	NetAmount           *float64 `json:"netAmount,omitempty"`
	GrossAmount         *float64 `json:"grossAmount,omitempty"`
	VatAmount           *float64 `json:"vatAmount,omitempty"`
	Currency            string   `json:"currency,omitempty"`
}

// Identity is the reference number, or the KSeF number when no reference number was returned.
func (m InvoiceMetadata) Identity() string {
	if m.KsefReferenceNumber != "" {
		return m.KsefReferenceNumber
	}
	return m.KsefNumber
}

// Document is a raw XML artifact downloaded for one invoice.
type Document struct {
	KsefNumber string
	Content    []byte
	Hash       string // SHA-256 published by the API, may be empty
}

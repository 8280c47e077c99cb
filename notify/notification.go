package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/unicode/norm"
)

// Priority ranges from -2 (lowest) to 2 (urgent).
type Priority int

const (
	PriorityLowest Priority = -2
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
	PriorityUrgent Priority = 2
)

var priorityNames = map[Priority]string{
	PriorityLowest: "lowest",
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

// ParsePriority accepts -2..2 and falls back to normal for anything else.
func ParsePriority(n int) Priority {
	p := Priority(n)
	if _, ok := priorityNames[p]; !ok {
		return PriorityNormal
	}
	return p
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return priorityNames[PriorityNormal]
}

const (
	TitleSales    = "Nowa faktura sprzedażowa w KSeF"
	TitlePurchase = "Nowa faktura zakupowa w KSeF"
	TitleDefault  = "Nowa faktura w KSeF"

	TitleStarted = "KSeF Monitor Started"
	TitleStopped = "KSeF Monitor Stopped"
	TitleError   = "KSeF Monitor Error"
)

// Title returns the notification title for a new invoice of the given category.
func Title(category ksef.SubjectType) string {
	switch category {
	case ksef.Subject1:
		return TitleSales
	case ksef.Subject2:
		return TitlePurchase
	default:
		return TitleDefault
	}
}

// Notification is what every sink delivers.
type Notification struct {
	Title     string
	Message   string
	Priority  Priority
	Timestamp time.Time
	Invoice   *InvoiceDetails
}

const (
	maxField    = 500
	maxDate     = 30
	maxCurrency = 10
	maxNIP      = 20
	notAvail    = "N/A"
)

// InvoiceDetails is the sanitized view of an invoice handed to sinks.
type InvoiceDetails struct {
	KsefNumber    string   `json:"ksef_number"`
	InvoiceNumber string   `json:"invoice_number"`
	IssueDate     string   `json:"issue_date"`
	GrossAmount   *float64 `json:"gross_amount,omitempty"`
	NetAmount     *float64 `json:"net_amount,omitempty"`
	VatAmount     *float64 `json:"vat_amount,omitempty"`
	Currency      string   `json:"currency"`
	SellerName    string   `json:"seller_name"`
	SellerNIP     string   `json:"seller_nip"`
	BuyerName     string   `json:"buyer_name"`
	BuyerNIP      string   `json:"buyer_nip"`
	SubjectType   string   `json:"subject_type"`
}

// Sanitize removes NUL bytes from a value received from the API and limits its length in runes.
func Sanitize(value string, max int) string {
	value = strings.ReplaceAll(value, "\x00", "")
	return utils.Truncate(norm.NFC.String(value), max)
}

func field(value string, max int) string {
	if value == "" {
		return notAvail
	}
	return Sanitize(value, max)
}

// NewInvoiceDetails builds the sanitized details for inv.
func NewInvoiceDetails(inv ksef.InvoiceMetadata, category ksef.SubjectType) *InvoiceDetails {
	cur := inv.Currency
	if cur == "" {
		cur = "PLN"
	}
	return &InvoiceDetails{
		KsefNumber:    field(inv.KsefNumber, maxField),
		InvoiceNumber: field(inv.InvoiceNumber, maxField),
		IssueDate:     field(inv.IssueDate, maxDate),
		GrossAmount:   inv.GrossAmount,
		NetAmount:     inv.NetAmount,
		VatAmount:     inv.VatAmount,
		Currency:      Sanitize(cur, maxCurrency),
		SellerName:    field(inv.Seller.Name, maxField),
		SellerNIP:     field(inv.Seller.NIP, maxNIP),
		BuyerName:     field(inv.Buyer.Name, maxField),
		BuyerNIP:      field(inv.Buyer.NIP, maxNIP),
		SubjectType:   string(category),
	}
}

var amountPrinter = message.NewPrinter(language.Polish)

// FormatAmount renders v with two decimals in Polish notation followed by the currency code.
func FormatAmount(v *float64, cur string) string {
	if v == nil {
		return notAvail
	}
	code := cur
	if unit, err := currency.ParseISO(cur); err == nil {
		code = unit.String()
	}
	return amountPrinter.Sprintf("%.2f %s", *v, code)
}

// Message renders the notification body for an invoice.
func (d *InvoiceDetails) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Numer KSeF: %s\n", d.KsefNumber)
	fmt.Fprintf(&b, "Numer faktury: %s\n", d.InvoiceNumber)
	fmt.Fprintf(&b, "Data wystawienia: %s\n", d.IssueDate)
	fmt.Fprintf(&b, "Kwota brutto: %s\n", FormatAmount(d.GrossAmount, d.Currency))
	if d.NetAmount != nil {
		fmt.Fprintf(&b, "Kwota netto: %s\n", FormatAmount(d.NetAmount, d.Currency))
	}
	if d.VatAmount != nil {
		fmt.Fprintf(&b, "VAT: %s\n", FormatAmount(d.VatAmount, d.Currency))
	}
	fmt.Fprintf(&b, "Sprzedawca: %s (NIP: %s)\n", d.SellerName, d.SellerNIP)
	fmt.Fprintf(&b, "Nabywca: %s (NIP: %s)", d.BuyerName, d.BuyerNIP)
	return b.String()
}

// InvoiceNotification builds the notification for a newly seen invoice.
func InvoiceNotification(inv ksef.InvoiceMetadata, category ksef.SubjectType, priority Priority, now time.Time) Notification {
	details := NewInvoiceDetails(inv, category)
	return Notification{
		Title:     Title(category),
		Message:   details.Message(),
		Priority:  priority,
		Timestamp: now,
		Invoice:   details,
	}
}

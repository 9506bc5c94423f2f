// Package bankfeed converts provider specific payment records into the
// canonical shape consumed by the payment matcher.
package bankfeed

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider names a bank connector.
type Provider string

const (
	ProviderEBICS      Provider = "ebics"
	ProviderBAS        Provider = "bas"
	ProviderBunq       Provider = "bunq"
	ProviderRaiffeisen Provider = "raiffeisen"
	ProviderManual     Provider = "manual"
)

// Valid reports whether the provider has a record decoder.
func (p Provider) Valid() bool {
	switch p {
	case ProviderEBICS, ProviderBAS, ProviderBunq, ProviderRaiffeisen, ProviderManual:
		return true
	}
	return false
}

var (
	// ErrNotCredit marks outgoing transactions; they are not member payments.
	ErrNotCredit = errors.New("bankfeed: not a credit entry")
	// ErrUnknownProvider is returned for batches from an unsupported connector.
	ErrUnknownProvider = errors.New("bankfeed: unknown provider")
	// ErrMalformed wraps records missing required fields.
	ErrMalformed = errors.New("bankfeed: malformed record")
)

// PaymentRecord is the canonical payment handed to the matcher. Either
// Reference or InvoiceID carries the target; both may be empty.
type PaymentRecord struct {
	Provider  Provider        `json:"provider"`
	DedupKey  string          `json:"dedup_key"`
	Amount    decimal.Decimal `json:"amount"`
	Date      time.Time       `json:"date"`
	Reference string          `json:"reference,omitempty"`
	InvoiceID *int64          `json:"invoice_id,omitempty"`
}

// Record is implemented by every provider record variant.
type Record interface {
	Provider() Provider
	Normalize() (PaymentRecord, error)
	record()
}

// CAMTEntry is a credit notification entry from a camt.053/054 statement,
// delivered over EBICS or BAS.
type CAMTEntry struct {
	Source             Provider        `json:"-"`
	AccountServicerRef string          `json:"acct_svcr_ref"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	CreditDebit        string          `json:"cdt_dbt_ind"`
	BookingDate        string          `json:"booking_date"`
	Reference          string          `json:"creditor_reference"`
	Remittance         string          `json:"remittance_info"`
}

func (e CAMTEntry) Provider() Provider {
	if e.Source == "" {
		return ProviderEBICS
	}
	return e.Source
}

func (e CAMTEntry) Normalize() (PaymentRecord, error) {
	if !strings.EqualFold(e.CreditDebit, "CRDT") {
		return PaymentRecord{}, ErrNotCredit
	}
	date, err := parseDate(time.DateOnly, e.BookingDate)
	if err != nil {
		return PaymentRecord{}, err
	}
	reference := strings.TrimSpace(e.Reference)
	if reference == "" {
		reference = ExtractReference(e.Remittance)
	}
	key := e.AccountServicerRef
	if key == "" {
		key = Fingerprint(e.BookingDate, e.Amount.String(), e.Currency, e.Reference, e.Remittance)
	}
	return PaymentRecord{
		Provider:  e.Provider(),
		DedupKey:  dedupKey(e.Provider(), key),
		Amount:    e.Amount,
		Date:      date,
		Reference: reference,
	}, nil
}

func (CAMTEntry) record() {}

// BunqPayment is a payment object from the bunq API.
type BunqPayment struct {
	ID          int64    `json:"id"`
	Amount      BunqCash `json:"amount"`
	Created     string   `json:"created"`
	Description string   `json:"description"`
	Counterpart string   `json:"counterparty_iban"`
}

// BunqCash is bunq's amount representation.
type BunqCash struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

func (BunqPayment) Provider() Provider { return ProviderBunq }

func (p BunqPayment) Normalize() (PaymentRecord, error) {
	if p.ID == 0 {
		return PaymentRecord{}, fmt.Errorf("%w: bunq payment without id", ErrMalformed)
	}
	if !p.Amount.Value.IsPositive() {
		return PaymentRecord{}, ErrNotCredit
	}
	created := p.Created
	if len(created) > len(time.DateOnly) {
		created = created[:len(time.DateOnly)]
	}
	date, err := parseDate(time.DateOnly, created)
	if err != nil {
		return PaymentRecord{}, err
	}
	return PaymentRecord{
		Provider:  ProviderBunq,
		DedupKey:  dedupKey(ProviderBunq, fmt.Sprintf("%d", p.ID)),
		Amount:    p.Amount.Value,
		Date:      date,
		Reference: ExtractReference(p.Description),
	}, nil
}

func (BunqPayment) record() {}

// RaiffeisenTransaction is a booked transaction from the Raiffeisen e-banking export.
type RaiffeisenTransaction struct {
	TransactionID string          `json:"transaction_id"`
	ValueDate     string          `json:"value_date"`
	Amount        decimal.Decimal `json:"amount"`
	Text          string          `json:"text"`
}

func (RaiffeisenTransaction) Provider() Provider { return ProviderRaiffeisen }

func (t RaiffeisenTransaction) Normalize() (PaymentRecord, error) {
	if !t.Amount.IsPositive() {
		return PaymentRecord{}, ErrNotCredit
	}
	date, err := parseDate("02.01.2006", t.ValueDate)
	if err != nil {
		return PaymentRecord{}, err
	}
	key := t.TransactionID
	if key == "" {
		key = Fingerprint(t.ValueDate, t.Amount.String(), t.Text)
	}
	return PaymentRecord{
		Provider:  ProviderRaiffeisen,
		DedupKey:  dedupKey(ProviderRaiffeisen, key),
		Amount:    t.Amount,
		Date:      date,
		Reference: ExtractReference(t.Text),
	}, nil
}

func (RaiffeisenTransaction) record() {}

// ManualPayment is entered by an operator against a known invoice.
type ManualPayment struct {
	Key       string          `json:"key"`
	InvoiceID int64           `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	Date      string          `json:"date"`
	Reference string          `json:"reference"`
}

func (ManualPayment) Provider() Provider { return ProviderManual }

func (m ManualPayment) Normalize() (PaymentRecord, error) {
	if m.InvoiceID == 0 && m.Reference == "" {
		return PaymentRecord{}, fmt.Errorf("%w: manual payment needs an invoice or a reference", ErrMalformed)
	}
	date, err := parseDate(time.DateOnly, m.Date)
	if err != nil {
		return PaymentRecord{}, err
	}
	key := m.Key
	if key == "" {
		key = Fingerprint(m.Date, m.Amount.String(), fmt.Sprintf("%d", m.InvoiceID), m.Reference)
	}
	rec := PaymentRecord{
		Provider:  ProviderManual,
		DedupKey:  dedupKey(ProviderManual, key),
		Amount:    m.Amount,
		Date:      date,
		Reference: strings.TrimSpace(m.Reference),
	}
	if m.InvoiceID != 0 {
		id := m.InvoiceID
		rec.InvoiceID = &id
	}
	return rec, nil
}

func (ManualPayment) record() {}

var (
	scorInText = regexp.MustCompile(`(?i)\bRF ?[0-9]{2}(?: ?[0-9]){16}\b`)
	qrInText   = regexp.MustCompile(`\b[0-9]{2}(?: ?[0-9]{5}){5}\b`)
)

// ExtractReference finds a structured payment reference in free text, as
// typed by members into the payment communication field.
func ExtractReference(text string) string {
	if match := scorInText.FindString(text); match != "" {
		return match
	}
	return qrInText.FindString(text)
}

func dedupKey(provider Provider, key string) string {
	return string(provider) + ":" + key
}

func parseDate(layout, value string) (time.Time, error) {
	date, err := time.ParseInLocation(layout, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrMalformed, value, err)
	}
	return date, nil
}

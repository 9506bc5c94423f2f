// Package reference encodes and decodes checksum-protected payment references.
//
// Two schemes are supported: the ISO 11649 structured creditor reference
// ("RF" prefix, mod 97 checksum) and the Swiss QR-bill numeric reference
// (27 digits, ISO 7064 MOD 10 recursive check digit). A deployment uses one
// scheme, selected through Config.
package reference

import (
	"errors"
	"fmt"
	"strings"
)

// Scheme identifies a reference encoding.
type Scheme string

const (
	// SchemeSCOR is the ISO 11649 structured creditor reference.
	SchemeSCOR Scheme = "scor"
	// SchemeQR is the Swiss QR-bill 27 digit reference.
	SchemeQR Scheme = "qr"
)

// ParseScheme converts a configuration string into a Scheme.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case SchemeSCOR:
		return SchemeSCOR, nil
	case SchemeQR:
		return SchemeQR, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScheme, s)
}

// Classification describes how a raw reference relates to the configured scheme.
type Classification string

const (
	ClassValid   Classification = "valid"
	ClassInvalid Classification = "invalid"
	ClassForeign Classification = "foreign"
)

var (
	// ErrInvalid indicates a reference of the right shape whose checksum or layout is wrong.
	ErrInvalid = errors.New("reference: invalid")
	// ErrForeign indicates a reference that does not belong to the scheme at all.
	ErrForeign = errors.New("reference: foreign")
	// ErrOutOfRange indicates identifiers that cannot be represented by the scheme.
	ErrOutOfRange = errors.New("reference: identifier out of range")
	// ErrUnknownScheme indicates an unsupported scheme name.
	ErrUnknownScheme = errors.New("reference: unknown scheme")
	// ErrBankRef indicates a malformed bank reference prefix.
	ErrBankRef = errors.New("reference: bank reference must be 1-16 digits")
)

// DecodeError reports why a raw string could not be turned into a Ref.
type DecodeError struct {
	Kind  Classification
	Input string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("reference: %s reference %q", e.Kind, e.Input)
}

// Is lets callers compare against ErrInvalid and ErrForeign.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrInvalid:
		return e.Kind == ClassInvalid
	case ErrForeign:
		return e.Kind == ClassForeign
	}
	return false
}

func invalid(input string) error { return &DecodeError{Kind: ClassInvalid, Input: input} }
func foreign(input string) error { return &DecodeError{Kind: ClassForeign, Input: input} }

// Ref is the decoded content of a reference.
type Ref struct {
	MemberID  uint64 `json:"member_id"`
	InvoiceID uint64 `json:"invoice_id"`
}

// Config selects the scheme and carries the organisation specific bank prefix.
type Config struct {
	Scheme  Scheme
	BankRef string
}

// Codec encodes and validates references for one configured scheme.
type Codec struct {
	cfg Config
}

// New validates the configuration and returns a Codec.
func New(cfg Config) (*Codec, error) {
	switch cfg.Scheme {
	case SchemeSCOR:
	case SchemeQR:
		if err := checkBankRef(cfg.BankRef); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, cfg.Scheme)
	}
	return &Codec{cfg: cfg}, nil
}

// Scheme returns the configured scheme.
func (c *Codec) Scheme() Scheme {
	return c.cfg.Scheme
}

// Encode builds the reference for a member and invoice.
func (c *Codec) Encode(memberID, invoiceID uint64) (string, error) {
	if c.cfg.Scheme == SchemeQR {
		return EncodeQR(c.cfg.BankRef, memberID, invoiceID)
	}
	return EncodeSCOR(memberID, invoiceID), nil
}

// Decode parses and validates a reference. Errors wrap ErrInvalid or ErrForeign.
func (c *Codec) Decode(raw string) (Ref, error) {
	if c.cfg.Scheme == SchemeQR {
		return DecodeQR(c.cfg.BankRef, raw)
	}
	return DecodeSCOR(raw)
}

// Classify reports whether raw is a valid, invalid or foreign reference.
func (c *Codec) Classify(raw string) Classification {
	_, err := c.Decode(raw)
	var decodeErr *DecodeError
	switch {
	case err == nil:
		return ClassValid
	case errors.As(err, &decodeErr):
		return decodeErr.Kind
	default:
		return ClassInvalid
	}
}

// Format groups a reference for display on a payment slip.
func (c *Codec) Format(ref string) string {
	if c.cfg.Scheme == SchemeQR {
		return FormatQR(ref)
	}
	return FormatSCOR(ref)
}

// Normalize strips everything but ASCII letters and digits and upper-cases the result.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= '0' && c <= '9', c >= 'A' && c <= 'Z':
			b.WriteByte(c)
		case c >= 'a' && c <= 'z':
			b.WriteByte(c - 'a' + 'A')
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func padLeft(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat("0", n-len(s)) + s
}

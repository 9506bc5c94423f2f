package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/odyssey-erp/odyssey-billing/internal/reference"
)

// Exit codes shared by the billingctl commands.
const (
	ExitOK      = 0
	ExitInput   = 1
	ExitPartial = 2
	ExitInvalid = 10
	ExitForeign = 11
)

// OutputOptions selects where and how a command reports.
type OutputOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ReferenceCLI issues and inspects payment references.
type ReferenceCLI struct {
	codec *reference.Codec
}

// NewReferenceCLI validates cfg and builds the helper.
func NewReferenceCLI(cfg reference.Config) (*ReferenceCLI, error) {
	codec, err := reference.New(cfg)
	if err != nil {
		return nil, err
	}
	return &ReferenceCLI{codec: codec}, nil
}

// ReferenceSummary is the JSON shape printed by the reference commands.
type ReferenceSummary struct {
	Reference      string                   `json:"reference"`
	Formatted      string                   `json:"formatted"`
	Classification reference.Classification `json:"classification"`
	MemberID       uint64                   `json:"member_id,omitempty"`
	InvoiceID      uint64                   `json:"invoice_id,omitempty"`
}

// EncodeCommand prints the reference for a member and invoice.
func (c *ReferenceCLI) EncodeCommand(memberID, invoiceID uint64, opts OutputOptions) int {
	ref, err := c.codec.Encode(memberID, invoiceID)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "encode: %v\n", err)
		return ExitInput
	}
	summary := ReferenceSummary{
		Reference:      ref,
		Formatted:      c.codec.Format(ref),
		Classification: reference.ClassValid,
		MemberID:       memberID,
		InvoiceID:      invoiceID,
	}
	if opts.JSONOutput {
		return writeJSON(opts, summary)
	}
	fmt.Fprintln(opts.Stdout, summary.Formatted)
	return ExitOK
}

// DecodeCommand validates raw and prints the identifiers it carries. The exit
// code tells valid, invalid and foreign references apart.
func (c *ReferenceCLI) DecodeCommand(raw string, opts OutputOptions) int {
	normalized := reference.Normalize(raw)
	summary := ReferenceSummary{Reference: normalized, Formatted: c.codec.Format(normalized)}
	decoded, err := c.codec.Decode(raw)
	code := ExitOK
	switch {
	case err == nil:
		summary.Classification = reference.ClassValid
		summary.MemberID = decoded.MemberID
		summary.InvoiceID = decoded.InvoiceID
	case errors.Is(err, reference.ErrForeign):
		summary.Classification = reference.ClassForeign
		code = ExitForeign
	default:
		summary.Classification = reference.ClassInvalid
		code = ExitInvalid
	}
	if opts.JSONOutput {
		if writeCode := writeJSON(opts, summary); writeCode != ExitOK {
			return writeCode
		}
		return code
	}
	if code != ExitOK {
		fmt.Fprintf(opts.Stdout, "%s: %s\n", raw, summary.Classification)
		return code
	}
	fmt.Fprintf(opts.Stdout, "member %d invoice %d\n", summary.MemberID, summary.InvoiceID)
	return code
}

// FormatCommand prints raw grouped for a payment slip.
func (c *ReferenceCLI) FormatCommand(raw string, opts OutputOptions) int {
	fmt.Fprintln(opts.Stdout, c.codec.Format(raw))
	return ExitOK
}

func writeJSON(opts OutputOptions, v any) int {
	enc := json.NewEncoder(opts.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(opts.Stderr, "encode output: %v\n", err)
		return ExitInput
	}
	return ExitOK
}

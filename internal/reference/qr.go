package reference

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	qrLength         = 27
	qrInvoiceMinimum = 9
	qrMaxBankRef     = qrLength - qrInvoiceMinimum - 2
)

// ISO 7064 MOD 10 recursive transition table.
var qrTable = [10]int{0, 9, 4, 6, 8, 2, 7, 1, 3, 5}

// EncodeQR builds bankRef + member + invoice + check digit, 27 digits in total.
func EncodeQR(bankRef string, memberID, invoiceID uint64) (string, error) {
	if err := checkBankRef(bankRef); err != nil {
		return "", err
	}
	invoiceRef := padLeft(strconv.FormatUint(invoiceID, 10), qrInvoiceMinimum)
	// The decoder reads a fixed nine digit invoice part; a longer one would
	// shift digits into the member part.
	if len(invoiceRef) > qrInvoiceMinimum {
		return "", fmt.Errorf("%w: invoice %d exceeds %d digits", ErrOutOfRange, invoiceID, qrInvoiceMinimum)
	}
	memberLen := qrLength - len(invoiceRef) - len(bankRef) - 1
	memberRef := strconv.FormatUint(memberID, 10)
	if memberLen < 1 || len(memberRef) > memberLen {
		return "", fmt.Errorf("%w: member %d invoice %d do not fit a %d digit reference", ErrOutOfRange, memberID, invoiceID, qrLength)
	}
	body := bankRef + padLeft(memberRef, memberLen) + invoiceRef
	return body + strconv.Itoa(qrCheckDigit(body)), nil
}

// DecodeQR parses a QR reference issued with bankRef and enforces its check
// digit by re-deriving the reference from the decoded identifiers.
func DecodeQR(bankRef, raw string) (Ref, error) {
	if err := checkBankRef(bankRef); err != nil {
		return Ref{}, err
	}
	normalized := Normalize(raw)
	if strings.HasPrefix(normalized, scorPrefix) || !isDigits(normalized) {
		return Ref{}, foreign(raw)
	}
	if len(normalized) != qrLength {
		return Ref{}, invalid(raw)
	}
	invoiceStart := qrLength - 1 - qrInvoiceMinimum
	memberID, err := strconv.ParseUint(normalized[len(bankRef):invoiceStart], 10, 64)
	if err != nil {
		return Ref{}, invalid(raw)
	}
	invoiceID, err := strconv.ParseUint(normalized[invoiceStart:qrLength-1], 10, 64)
	if err != nil {
		return Ref{}, invalid(raw)
	}
	encoded, err := EncodeQR(bankRef, memberID, invoiceID)
	if err != nil || encoded != normalized {
		return Ref{}, invalid(raw)
	}
	return Ref{MemberID: memberID, InvoiceID: invoiceID}, nil
}

// FormatQR groups the reference in blocks of five digits counted from the right.
func FormatQR(ref string) string {
	normalized := Normalize(ref)
	head := len(normalized) % 5
	var groups []string
	if head > 0 {
		groups = append(groups, normalized[:head])
	}
	for i := head; i < len(normalized); i += 5 {
		groups = append(groups, normalized[i:i+5])
	}
	return strings.Join(groups, " ")
}

func qrCheckDigit(body string) int {
	carry := 0
	for i := 0; i < len(body); i++ {
		carry = qrTable[(carry+int(body[i]-'0'))%10]
	}
	return (10 - carry) % 10
}

func checkBankRef(bankRef string) error {
	if !isDigits(bankRef) || len(bankRef) > qrMaxBankRef {
		return ErrBankRef
	}
	return nil
}

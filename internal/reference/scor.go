package reference

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	scorPrefix = "RF"
	scorPart   = 8
	// "RF" mapped with A=10..Z=35 followed by the "00" checksum placeholder.
	scorPrefixDigits = "271500"
)

var scorPattern = regexp.MustCompile(`^RF([0-9]{2})([0-9]{8})([0-9]{8})$`)

// EncodeSCOR builds "RF" + checksum + 16 digit payload. Identifiers longer than
// eight digits are truncated to their last eight digits.
func EncodeSCOR(memberID, invoiceID uint64) string {
	payload := scorDigits(memberID) + scorDigits(invoiceID)
	return scorPrefix + scorChecksum(payload) + payload
}

// DecodeSCOR parses a structured creditor reference and enforces its checksum
// by re-deriving the reference from the decoded identifiers.
func DecodeSCOR(raw string) (Ref, error) {
	normalized := Normalize(raw)
	if !strings.HasPrefix(normalized, scorPrefix) {
		return Ref{}, foreign(raw)
	}
	m := scorPattern.FindStringSubmatch(normalized)
	if m == nil {
		return Ref{}, invalid(raw)
	}
	memberID, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return Ref{}, invalid(raw)
	}
	invoiceID, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return Ref{}, invalid(raw)
	}
	if EncodeSCOR(memberID, invoiceID) != normalized {
		return Ref{}, invalid(raw)
	}
	return Ref{MemberID: memberID, InvoiceID: invoiceID}, nil
}

// FormatSCOR groups the reference in blocks of four characters from the left.
func FormatSCOR(ref string) string {
	normalized := Normalize(ref)
	var groups []string
	for len(normalized) > 4 {
		groups = append(groups, normalized[:4])
		normalized = normalized[4:]
	}
	if normalized != "" {
		groups = append(groups, normalized)
	}
	return strings.Join(groups, " ")
}

func scorDigits(id uint64) string {
	s := strconv.FormatUint(id, 10)
	if len(s) > scorPart {
		return s[len(s)-scorPart:]
	}
	return padLeft(s, scorPart)
}

func scorChecksum(payload string) string {
	rem := mod97(payload + scorPrefixDigits)
	return fmt.Sprintf("%02d", 98-rem)
}

// mod97 reduces an arbitrarily long decimal string digit by digit.
func mod97(digits string) int {
	rem := 0
	for i := 0; i < len(digits); i++ {
		rem = (rem*10 + int(digits[i]-'0')) % 97
	}
	return rem
}

package reference

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeWorkedVectors(t *testing.T) {
	require.Equal(t, "RF140000004200000007", EncodeSCOR(42, 7))

	ref, err := EncodeQR("12345", 42, 7)
	require.NoError(t, err)
	require.Equal(t, "123450000000000420000000075", ref)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "RF14 0000 0042 0000 0007", FormatSCOR("RF140000004200000007"))
	require.Equal(t, "12 34500 00000 00042 00000 00075", FormatQR("123450000000000420000000075"))
}

func TestSCORTruncatesToLastEightDigits(t *testing.T) {
	ref := EncodeSCOR(1234567890, 7)
	require.Equal(t, "34567890", ref[4:12])

	decoded, err := DecodeSCOR(ref)
	require.NoError(t, err)
	require.Equal(t, Ref{MemberID: 34567890, InvoiceID: 7}, decoded)
}

func TestDecodeSCORNormalizesInput(t *testing.T) {
	ref, err := DecodeSCOR(" rf14-0000 0042 0000 0007 ")
	require.NoError(t, err)
	require.Equal(t, Ref{MemberID: 42, InvoiceID: 7}, ref)
}

func TestDecodeSCORClassification(t *testing.T) {
	cases := map[string]error{
		"":                            ErrForeign,
		"123450000000000420000000075": ErrForeign,
		"Invoice 2024-7":              ErrForeign,
		"RF15000000420000000":         ErrInvalid,
		"RF150000004200000007":        ErrInvalid,
		"RFAB0000004200000007":        ErrInvalid,
	}
	for input, want := range cases {
		_, err := DecodeSCOR(input)
		require.ErrorIs(t, err, want, "input %q", input)
	}
}

func TestDecodeQRClassification(t *testing.T) {
	cases := map[string]error{
		"RF140000004200000007":        ErrForeign,
		"member 42":                   ErrForeign,
		"12345000000000042000000007":  ErrInvalid,
		"123450000000000420000000076": ErrInvalid,
		"543210000000000420000000075": ErrInvalid,
	}
	for input, want := range cases {
		_, err := DecodeQR("12345", input)
		require.ErrorIs(t, err, want, "input %q", input)
	}

	ref, err := DecodeQR("12345", "12 34500 00000 00042 00000 00075")
	require.NoError(t, err)
	require.Equal(t, Ref{MemberID: 42, InvoiceID: 7}, ref)
}

func TestDecodeErrorAs(t *testing.T) {
	_, err := DecodeSCOR("RF000000004200000007")
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	require.Equal(t, ClassInvalid, decodeErr.Kind)
	require.NotErrorIs(t, err, ErrForeign)
}

func TestEncodeQROutOfRange(t *testing.T) {
	_, err := EncodeQR("1234567890123456", 42, 7)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = EncodeQR("12345", 1_000_000_000_000, 7)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = EncodeQR("12a45", 42, 7)
	require.ErrorIs(t, err, ErrBankRef)

	// A ten digit invoice would push its leading digit into the member part.
	_, err = EncodeQR("12345", 42, 1234567890)
	require.ErrorIs(t, err, ErrOutOfRange)

	ref, err := EncodeQR("12345", 42, 999_999_999)
	require.NoError(t, err)
	decoded, err := DecodeQR("12345", ref)
	require.NoError(t, err)
	require.Equal(t, Ref{MemberID: 42, InvoiceID: 999_999_999}, decoded)
}

func TestNormalizeKeepsOnlyASCII(t *testing.T) {
	require.Equal(t, "RF14ABC", Normalize(" rf14-abç ñ\u00a0c"))

	qr, err := New(Config{Scheme: SchemeQR, BankRef: "12345"})
	require.NoError(t, err)
	// Arabic-Indic zero in place of the last member padding digit: the
	// remaining ASCII digits are one short of a full reference.
	require.Equal(t, ClassInvalid, qr.Classify("12345"+"000000000"+"\u0660"+"42"+"0000000075"))
	require.Equal(t, ClassInvalid, qr.Classify("\u0661\u0662\u0663"+"450000000000420000000075"))
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 42))
	scor, err := New(Config{Scheme: SchemeSCOR})
	require.NoError(t, err)
	qr, err := New(Config{Scheme: SchemeQR, BankRef: "210000"})
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		memberID := rng.Uint64N(100_000_000)
		invoiceID := rng.Uint64N(100_000_000)
		for _, codec := range []*Codec{scor, qr} {
			ref, err := codec.Encode(memberID, invoiceID)
			require.NoError(t, err)
			decoded, err := codec.Decode(ref)
			require.NoError(t, err, "scheme %s ref %s", codec.Scheme(), ref)
			require.Equal(t, Ref{MemberID: memberID, InvoiceID: invoiceID}, decoded)
			require.Equal(t, ClassValid, codec.Classify(codec.Format(ref)))
		}
	}

	for i := 0; i < 200; i++ {
		memberID := rng.Uint64N(100_000_000)
		invoiceID := 1_000_000_000 + rng.Uint64N(1_000_000_000_000)

		_, err := qr.Encode(memberID, invoiceID)
		require.ErrorIs(t, err, ErrOutOfRange, "invoice %d", invoiceID)

		ref, err := scor.Encode(memberID, invoiceID)
		require.NoError(t, err)
		decoded, err := scor.Decode(ref)
		require.NoError(t, err)
		require.Equal(t, Ref{MemberID: memberID, InvoiceID: invoiceID % 100_000_000}, decoded)
	}
}

func TestSingleDigitChangeIsDetected(t *testing.T) {
	scor, err := New(Config{Scheme: SchemeSCOR})
	require.NoError(t, err)
	qr, err := New(Config{Scheme: SchemeQR, BankRef: "12345"})
	require.NoError(t, err)

	for _, codec := range []*Codec{scor, qr} {
		ref, err := codec.Encode(4711, 90210)
		require.NoError(t, err)
		for pos := 0; pos < len(ref); pos++ {
			if ref[pos] < '0' || ref[pos] > '9' {
				continue
			}
			for d := byte('0'); d <= '9'; d++ {
				if d == ref[pos] {
					continue
				}
				mutated := []byte(ref)
				mutated[pos] = d
				require.Equal(t, ClassInvalid, codec.Classify(string(mutated)), "scheme %s mutated %s", codec.Scheme(), mutated)
			}
		}
	}
}

func TestCrossSchemeIsForeign(t *testing.T) {
	scor, err := New(Config{Scheme: SchemeSCOR})
	require.NoError(t, err)
	qr, err := New(Config{Scheme: SchemeQR, BankRef: "12345"})
	require.NoError(t, err)

	qrRef, err := qr.Encode(42, 7)
	require.NoError(t, err)
	scorRef, err := scor.Encode(42, 7)
	require.NoError(t, err)

	require.Equal(t, ClassForeign, scor.Classify(qrRef))
	require.Equal(t, ClassForeign, qr.Classify(scorRef))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Scheme: "iban"})
	require.ErrorIs(t, err, ErrUnknownScheme)

	_, err = New(Config{Scheme: SchemeQR})
	require.ErrorIs(t, err, ErrBankRef)

	scheme, err := ParseScheme(" SCOR ")
	require.NoError(t, err)
	require.Equal(t, SchemeSCOR, scheme)
}

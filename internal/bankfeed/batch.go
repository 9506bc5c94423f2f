package bankfeed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
)

// Batch is one provider delivery, as uploaded by a connector or operator.
type Batch struct {
	ID       string
	Provider Provider
	Records  []Record
	// Rejected holds a *RecordError for every record that failed to decode.
	Rejected []error

	// positions maps Records back to their index in the envelope.
	positions []int
}

type envelope struct {
	BatchID  string            `json:"batch_id"`
	Provider Provider          `json:"provider"`
	Records  []json.RawMessage `json:"records"`
}

// RecordError reports a record that could not be turned into a payment.
type RecordError struct {
	Index int
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// DecodeBatch parses a JSON envelope {"provider": ..., "batch_id": ...,
// "records": [...]}. A batch without id gets one derived from its content,
// so re-uploading the same file yields the same id.
func DecodeBatch(r io.Reader) (Batch, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return Batch{}, fmt.Errorf("bankfeed: read batch: %w", err)
	}
	var env envelope
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !env.Provider.Valid() {
		return Batch{}, fmt.Errorf("%w: %q", ErrUnknownProvider, env.Provider)
	}
	batch := Batch{ID: env.BatchID, Provider: env.Provider}
	if batch.ID == "" {
		batch.ID = uuid.NewSHA1(uuid.Nil, body).String()
	}
	for i, raw := range env.Records {
		rec, err := decodeRecord(env.Provider, raw)
		if err != nil {
			batch.Rejected = append(batch.Rejected, &RecordError{Index: i, Err: err})
			continue
		}
		batch.Records = append(batch.Records, rec)
		batch.positions = append(batch.positions, i)
	}
	return batch, nil
}

// Normalize converts the decoded records and merges the decode failures into
// the returned errors, ordered by envelope position.
func (b Batch) Normalize() ([]PaymentRecord, []error) {
	out, errs := Normalize(b.Records)
	for _, err := range errs {
		var recErr *RecordError
		if errors.As(err, &recErr) && recErr.Index < len(b.positions) {
			recErr.Index = b.positions[recErr.Index]
		}
	}
	if len(b.Rejected) == 0 {
		return out, errs
	}
	all := make([]error, 0, len(b.Rejected)+len(errs))
	all = append(all, b.Rejected...)
	all = append(all, errs...)
	sort.SliceStable(all, func(i, j int) bool { return recordIndex(all[i]) < recordIndex(all[j]) })
	return out, all
}

func recordIndex(err error) int {
	var recErr *RecordError
	if errors.As(err, &recErr) {
		return recErr.Index
	}
	return -1
}

func decodeRecord(provider Provider, raw json.RawMessage) (Record, error) {
	switch provider {
	case ProviderEBICS, ProviderBAS:
		var entry CAMTEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		entry.Source = provider
		return entry, nil
	case ProviderBunq:
		var p BunqPayment
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return p, nil
	case ProviderRaiffeisen:
		var t RaiffeisenTransaction
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return t, nil
	case ProviderManual:
		var m ManualPayment
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// Normalize converts every record. Debits are dropped silently; other
// conversion failures are returned alongside the usable records.
func Normalize(records []Record) ([]PaymentRecord, []error) {
	out := make([]PaymentRecord, 0, len(records))
	var errs []error
	for i, rec := range records {
		payment, err := rec.Normalize()
		if errors.Is(err, ErrNotCredit) {
			continue
		}
		if err != nil {
			errs = append(errs, &RecordError{Index: i, Err: err})
			continue
		}
		out = append(out, payment)
	}
	return out, errs
}

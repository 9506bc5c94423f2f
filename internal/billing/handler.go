// Package billing exposes the reconciliation core over a small admin HTTP API.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/bankfeed"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/matcher"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-billing/internal/redistribution"
	"github.com/odyssey-erp/odyssey-billing/internal/reference"
	"github.com/odyssey-erp/odyssey-billing/jobs"
)

// maxBatchBytes bounds an uploaded provider batch.
const maxBatchBytes = 8 << 20

// Importer runs a normalized batch synchronously.
type Importer interface {
	Run(ctx context.Context, payload jobs.PaymentsImportPayload) (matcher.Summary, error)
}

// Queue hands a batch to the worker.
type Queue interface {
	EnqueuePaymentsImport(ctx context.Context, batch bankfeed.Batch) (*asynq.TaskInfo, []error, error)
}

// Redistributor recomputes one member.
type Redistributor interface {
	Redistribute(ctx context.Context, memberID int64) (redistribution.Result, error)
}

// Handler wires the billing admin endpoints.
type Handler struct {
	logger        *slog.Logger
	codec         *reference.Codec
	importer      Importer
	queue         Queue
	redistributor Redistributor
	validator     *validator.Validate
}

// NewHandler constructs a Handler. queue may be nil, in which case every
// batch is processed inline.
func NewHandler(logger *slog.Logger, codec *reference.Codec, importer Importer, queue Queue, redistributor Redistributor) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		return name
	})
	return &Handler{
		logger:        logger,
		codec:         codec,
		importer:      importer,
		queue:         queue,
		redistributor: redistributor,
		validator:     validate,
	}
}

// MountRoutes registers billing routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/references", h.encodeReference)
	r.Get("/references/{ref}", h.decodeReference)
	r.Post("/payments/batches", h.importBatch)
	r.Post("/members/{memberID}/redistribute", h.redistribute)
}

type encodeRequest struct {
	MemberID  *uint64 `json:"member_id" validate:"required"`
	InvoiceID *uint64 `json:"invoice_id" validate:"required"`
}

type referenceResponse struct {
	Reference      string                   `json:"reference"`
	Formatted      string                   `json:"formatted"`
	Scheme         reference.Scheme         `json:"scheme"`
	Classification reference.Classification `json:"classification"`
	MemberID       uint64                   `json:"member_id"`
	InvoiceID      uint64                   `json:"invoice_id"`
}

func (h *Handler) encodeReference(w http.ResponseWriter, r *http.Request) {
	var req encodeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("decode body: %w", httpx.ErrValidation))
		return
	}
	if err := h.validate(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ref, err := h.codec.Encode(*req.MemberID, *req.InvoiceID)
	if err != nil {
		if errors.Is(err, reference.ErrOutOfRange) {
			httpx.RespondError(w, fmt.Errorf("%s: %w", err.Error(), httpx.ErrUnprocessable))
			return
		}
		h.logger.Error("encode reference", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, referenceResponse{
		Reference:      ref,
		Formatted:      h.codec.Format(ref),
		Scheme:         h.codec.Scheme(),
		Classification: reference.ClassValid,
		MemberID:       *req.MemberID,
		InvoiceID:      *req.InvoiceID,
	})
}

func (h *Handler) decodeReference(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "ref")
	decoded, err := h.codec.Decode(raw)
	if err != nil {
		var decodeErr *reference.DecodeError
		if errors.As(err, &decodeErr) {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable Entity", "reference is "+string(decodeErr.Kind))
			return
		}
		httpx.RespondError(w, err)
		return
	}
	normalized := reference.Normalize(raw)
	httpx.JSON(w, http.StatusOK, referenceResponse{
		Reference:      normalized,
		Formatted:      h.codec.Format(normalized),
		Scheme:         h.codec.Scheme(),
		Classification: reference.ClassValid,
		MemberID:       decoded.MemberID,
		InvoiceID:      decoded.InvoiceID,
	})
}

type batchResponse struct {
	BatchID  string           `json:"batch_id"`
	Provider string           `json:"provider"`
	TaskID   string           `json:"task_id,omitempty"`
	Summary  *matcher.Summary `json:"summary,omitempty"`
	Rejected []string         `json:"rejected,omitempty"`
}

func (h *Handler) importBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := bankfeed.DecodeBatch(http.MaxBytesReader(w, r.Body, maxBatchBytes))
	if err != nil {
		switch {
		case errors.Is(err, bankfeed.ErrUnknownProvider), errors.Is(err, bankfeed.ErrMalformed):
			httpx.RespondError(w, fmt.Errorf("%s: %w", err.Error(), httpx.ErrValidation))
		default:
			httpx.RespondError(w, fmt.Errorf("%s: %w", err.Error(), httpx.ErrUnprocessable))
		}
		return
	}
	resp := batchResponse{BatchID: batch.ID, Provider: string(batch.Provider)}

	if h.queue != nil && r.URL.Query().Get("async") == "true" {
		info, rejected, err := h.queue.EnqueuePaymentsImport(r.Context(), batch)
		resp.Rejected = errorStrings(rejected)
		if err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				httpx.RespondError(w, fmt.Errorf("batch %s already queued: %w", batch.ID, httpx.ErrDuplicate))
				return
			}
			h.logger.Error("enqueue payment batch", slog.String("batch_id", batch.ID), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		resp.TaskID = info.ID
		httpx.JSON(w, http.StatusAccepted, resp)
		return
	}

	if h.importer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "payment import not configured")
		return
	}
	records, rejected := batch.Normalize()
	resp.Rejected = errorStrings(rejected)
	summary, err := h.importer.Run(r.Context(), jobs.PaymentsImportPayload{
		BatchID:  batch.ID,
		Provider: batch.Provider,
		Records:  records,
	})
	if err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			httpx.RespondError(w, fmt.Errorf("import for %s already running: %w", batch.Provider, httpx.ErrDuplicate))
			return
		}
		if summary.Total() == 0 {
			h.logger.Error("import payment batch", slog.String("batch_id", batch.ID), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}
	resp.Summary = &summary
	httpx.JSON(w, http.StatusOK, resp)
}

type invoiceResponse struct {
	ID         int64               `json:"id"`
	Date       string              `json:"date"`
	Amount     decimal.Decimal     `json:"amount"`
	PaidAmount decimal.Decimal     `json:"paid_amount"`
	State      ledger.InvoiceState `json:"state"`
}

type redistributeResponse struct {
	MemberID    int64             `json:"member_id"`
	Invoices    []invoiceResponse `json:"invoices"`
	Unallocated decimal.Decimal   `json:"unallocated"`
}

func (h *Handler) redistribute(w http.ResponseWriter, r *http.Request) {
	memberID, err := strconv.ParseInt(chi.URLParam(r, "memberID"), 10, 64)
	if err != nil || memberID <= 0 {
		httpx.RespondError(w, fmt.Errorf("member id: %w", httpx.ErrValidation))
		return
	}
	result, err := h.redistributor.Redistribute(r.Context(), memberID)
	if err != nil {
		if errors.Is(err, redistribution.ErrUnknownMember) {
			httpx.RespondError(w, fmt.Errorf("member %d: %w", memberID, httpx.ErrNotFound))
			return
		}
		httpx.RespondError(w, err)
		return
	}
	resp := redistributeResponse{MemberID: memberID, Unallocated: result.Unallocated, Invoices: make([]invoiceResponse, 0, len(result.Invoices))}
	for _, inv := range result.Invoices {
		resp.Invoices = append(resp.Invoices, invoiceResponse{
			ID:         inv.ID,
			Date:       inv.Date.Format("2006-01-02"),
			Amount:     inv.Amount,
			PaidAmount: inv.PaidAmount,
			State:      inv.State,
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) validate(v any) error {
	err := h.validator.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		fields = append(fields, fieldErr.Field()+" "+fieldErr.Tag())
	}
	return fmt.Errorf("%s: %w", strings.Join(fields, ", "), httpx.ErrValidation)
}

func errorStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}

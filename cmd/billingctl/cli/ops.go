package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/odyssey-erp/odyssey-billing/internal/bankfeed"
	"github.com/odyssey-erp/odyssey-billing/internal/matcher"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-billing/jobs"
)

// Importer runs a normalized batch.
type Importer interface {
	Run(ctx context.Context, payload jobs.PaymentsImportPayload) (matcher.Summary, error)
}

// Redistributor recomputes a set of members.
type Redistributor interface {
	RedistributeMany(ctx context.Context, memberIDs []int64) error
}

// OpsCLI runs imports and redistributions against the ledger directly,
// bypassing the job queue.
type OpsCLI struct {
	importer      Importer
	redistributor Redistributor
}

// NewOpsCLI constructs the helper.
func NewOpsCLI(importer Importer, redistributor Redistributor) *OpsCLI {
	return &OpsCLI{importer: importer, redistributor: redistributor}
}

// ImportSummary is printed after an import.
type ImportSummary struct {
	BatchID  string          `json:"batch_id"`
	Provider string          `json:"provider"`
	Summary  matcher.Summary `json:"summary"`
	Rejected []string        `json:"rejected,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ImportOptions configures ImportCommand. Input is read instead of Path when set.
type ImportOptions struct {
	OutputOptions
	Path  string
	Input io.Reader
}

// ImportCommand decodes a provider batch file and feeds it through the matcher.
func (c *OpsCLI) ImportCommand(ctx context.Context, opts ImportOptions) int {
	if c == nil || c.importer == nil {
		fmt.Fprintln(opts.Stderr, "import: importer not configured")
		return ExitInput
	}
	input := opts.Input
	if input == nil {
		file, err := os.Open(opts.Path)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "import: %v\n", err)
			return ExitInput
		}
		defer file.Close()
		input = file
	}
	batch, err := bankfeed.DecodeBatch(input)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "import: %v\n", err)
		return ExitInput
	}
	records, rejected := batch.Normalize()
	out := ImportSummary{BatchID: batch.ID, Provider: string(batch.Provider)}
	for _, rejectErr := range rejected {
		out.Rejected = append(out.Rejected, rejectErr.Error())
	}

	summary, runErr := c.importer.Run(ctx, jobs.PaymentsImportPayload{BatchID: batch.ID, Provider: batch.Provider, Records: records})
	out.Summary = summary
	code := ExitOK
	if runErr != nil {
		out.Error = runErr.Error()
		code = ExitPartial
		if errors.Is(runErr, cache.ErrLockHeld) {
			fmt.Fprintf(opts.Stderr, "import: another import for %s is running\n", batch.Provider)
		}
	} else if len(rejected) > 0 {
		code = ExitPartial
	}

	if opts.JSONOutput {
		if writeCode := writeJSON(opts.OutputOptions, out); writeCode != ExitOK {
			return writeCode
		}
		return code
	}
	fmt.Fprintf(opts.Stdout, "batch %s (%s): %d records\n", out.BatchID, out.Provider, summary.Total())
	fmt.Fprintf(opts.Stdout, "  applied:           %d\n", summary.Applied)
	fmt.Fprintf(opts.Stdout, "  skipped duplicate: %d\n", summary.SkippedDuplicate)
	fmt.Fprintf(opts.Stdout, "  unknown member:    %d\n", summary.UnknownMember)
	fmt.Fprintf(opts.Stdout, "  unknown invoice:   %d\n", summary.UnknownInvoice)
	fmt.Fprintf(opts.Stdout, "  unknown reference: %d\n", summary.UnknownReference)
	fmt.Fprintf(opts.Stdout, "  failed:            %d\n", summary.Failed)
	for _, reason := range out.Rejected {
		fmt.Fprintf(opts.Stdout, "  rejected: %s\n", reason)
	}
	if out.Error != "" {
		fmt.Fprintf(opts.Stderr, "import: %s\n", out.Error)
	}
	return code
}

// RedistributeCommand recomputes the given members.
func (c *OpsCLI) RedistributeCommand(ctx context.Context, memberIDs []int64, opts OutputOptions) int {
	if c == nil || c.redistributor == nil {
		fmt.Fprintln(opts.Stderr, "redistribute: service not configured")
		return ExitInput
	}
	if len(memberIDs) == 0 {
		fmt.Fprintln(opts.Stderr, "redistribute: member ids required")
		return ExitInput
	}
	if err := c.redistributor.RedistributeMany(ctx, memberIDs); err != nil {
		fmt.Fprintf(opts.Stderr, "redistribute: %v\n", err)
		return ExitPartial
	}
	fmt.Fprintf(opts.Stdout, "redistributed %d members\n", len(memberIDs))
	return ExitOK
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rohankatakam/sterisafe/internal/audit"
	"github.com/rohankatakam/sterisafe/internal/config"
	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/spf13/cobra"
)

var (
	batchOperator    string
	batchTools       []string
	batchPackageType string
	batchPackageSize string
	batchNotes       string
	batchSingle      bool
	batchInfo        []string
	batchStatus      string
	batchAuditOut    string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Track sterilization batches",
	Long: `Build sterilization batches, move them through the autoclave and
export their audit trails.`,
}

var buildBatchCmd = &cobra.Command{
	Use:   "build",
	Short: "Create a batch, add its tools and finalize it for the autoclave",
	RunE:  runBuildBatch,
}

var batchStatusCmd = &cobra.Command{
	Use:   "status [batch-id] [in_autoclave|completed]",
	Short: "Apply a status event to a finalized batch",
	Args:  cobra.ExactArgs(2),
	RunE:  runBatchStatus,
}

var batchSetInfoCmd = &cobra.Command{
	Use:   "set-info [batch-id] [key=value]...",
	Short: "Record sterilization details such as the autoclave cycle",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runBatchSetInfo,
}

var showBatchCmd = &cobra.Command{
	Use:   "show [batch-id]",
	Short: "Show a batch with its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowBatch,
}

var listBatchesCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches in a given status",
	RunE:  runListBatches,
}

var exportAuditCmd = &cobra.Command{
	Use:   "export-audit [batch-id]",
	Short: "Export a batch audit trail as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE:  runExportAudit,
}

func init() {
	buildBatchCmd.Flags().StringVar(&batchOperator, "operator", "", "Operator building the batch (required)")
	buildBatchCmd.Flags().StringArrayVar(&batchTools, "tool", nil, "Tool ID (repeatable)")
	buildBatchCmd.Flags().StringVar(&batchPackageType, "package-type", "", "Package type, e.g. pouch or container")
	buildBatchCmd.Flags().StringVar(&batchPackageSize, "package-size", "", "Package size")
	buildBatchCmd.Flags().StringVar(&batchNotes, "notes", "", "Packaging notes")
	buildBatchCmd.Flags().BoolVar(&batchSingle, "single", false, "Single-tool mode")
	buildBatchCmd.Flags().StringArrayVar(&batchInfo, "info", nil, "Sterilization detail key=value (repeatable)")
	buildBatchCmd.MarkFlagRequired("operator")

	batchStatusCmd.Flags().StringVar(&batchOperator, "operator", "", "Operator applying the event")
	batchSetInfoCmd.Flags().StringVar(&batchOperator, "operator", "", "Operator recording the details")

	listBatchesCmd.Flags().StringVar(&batchStatus, "status", string(models.BatchReady), "Status to list (creating, ready, in_autoclave, completed)")

	exportAuditCmd.Flags().StringVar(&batchAuditOut, "out", "", "Append to this JSONL file instead of stdout")

	batchCmd.AddCommand(buildBatchCmd)
	batchCmd.AddCommand(batchStatusCmd)
	batchCmd.AddCommand(batchSetInfoCmd)
	batchCmd.AddCommand(showBatchCmd)
	batchCmd.AddCommand(listBatchesCmd)
	batchCmd.AddCommand(exportAuditCmd)
}

func runBuildBatch(cmd *cobra.Command, args []string) error {
	mode := models.ModeBatch
	if batchSingle {
		mode = models.ModeSingle
		if len(batchTools) != 1 {
			return fmt.Errorf("single-tool mode takes exactly one --tool, got %d", len(batchTools))
		}
	}
	info, err := parseInfo(batchInfo)
	if err != nil {
		return err
	}
	pkg := models.PackageInfo{
		PackageType: batchPackageType,
		PackageSize: batchPackageSize,
		Notes:       batchNotes,
	}

	return withApp(config.ValidationContextBatch, func(ctx context.Context, a *app) error {
		id, err := a.tracker.CreateBatch(batchOperator, mode)
		if err != nil {
			return err
		}
		for _, tool := range batchTools {
			if _, err := a.tracker.AddTool(id, tool); err != nil {
				return err
			}
		}

		// Finalize is retried as a whole; it leaves the batch untouched on failure
		var b *models.Batch
		err = a.do(ctx, func(ctx context.Context) error {
			var err error
			b, err = a.tracker.Finalize(ctx, id, pkg)
			return err
		})
		if err != nil {
			return err
		}

		for _, key := range sortedKeys(info) {
			if b, err = a.tracker.SetSterilizationInfo(ctx, id, key, info[key], batchOperator); err != nil {
				return err
			}
		}
		return renderBatch(os.Stdout, b, false)
	})
}

func runBatchStatus(cmd *cobra.Command, args []string) error {
	status := models.BatchStatus(strings.ToLower(args[1]))
	return withApp(config.ValidationContextBatch, func(ctx context.Context, a *app) error {
		var b *models.Batch
		err := a.do(ctx, func(ctx context.Context) error {
			var err error
			b, err = a.tracker.UpdateStatus(ctx, args[0], status, batchOperator)
			return err
		})
		if err != nil {
			return err
		}
		return renderBatch(os.Stdout, b, false)
	})
}

func runBatchSetInfo(cmd *cobra.Command, args []string) error {
	info, err := parseInfo(args[1:])
	if err != nil {
		return err
	}
	return withApp(config.ValidationContextBatch, func(ctx context.Context, a *app) error {
		var b *models.Batch
		for _, key := range sortedKeys(info) {
			if b, err = a.tracker.SetSterilizationInfo(ctx, args[0], key, info[key], batchOperator); err != nil {
				return err
			}
		}
		return renderBatch(os.Stdout, b, false)
	})
}

func runShowBatch(cmd *cobra.Command, args []string) error {
	return withApp(config.ValidationContextBatch, func(ctx context.Context, a *app) error {
		b, err := a.loadBatch(ctx, args[0])
		if err != nil {
			return err
		}
		return renderBatch(os.Stdout, b, true)
	})
}

func runListBatches(cmd *cobra.Command, args []string) error {
	status := models.BatchStatus(strings.ToLower(batchStatus))
	if !status.Validate() {
		return fmt.Errorf("invalid batch status: %s", batchStatus)
	}

	return withApp(config.ValidationContextBatch, func(ctx context.Context, a *app) error {
		var found []*models.Batch
		err := a.do(ctx, func(ctx context.Context) error {
			var err error
			found, err = a.tracker.ListByStatus(ctx, status)
			return err
		})
		if err != nil {
			return err
		}
		if found == nil {
			found = []*models.Batch{}
		}
		return render(os.Stdout, outputFormat, found, func(w io.Writer) {
			if len(found) == 0 {
				fmt.Fprintf(w, "No %s batches\n", status)
				return
			}
			writeBatchRows(w, found)
		})
	})
}

func runExportAudit(cmd *cobra.Command, args []string) error {
	return withApp(config.ValidationContextBatch, func(ctx context.Context, a *app) error {
		b, err := a.loadBatch(ctx, args[0])
		if err != nil {
			return err
		}
		if batchAuditOut == "" {
			return audit.WriteJSONL(os.Stdout, b.ID, b.AuditTrail)
		}
		if err := audit.AppendJSONLFile(batchAuditOut, b.ID, b.AuditTrail); err != nil {
			return fmt.Errorf("failed to export audit trail: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Exported %d audit entries for %s to %s\n", len(b.AuditTrail), b.ID, batchAuditOut)
		return nil
	})
}

func (a *app) loadBatch(ctx context.Context, id string) (*models.Batch, error) {
	var b *models.Batch
	err := a.do(ctx, func(ctx context.Context) error {
		var err error
		b, err = a.tracker.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("batch %s not found", id)
	}
	return b, nil
}

// parseInfo turns key=value pairs into sterilization details
func parseInfo(pairs []string) (map[string]interface{}, error) {
	info := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		info[key] = strings.TrimSpace(value)
	}
	return info, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func renderBatch(out io.Writer, b *models.Batch, withTrail bool) error {
	return render(out, outputFormat, b, func(w io.Writer) {
		writeBatchRows(w, []*models.Batch{b})
		if len(b.SterilizationInfo) > 0 {
			fmt.Fprintln(w)
			for _, key := range sortedKeys(b.SterilizationInfo) {
				fmt.Fprintf(w, "%s\t%v\n", key, b.SterilizationInfo[key])
			}
		}
		if withTrail && len(b.AuditTrail) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "AUDIT\tOPERATOR\tAT\tDETAILS")
			for _, e := range b.AuditTrail {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Action, orDash(e.Operator), e.Timestamp.Format(time.RFC3339), e.Details)
			}
		}
	})
}

func writeBatchRows(w io.Writer, batches []*models.Batch) {
	fmt.Fprintln(w, "ID\tCODE\tSTATUS\tMODE\tTOOLS\tPACKAGE\tCREATED BY\tUPDATED")
	for _, b := range batches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			b.ID, orDash(b.BatchCode), b.Status, b.Mode, len(b.Tools),
			orDash(strings.TrimSpace(b.Package.PackageType+" "+b.Package.PackageSize)),
			b.CreatedBy, b.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rohankatakam/sterisafe/internal/config"
	"github.com/rohankatakam/sterisafe/internal/incidents"
	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/spf13/cobra"
)

var (
	incidentFacility    string
	incidentSeverity    string
	incidentStatus      string
	incidentTools       int
	incidentBatches     []string
	incidentOperator    string
	incidentFailureDate string
	incidentSince       string
	incidentLimit       int
)

// Incident management commands
var incidentCmd = &cobra.Command{
	Use:   "incident",
	Short: "Manage BI failure incidents",
	Long:  `Record biological indicator failures, resolve them and report patient exposure.`,
}

var createIncidentCmd = &cobra.Command{
	Use:   "create",
	Short: "Record a new BI failure",
	RunE:  runCreateIncident,
}

var resolveIncidentCmd = &cobra.Command{
	Use:   "resolve [incident-id]",
	Short: "Resolve an open incident",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolveIncident,
}

var showIncidentCmd = &cobra.Command{
	Use:   "show [incident-id]",
	Short: "Show one incident with its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowIncident,
}

var listIncidentsCmd = &cobra.Command{
	Use:   "list",
	Short: "List incidents, most recent first",
	RunE:  runListIncidents,
}

var activeIncidentsCmd = &cobra.Command{
	Use:   "active",
	Short: "List a facility's open incidents",
	RunE:  runActiveIncidents,
}

var exposureCmd = &cobra.Command{
	Use:   "exposure [incident-id]",
	Short: "Generate the patient exposure report for an incident",
	Args:  cobra.ExactArgs(1),
	RunE:  runExposure,
}

var notifyRegulatorCmd = &cobra.Command{
	Use:   "notify-regulator [incident-id]",
	Short: "Record that the regulator has been notified",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotifyRegulator,
}

func init() {
	createIncidentCmd.Flags().StringVar(&incidentFacility, "facility", "", "Facility ID (required)")
	createIncidentCmd.Flags().StringVar(&incidentSeverity, "severity", "", "Severity level (critical, high, medium, low)")
	createIncidentCmd.Flags().IntVar(&incidentTools, "tools", 0, "Number of affected tools")
	createIncidentCmd.Flags().StringArrayVar(&incidentBatches, "batch", nil, "Affected batch ID (repeatable)")
	createIncidentCmd.Flags().StringVar(&incidentOperator, "operator", "", "Detecting operator ID (required)")
	createIncidentCmd.Flags().StringVar(&incidentFailureDate, "failure-date", "", "When the failed cycle ran (default: now)")
	createIncidentCmd.MarkFlagRequired("facility")
	createIncidentCmd.MarkFlagRequired("severity")
	createIncidentCmd.MarkFlagRequired("operator")

	resolveIncidentCmd.Flags().StringVar(&incidentOperator, "operator", "", "Resolving operator ID (required)")
	resolveIncidentCmd.MarkFlagRequired("operator")

	notifyRegulatorCmd.Flags().StringVar(&incidentOperator, "operator", "", "Operator ID (required)")
	notifyRegulatorCmd.MarkFlagRequired("operator")

	listIncidentsCmd.Flags().StringVar(&incidentFacility, "facility", "", "Filter by facility")
	listIncidentsCmd.Flags().StringVar(&incidentStatus, "status", "", "Filter by status (open, resolved)")
	listIncidentsCmd.Flags().StringVar(&incidentSeverity, "severity", "", "Filter by severity (critical, high, medium, low)")
	listIncidentsCmd.Flags().StringVar(&incidentSince, "since", "", "Only incidents created at or after this time")
	listIncidentsCmd.Flags().IntVar(&incidentLimit, "limit", 50, "Maximum number of results")

	activeIncidentsCmd.Flags().StringVar(&incidentFacility, "facility", "", "Facility ID (required)")
	activeIncidentsCmd.MarkFlagRequired("facility")

	incidentCmd.AddCommand(createIncidentCmd)
	incidentCmd.AddCommand(resolveIncidentCmd)
	incidentCmd.AddCommand(showIncidentCmd)
	incidentCmd.AddCommand(listIncidentsCmd)
	incidentCmd.AddCommand(activeIncidentsCmd)
	incidentCmd.AddCommand(exposureCmd)
	incidentCmd.AddCommand(notifyRegulatorCmd)
}

func runCreateIncident(cmd *cobra.Command, args []string) error {
	failureDate := time.Now()
	if incidentFailureDate != "" {
		var err error
		if failureDate, err = parseTime(incidentFailureDate); err != nil {
			return err
		}
	}

	in := incidents.CreateInput{
		FacilityID:         incidentFacility,
		FailureDate:        failureDate,
		AffectedToolsCount: incidentTools,
		AffectedBatchIDs:   incidentBatches,
		Severity:           models.Severity(strings.ToLower(incidentSeverity)),
		DetectedBy:         incidentOperator,
	}

	return withApp(config.ValidationContextIncident, func(ctx context.Context, a *app) error {
		// A retried insert could record the failure twice, so create runs once
		inc, err := a.incidents.CreateIncident(ctx, in)
		if err != nil {
			return err
		}
		a.invalidateRisk(ctx, inc.FacilityID)
		return renderIncident(os.Stdout, inc)
	})
}

func runResolveIncident(cmd *cobra.Command, args []string) error {
	return withApp(config.ValidationContextIncident, func(ctx context.Context, a *app) error {
		var inc *models.Incident
		err := a.do(ctx, func(ctx context.Context) error {
			var err error
			inc, err = a.incidents.ResolveIncident(ctx, args[0], incidentOperator)
			return err
		})
		if err != nil {
			return err
		}
		a.invalidateRisk(ctx, inc.FacilityID)
		return renderIncident(os.Stdout, inc)
	})
}

func runNotifyRegulator(cmd *cobra.Command, args []string) error {
	return withApp(config.ValidationContextIncident, func(ctx context.Context, a *app) error {
		var inc *models.Incident
		err := a.do(ctx, func(ctx context.Context) error {
			var err error
			inc, err = a.incidents.MarkRegulatoryNotified(ctx, args[0], incidentOperator)
			return err
		})
		if err != nil {
			return err
		}
		return renderIncident(os.Stdout, inc)
	})
}

func runShowIncident(cmd *cobra.Command, args []string) error {
	return withApp(config.ValidationContextIncident, func(ctx context.Context, a *app) error {
		var inc *models.Incident
		err := a.do(ctx, func(ctx context.Context) error {
			var err error
			inc, err = a.incidents.GetIncident(ctx, args[0])
			return err
		})
		if err != nil {
			return err
		}
		if inc == nil {
			return fmt.Errorf("incident %s not found", args[0])
		}
		return render(os.Stdout, outputFormat, inc, func(w io.Writer) {
			writeIncidentRows(w, []*models.Incident{inc})
			if len(inc.AuditTrail) > 0 {
				fmt.Fprintln(w)
				fmt.Fprintln(w, "AUDIT\tOPERATOR\tAT\tDETAILS")
				for _, e := range inc.AuditTrail {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Action, orDash(e.Operator), e.Timestamp.Format(time.RFC3339), e.Details)
				}
			}
		})
	})
}

func runListIncidents(cmd *cobra.Command, args []string) error {
	filter := incidents.Filter{
		FacilityID: incidentFacility,
		Status:     models.IncidentStatus(strings.ToLower(incidentStatus)),
		Severity:   models.Severity(strings.ToLower(incidentSeverity)),
		Limit:      incidentLimit,
	}
	if incidentSince != "" {
		since, err := parseTime(incidentSince)
		if err != nil {
			return err
		}
		filter.Since = since
	}

	return withApp(config.ValidationContextIncident, func(ctx context.Context, a *app) error {
		var found []*models.Incident
		err := a.do(ctx, func(ctx context.Context) error {
			var err error
			found, err = a.incidents.ListIncidents(ctx, filter)
			return err
		})
		if err != nil {
			return err
		}
		return renderIncidents(os.Stdout, found)
	})
}

func runActiveIncidents(cmd *cobra.Command, args []string) error {
	return withApp(config.ValidationContextIncident, func(ctx context.Context, a *app) error {
		var found []*models.Incident
		err := a.do(ctx, func(ctx context.Context) error {
			var err error
			found, err = a.incidents.GetActiveIncidents(ctx, incidentFacility)
			return err
		})
		if err != nil {
			return err
		}
		return renderIncidents(os.Stdout, found)
	})
}

func runExposure(cmd *cobra.Command, args []string) error {
	return withApp(config.ValidationContextIncident, func(ctx context.Context, a *app) error {
		var report *incidents.ExposureReport
		err := a.do(ctx, func(ctx context.Context) error {
			var err error
			report, err = a.incidents.GeneratePatientExposureReport(ctx, args[0])
			return err
		})
		if err != nil {
			return err
		}
		return render(os.Stdout, outputFormat, report, func(w io.Writer) {
			writeExposure(w, report)
		})
	})
}

func (a *app) invalidateRisk(ctx context.Context, facilityID string) {
	if err := a.risk.Invalidate(ctx, facilityID); err != nil {
		a.logger.WithError(err).WithField("facility", facilityID).Warn("Failed to invalidate cached risk")
	}
}

func renderIncident(out io.Writer, inc *models.Incident) error {
	return render(out, outputFormat, inc, func(w io.Writer) {
		writeIncidentRows(w, []*models.Incident{inc})
	})
}

func renderIncidents(out io.Writer, found []*models.Incident) error {
	if found == nil {
		found = []*models.Incident{}
	}
	return render(out, outputFormat, found, func(w io.Writer) {
		if len(found) == 0 {
			fmt.Fprintln(w, "No incidents found")
			return
		}
		writeIncidentRows(w, found)
	})
}

func writeIncidentRows(w io.Writer, found []*models.Incident) {
	fmt.Fprintln(w, "ID\tNUMBER\tFACILITY\tSEVERITY\tSTATUS\tTOOLS\tCREATED\tREGULATOR")
	for _, inc := range found {
		notified := "no"
		if inc.RegulatoryNotificationSent {
			notified = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			inc.ID, inc.IncidentNumber, inc.FacilityID, inc.Severity, inc.Status,
			inc.AffectedToolsCount, inc.CreatedAt.Format("2006-01-02 15:04"), notified)
	}
}

func writeExposure(w io.Writer, r *incidents.ExposureReport) {
	fmt.Fprintf(w, "Incident\t%s (%s)\n", r.IncidentNumber, r.IncidentID)
	fmt.Fprintf(w, "Window\t%s to %s\n", r.Window.Start.Format(time.RFC3339), r.Window.End.Format(time.RFC3339))
	fmt.Fprintf(w, "Patients exposed\t%d\n", r.TotalPatientsExposed)
	fmt.Fprintf(w, "Quarantine breaches\t%d\n", r.ByCategory[incidents.CategoryQuarantineBreach])
	fmt.Fprintf(w, "Tiers (high/medium/low)\t%d/%d/%d\n",
		r.ByTier[incidents.TierHigh], r.ByTier[incidents.TierMedium], r.ByTier[incidents.TierLow])

	if len(r.Patients) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "PATIENT\tTIER\tCATEGORY\tENCOUNTERS\tCONTACT\tFIRST\tLAST")
	for _, p := range r.Patients {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			p.PatientID, p.Tier, p.Category, p.Encounters, p.HighestContact,
			p.FirstEncounter.Format("2006-01-02 15:04"), p.LastEncounter.Format("2006-01-02 15:04"))
	}
}

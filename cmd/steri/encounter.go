package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rohankatakam/sterisafe/internal/config"
	"github.com/rohankatakam/sterisafe/internal/models"
	"github.com/spf13/cobra"
)

var (
	encounterPatient string
	encounterBatch   string
	encounterTool    string
	encounterAt      string
	encounterContact string
)

var encounterCmd = &cobra.Command{
	Use:   "encounter",
	Short: "Record patient encounters used for exposure reports",
}

var recordEncounterCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a procedure that used a tool from a tracked batch",
	RunE:  runRecordEncounter,
}

func init() {
	recordEncounterCmd.Flags().StringVar(&encounterPatient, "patient", "", "Patient ID (required)")
	recordEncounterCmd.Flags().StringVar(&encounterBatch, "batch", "", "Batch ID the tool came from (required)")
	recordEncounterCmd.Flags().StringVar(&encounterTool, "tool", "", "Tool ID")
	recordEncounterCmd.Flags().StringVar(&encounterAt, "at", "", "When the procedure happened (default: now)")
	recordEncounterCmd.Flags().StringVar(&encounterContact, "contact", string(models.ContactNonCritical),
		"Contact class (critical, semi_critical, non_critical)")
	recordEncounterCmd.MarkFlagRequired("patient")
	recordEncounterCmd.MarkFlagRequired("batch")

	encounterCmd.AddCommand(recordEncounterCmd)
}

func runRecordEncounter(cmd *cobra.Command, args []string) error {
	at := time.Now()
	if encounterAt != "" {
		var err error
		if at, err = parseTime(encounterAt); err != nil {
			return err
		}
	}

	contact := models.ContactClass(strings.ToLower(encounterContact))
	switch contact {
	case models.ContactCritical, models.ContactSemiCritical, models.ContactNonCritical:
	default:
		return fmt.Errorf("invalid contact class: %s", encounterContact)
	}

	enc := models.Encounter{
		PatientID:    encounterPatient,
		BatchID:      encounterBatch,
		ToolID:       encounterTool,
		OccurredAt:   at.UTC(),
		ContactClass: contact,
	}

	return withApp(config.ValidationContextIncident, func(ctx context.Context, a *app) error {
		if err := a.encounters.Record(ctx, enc); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Recorded encounter for patient %s on batch %s\n", enc.PatientID, enc.BatchID)
		return nil
	})
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/aescanero/dapo/internal/application/orchestrator"
	yamlcatalog "github.com/aescanero/dapo/pkg/adapters/catalog/yaml"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate [job-id]",
		Short: "Check job definitions for structural problems and dependency cycles",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			catalog, err := yamlcatalog.Load(cfg.CatalogDir, logger)
			if err != nil {
				return fmt.Errorf("failed to load job catalog: %w", err)
			}
			validator := orchestrator.NewValidator(catalog)

			var reports []orchestrator.JobReport
			if len(args) == 1 {
				job, err := catalog.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				report, err := validator.Report(cmd.Context(), job)
				if err != nil {
					return err
				}
				reports = append(reports, report)
			} else {
				reports, err = validator.ReportCatalog(cmd.Context())
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			}

			invalid := 0
			for _, r := range reports {
				if r.Valid {
					if !asJSON {
						fmt.Fprintf(out, "ok       %s\n", r.JobID)
					}
					continue
				}
				invalid++
				if !asJSON {
					fmt.Fprintf(out, "invalid  %s: %s\n", r.JobID, r.Error)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d jobs are invalid", invalid, len(reports))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the reports as JSON")
	return cmd
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"obddash/internal/importer"
	"obddash/pkg/domain"
)

func newImportCmd(opts *rootOptions) *cobra.Command {
	var vin string
	cmd := &cobra.Command{
		Use:   "import --vin VIN FILE...",
		Short: "Import telemetry or fault code files for a vehicle",
		Long: `Import CSV, JSON, XLSX or PDF scan-tool exports into the vehicle with the
given VIN. A summary is printed per file; rows that fail validation are
reported and skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, files []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Storage, cfg.Storage.AutoMigrate)
			if err != nil {
				return err
			}
			defer store.Close()
			svc := newService(store, cfg, log)
			vehicle, err := svc.GetVehicleByVIN(cmd.Context(), vin)
			if err != nil {
				return err
			}
			imp := importer.New(svc, log, nil)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			var failed []error
			for _, path := range files {
				sum, err := importFile(cmd, imp, vehicle, path)
				if err != nil {
					log.Error("import failed", zap.String("file", path), zap.Error(err))
					failed = append(failed, fmt.Errorf("%s: %w", path, err))
				}
				if err := enc.Encode(map[string]any{"file": path, "summary": sum}); err != nil {
					return err
				}
			}
			return errors.Join(failed...)
		},
	}
	cmd.Flags().StringVar(&vin, "vin", "", "VIN of the vehicle that receives the data")
	_ = cmd.MarkFlagRequired("vin")
	return cmd
}

func importFile(cmd *cobra.Command, imp *importer.Importer, vehicle domain.Vehicle, path string) (importer.Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return importer.Summary{}, err
	}
	defer f.Close()
	return imp.Import(cmd.Context(), vehicle.ID, filepath.Base(path), f)
}

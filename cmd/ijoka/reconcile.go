package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/ijoka/internal/bus"
	"github.com/p-blackswan/ijoka/internal/features"
	"github.com/p-blackswan/ijoka/internal/models"
	"github.com/p-blackswan/ijoka/internal/notify"
	"github.com/p-blackswan/ijoka/internal/pipeline"
	"github.com/p-blackswan/ijoka/internal/store"
)

var reconcileJSON bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <projectDir>",
	Short: "Reconcile a project's feature_list.json against the cache once",
	Long: `Read <projectDir>/feature_list.json, replace the cached features of the
project and record a FeatureCompleted event for every feature that newly
passes. The graph mirror is not updated.`,
	Args: cobra.ExactArgs(1),
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().BoolVarP(&reconcileJSON, "json", "j", false, "Print completed features as JSON")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	projectDir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer st.Close()

	coord := pipeline.NewCoordinator(st, bus.New[models.AgentEvent](cfg.BusCapacity), nil, nil, logger)
	reconciler := features.NewReconciler(coord, notify.NewLogNotifier(logger), logger)

	res, err := reconciler.Reconcile(cmd.Context(), features.Path(projectDir))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if reconcileJSON {
		completed := res.Completed
		if completed == nil {
			completed = []models.Feature{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(completed)
	}

	fmt.Fprintf(out, "%s: %d features, %d newly completed\n", projectDir, len(res.Features), len(res.Completed))
	for _, f := range res.Completed {
		fmt.Fprintf(out, "  ✓ [%s] %s\n", f.ID, f.Description)
	}
	return nil
}

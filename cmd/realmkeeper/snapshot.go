package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/realmkeeper/realmkeeper/internal/config"
	"github.com/realmkeeper/realmkeeper/internal/observability/logger"
	"github.com/realmkeeper/realmkeeper/internal/persistence"
)

// errUnhealthySnapshot is returned by snapshot check --strict when any
// filter had to be rebuilt.
var errUnhealthySnapshot = errors.New("snapshot has filters that need rebuilding")

var errResetNotConfirmed = errors.New("snapshot reset discards every tenant, pass --yes to confirm")

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect stored snapshots",
	}

	var strict bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Load the snapshot and report key counts and filter health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			return runSnapshotCheck(cmd.Context(), cfg, l, cmd.OutOrStdout(), strict)
		},
	}
	check.Flags().BoolVar(&strict, "strict", false, "fail when any filter needs rebuilding")
	cmd.AddCommand(check)

	var confirm bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Replace the stored snapshot with an empty one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return errResetNotConfirmed
			}
			cfg, l, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			return runSnapshotReset(cmd.Context(), cfg, l, cmd.OutOrStdout())
		},
	}
	reset.Flags().BoolVar(&confirm, "yes", false, "confirm that every tenant and key is discarded")
	cmd.AddCommand(reset)
	return cmd
}

func runSnapshotCheck(ctx context.Context, cfg *config.Config, l *slog.Logger, out io.Writer, strict bool) error {
	backend, closeBackend, err := openBackend(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer closeBackend()

	snap, err := backend.Load(ctx)
	if errors.Is(err, persistence.ErrSnapshotNotFound) {
		fmt.Fprintln(out, "no snapshot stored")
		return nil
	}
	if err != nil {
		return err
	}

	_, report := persistence.Restore(snap, filterConfig(cfg))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TENANT\tKEYS\tFILTER\tDETAIL")
	for _, t := range report.Tenants {
		status, detail := "ok", ""
		if t.FilterRebuilt {
			status, detail = "rebuilt", t.Reason
		}
		if t.DroppedKeys > 0 {
			detail = strings.TrimSpace(fmt.Sprintf("%s dropped %d malformed keys", detail, t.DroppedKeys))
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", t.TenantID, t.Keys, status, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d tenants, %d filters rebuilt\n", len(report.Tenants), report.Rebuilt())

	if strict && report.Rebuilt() > 0 {
		return errUnhealthySnapshot
	}
	return nil
}

// runSnapshotReset saves an empty snapshot. The file backend keeps the
// previous document among its backups.
func runSnapshotReset(ctx context.Context, cfg *config.Config, l *slog.Logger, out io.Writer) error {
	backend, closeBackend, err := openBackend(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer closeBackend()

	var before int
	snap, err := backend.Load(ctx)
	switch {
	case err == nil:
		before = len(snap.Tenants)
	case !errors.Is(err, persistence.ErrSnapshotNotFound):
		l.Warn("could not read current snapshot", logger.Error(err))
	}

	if err := backend.Save(ctx, persistence.NewSnapshot()); err != nil {
		return fmt.Errorf("save empty snapshot: %w", err)
	}
	l.Info("snapshot reset", slog.String("backend", cfg.Storage.Backend), slog.Int("tenants", before))
	fmt.Fprintf(out, "removed %d tenants\n", before)
	return nil
}

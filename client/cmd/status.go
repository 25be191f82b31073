package cmd

import (
	"context"
	"fmt"
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/netbirdio/updates/client/internal/updates/database"
	"github.com/netbirdio/updates/client/internal/updates/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "lists the stored updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		store := database.NewSqliteStore(cfg.DataDir, nil)
		if err := store.Open(ctx); err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Warnf("failed to close store: %v", err)
			}
		}()

		out, err := statusOutput(ctx, store)
		if err != nil {
			return err
		}
		cmd.Print(out)
		return nil
	},
}

func statusOutput(ctx context.Context, store database.Store) (string, error) {
	updates, err := store.AllUpdates(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	counts := make(map[types.Status]int)
	for _, update := range updates {
		assets, err := store.AssetsForUpdate(ctx, update.ID)
		if err != nil {
			return "", err
		}
		counts[update.Status]++

		keep := ""
		if update.Keep {
			keep = " keep"
		}
		fmt.Fprintf(&b, "%s  %s  runtime %s  %-10s  %d assets%s\n",
			update.ID, update.CommitTime.Format("2006-01-02T15:04:05Z07:00"), update.RuntimeVersion, update.Status, len(assets), keep)
	}

	statuses := maps.Keys(counts)
	slices.Sort(statuses)
	summary := make([]string, 0, len(statuses))
	for _, status := range statuses {
		summary = append(summary, fmt.Sprintf("%d %s", counts[status], status))
	}
	fmt.Fprintf(&b, "%d updates", len(updates))
	if len(summary) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(summary, ", "))
	}
	b.WriteString("\n")
	return b.String(), nil
}

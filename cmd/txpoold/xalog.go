package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/joao-brasil/txpool/internal/transaction"
)

func newXALogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xalog",
		Short: "Inspect the durable transaction log",
	}

	var asJSON bool
	get := &cobra.Command{
		Use:   "get <gid|xid>",
		Short: "Print the outcomes recorded for a global transaction id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return xalogGet(cmd.Context(), cmd.OutOrStdout(), args[0], asJSON)
		},
	}
	get.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")

	cmd.AddCommand(get)
	return cmd
}

func xalogGet(ctx context.Context, out io.Writer, id string, asJSON bool) error {
	gid := id
	if xid, err := transaction.ParseXid(id); err == nil {
		gid = xid.Global
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.xalog.Records(ctx, gid)
	if err != nil {
		return fmt.Errorf("reading %s: %w", gid, err)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintf(out, "%s: no records (presumed aborted)\n", gid)
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(out, "%s  %-18s %s\n", r.Time.UTC().Format(time.RFC3339Nano), r.Outcome, r.Gid)
	}
	return nil
}

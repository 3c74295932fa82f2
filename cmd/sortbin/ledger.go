package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/teslashibe/go-sortbin/pkg/ledger"
)

func (a *app) ledgerCmd() *cobra.Command {
	var (
		recent int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show the donor's points, grams and level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := openLedger(cmd.Context(), a.cfg.Ledger)
			if err != nil {
				return err
			}
			defer l.Close()

			totals, err := l.Totals(cmd.Context())
			if err != nil {
				return err
			}

			var deltas []ledger.Delta
			if recent > 0 {
				lister, ok := l.(ledger.Lister)
				if !ok {
					return errors.New("ledger: this driver keeps no deposit history")
				}
				if deltas, err = lister.Recent(cmd.Context(), recent); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Totals ledger.Totals  `json:"totals"`
					Recent []ledger.Delta `json:"recent,omitempty"`
				}{totals, deltas})
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "donor\t%s\n", totals.DonorID)
			fmt.Fprintf(w, "points\t%d\n", totals.Points)
			fmt.Fprintf(w, "items\t%d\n", totals.Items)
			fmt.Fprintf(w, "grams\t%d\n", totals.Grams)
			fmt.Fprintf(w, "level\t%s\n", totals.Level)
			if len(deltas) > 0 {
				fmt.Fprintln(w)
				fmt.Fprintln(w, "deposit\tpoints\ttotal\tlevel")
				for _, d := range deltas {
					fmt.Fprintf(w, "%s\t+%d\t%d\t%s\n", d.DepositID, d.Points, d.TotalPoints, d.Level)
				}
			}
			return w.Flush()
		},
	}
	f := cmd.Flags()
	f.String("driver", "", "ledger driver: sqlite, firestore, memory")
	f.IntVar(&recent, "recent", 0, "also list the last N deposits")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

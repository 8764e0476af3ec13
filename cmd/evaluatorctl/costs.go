package main

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/cordum/evaluator/core/metering"
)

func newCostsCmd(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Print AI cost analytics for the last N days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(cmd.Context(), func(db *sql.DB) error {
				analytics, err := metering.NewService(metering.NewPostgresStore(db)).GetCostAnalytics(cmd.Context(), days)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), analytics)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "window size in days")

	var p metering.Pricing
	price := &cobra.Command{
		Use:   "set-price <model>",
		Short: "Set the USD price per million tokens for a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Model = args[0]
			return a.withDB(cmd.Context(), func(db *sql.DB) error {
				return metering.NewPostgresStore(db).SetPricing(cmd.Context(), p)
			})
		},
	}
	price.Flags().Float64Var(&p.InputPerMillion, "input", 0, "USD per million prompt tokens")
	price.Flags().Float64Var(&p.OutputPerMillion, "output", 0, "USD per million completion tokens")
	cmd.AddCommand(price)
	return cmd
}

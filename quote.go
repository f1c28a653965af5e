package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"contribution-checkout/config"
	"contribution-checkout/fees"
	"contribution-checkout/models"
	"contribution-checkout/resolver"
)

func newQuoteCmd() *cobra.Command {
	var (
		pagePath  string
		frequency string
		amount    string
		payFees   bool
	)
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Preview the initial state and fees of a page",
		Long: `Resolve the initial frequency and amount a donor would see for a page
described in YAML, then print the processing fee and total.

Examples:
  checkout quote --page spring.yaml
  checkout quote --page spring.yaml --frequency monthly --amount 15`,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := loadPage(pagePath)
			if err != nil {
				return err
			}
			return printQuote(cmd.OutOrStdout(), page, config.Load().FeeSchedule, frequency, amount, payFees)
		},
	}
	cmd.Flags().StringVarP(&pagePath, "page", "p", "", "YAML page file")
	cmd.Flags().StringVar(&frequency, "frequency", "", "frequency query value")
	cmd.Flags().StringVar(&amount, "amount", "", "amount query value")
	cmd.Flags().BoolVar(&payFees, "pay-fees", true, "donor covers processing fees")
	_ = cmd.MarkFlagRequired("page")
	return cmd
}

func loadPage(path string) (*models.PageConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	var page models.PageConfig
	if err := yaml.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("parse page %s: %w", path, err)
	}
	return &page, nil
}

func printQuote(w io.Writer, page *models.PageConfig, schedule fees.Schedule, frequency, amount string, payFees bool) error {
	state := resolver.Resolve(page, frequency, amount)

	kind := "for-profit"
	if page.IsNonprofit {
		kind = "nonprofit"
	}
	presets := resolver.Presets(page, state.Frequency)
	formatted := make([]string, len(presets))
	for i, p := range presets {
		formatted[i] = strconv.FormatFloat(p, 'f', 2, 64)
	}

	fmt.Fprintf(w, "page:      %s (%s)\n", page.Slug, kind)
	fmt.Fprintf(w, "frequency: %s\n", state.Frequency)
	fmt.Fprintf(w, "presets:   %s\n", strings.Join(formatted, ", "))
	if !state.Amount.Present {
		fmt.Fprintln(w, "amount:    none")
		return nil
	}

	source := "preset"
	if state.IsCustomOverride {
		source = "custom"
	}
	fee := schedule.Fee(state.Amount.Value, state.Frequency, payFees, page.IsNonprofit)
	total := schedule.Total(state.Amount.Value, payFees, state.Frequency, page.IsNonprofit)
	fmt.Fprintf(w, "amount:    %s%.2f (%s)\n", page.CurrencySymbol, state.Amount.Value, source)
	fmt.Fprintf(w, "fee:       %s%.2f\n", page.CurrencySymbol, fee)
	fmt.Fprintf(w, "total:     %s%.2f\n", page.CurrencySymbol, total)
	return nil
}

package cmd

import (
	"fmt"
	"time"

	"github.com/rustyeddy/equitrader/journal"
	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the engine journal",
	Long: `Query and display persisted engine state from the SQLite journal.

Subcommands:
  orders    - List orders that were open at last write
  positions - List persisted positions
  breaker   - Show circuit-breaker state for a session date

Examples:
  equitrader journal orders
  equitrader journal positions
  equitrader journal breaker 2026-08-28`,
}

var journalOrdersCmd = &cobra.Command{
	Use:   "orders",
	Short: "List open orders from the journal",
	Args:  cobra.NoArgs,
	RunE:  runJournalOrders,
}

var journalPositionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List persisted positions",
	Args:  cobra.NoArgs,
	RunE:  runJournalPositions,
}

var journalBreakerCmd = &cobra.Command{
	Use:   "breaker [YYYY-MM-DD]",
	Short: "Show circuit-breaker state for a session (default today)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJournalBreaker,
}

var journalDBPath string

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalOrdersCmd)
	journalCmd.AddCommand(journalPositionsCmd)
	journalCmd.AddCommand(journalBreakerCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./equitrader.db", "path to SQLite journal DB")
}

func runJournalOrders(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	recs, err := j.LoadOpenOrders()
	if err != nil {
		return fmt.Errorf("query orders: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("no open orders")
		return nil
	}
	for _, o := range recs {
		fmt.Printf("%s  %-6s %-4s %5d @ %s  %s  filled %d/%d\n",
			o.ID, o.Symbol, o.Side, o.Qty, o.AvgFillPrice.String(), o.State, o.FilledQty, o.Qty)
	}
	return nil
}

func runJournalPositions(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	recs, err := j.LoadPositions()
	if err != nil {
		return fmt.Errorf("query positions: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("no positions")
		return nil
	}
	for _, p := range recs {
		stop := "-"
		if p.HasStop {
			stop = p.StopPrice.String()
		}
		fmt.Printf("%-6s %6d @ %s  stop %s\n", p.Symbol, p.Qty, p.AvgEntryPrice.String(), stop)
	}
	return nil
}

func runJournalBreaker(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	day := time.Now().Format("2006-01-02")
	if len(args) == 1 {
		if _, err := time.Parse("2006-01-02", args[0]); err != nil {
			return fmt.Errorf("date: %w", err)
		}
		day = args[0]
	}

	state, ok, err := j.LoadBreaker(day)
	if err != nil {
		return fmt.Errorf("query breaker: %w", err)
	}
	if !ok {
		fmt.Printf("no breaker state for %s\n", day)
		return nil
	}

	fmt.Printf("session:  %s\n", state.SessionDate)
	fmt.Printf("tripped:  %v\n", state.Tripped)
	if state.Tripped {
		fmt.Printf("reason:   %s\n", state.Reason)
	}
	fmt.Printf("realized loss: %s of %s\n",
		state.DailyRealizedLoss.String(), state.DailyLossLimit.String())
	return nil
}

// Command marketctl inspects decision markets from the command line:
// offline curve quotes and depth sizing, plus read-only views of pools,
// portfolios and price history from a SQLite or PostgreSQL store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/config"
	"github.com/seedsx/market-engine/internal/curve"
	"github.com/seedsx/market-engine/internal/model"
	"github.com/seedsx/market-engine/internal/params"
	"github.com/seedsx/market-engine/internal/store"
	"github.com/seedsx/market-engine/internal/tax"
	"github.com/seedsx/market-engine/internal/trade"
)

const usage = `usage: marketctl <command> [flags]

commands:
  quote      price a buy and an immediate sell on a fresh or given pool
  depth      depth factor that lets N shares move the price by a fraction
  pools      show both pools of a decision
  portfolio  show a user's anticipations with profit and loss
  history    show a decision's price course (-rebuild replays the trade log)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	config.SetupLogger(os.Stderr, "warn", "text")

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "quote":
		err = runQuote(os.Stdout, args)
	case "depth":
		err = runDepth(os.Stdout, args)
	case "pools", "portfolio", "history":
		err = runStoreCommand(ctx, os.Stdout, cmd, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error(cmd+" failed", "err", err)
		os.Exit(1)
	}
}

func decimalFlag(fs *flag.FlagSet, name, value, help string) *decimal.Decimal {
	v := decimal.RequireFromString(value)
	fs.Func(name, fmt.Sprintf("%s (default %s)", help, value), func(s string) error {
		parsed, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		v = parsed
		return nil
	})
	return &v
}

func runQuote(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("quote", flag.ExitOnError)
	target := decimalFlag(fs, "target", "50", "target price")
	depth := decimalFlag(fs, "depth", "10000", "depth factor")
	supply := decimalFlag(fs, "supply", "0", "real supply already sold")
	shares := decimalFlag(fs, "shares", "10", "shares to trade")
	held := fs.Duration("held", 0, "holding period for the exit tax")
	marketFile := fs.String("market", "", "market YAML with the exit tax schedule (default: MARKET_CONFIG)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	schedule, err := loadSchedule(*marketFile)
	if err != nil {
		return err
	}

	pool, err := curve.NewPool("offline", model.PositionYes, *target, *depth, time.Now())
	if err != nil {
		return err
	}
	pool.RealSupply = *supply
	cost, err := curve.Quote(pool, *shares)
	if err != nil {
		return err
	}

	priceBefore := pool.CurrentPrice()
	pool.RealSupply = pool.RealSupply.Add(*shares)
	gross, err := curve.QuoteSell(pool, *shares)
	if err != nil {
		return err
	}
	br := schedule.Apply(gross, *held)

	table := tablewriter.NewWriter(out)
	table.Header("Slope", "Ghost", "Price", "Price after", "Buy cost", "Sell gross", "Tax", "Sell net")
	table.Append(
		pool.Slope.String(),
		pool.GhostSupply.String(),
		priceBefore.String(),
		pool.CurrentPrice().String(),
		cost.String(),
		gross.String(),
		br.Rate.Mul(decimal.NewFromInt(100)).String()+"%",
		br.Net.String(),
	)
	return table.Render()
}

// loadSchedule reads the exit tax brackets the server would use.
func loadSchedule(path string) (*tax.Schedule, error) {
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		path = cfg.MarketConfig
	}
	market, err := config.LoadMarket(path)
	if err != nil {
		return nil, err
	}
	return market.Schedule()
}

func runDepth(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("depth", flag.ExitOnError)
	shares := decimalFlag(fs, "shares", "1000", "shares bought")
	target := decimalFlag(fs, "target", "50", "target price")
	move := decimalFlag(fs, "move", "0.1", "relative price move those shares should cause, in (0, 1]")
	if err := fs.Parse(args); err != nil {
		return err
	}

	depth, err := params.DepthForMove(*shares, *target, *move)
	if err != nil {
		return err
	}
	c, err := curve.FromDepth(depth)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("Depth", "Slope", "Shares", "Move")
	table.Append(depth.String(), c.Slope().String(), shares.String(), move.String())
	return table.Render()
}

func runStoreCommand(ctx context.Context, out io.Writer, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	dsn := fs.String("db", "", "PostgreSQL URL or SQLite path (default: DATABASE_URL, then SQLITE_PATH)")
	interval := fs.Duration("interval", 0, "history bucket size, e.g. 1h")
	rebuild := fs.Bool("rebuild", false, "history: replay the trade log instead of reading stored ticks")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%s needs exactly one id argument", cmd)
	}
	id := fs.Arg(0)

	st, closeStore, err := openStore(ctx, *dsn)
	if err != nil {
		return err
	}
	defer closeStore()
	svc := trade.NewService(st, trade.Options{})

	switch cmd {
	case "pools":
		return printPools(ctx, out, svc, id)
	case "portfolio":
		return printPortfolio(ctx, out, svc, id)
	default:
		return printHistory(ctx, out, svc, id, *interval, *rebuild)
	}
}

func openStore(ctx context.Context, dsn string) (store.Store, func(), error) {
	if dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		dsn = cfg.DatabaseURL
		if dsn == "" {
			dsn = cfg.SQLitePath
		}
	}
	if dsn == "" {
		return nil, nil, errors.New("no store: pass -db or set DATABASE_URL or SQLITE_PATH")
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresStore(pool), pool.Close, nil
	}
	lite, err := store.NewSQLiteStore(dsn)
	if err != nil {
		return nil, nil, err
	}
	return lite, func() { lite.Close() }, nil
}

func printPools(ctx context.Context, out io.Writer, svc *trade.Service, id string) error {
	pools, err := svc.TradingPools(ctx, id)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(out)
	table.Header("Position", "Price", "Real supply", "Ghost supply", "Reserve", "Updated")
	for _, p := range []model.TradingPool{pools.Yes, pools.No} {
		table.Append(
			string(p.Position),
			p.CurrentPrice().String(),
			p.RealSupply.String(),
			p.GhostSupply.String(),
			p.Reserve.String(),
			p.UpdatedAt.Format(time.RFC3339),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(out, "YES probability: %s%%\n", curve.Probability(pools.Yes.CurrentPrice(), pools.No.CurrentPrice()))
	return nil
}

func printPortfolio(ctx context.Context, out io.Writer, svc *trade.Service, userID string) error {
	p, err := svc.Portfolio(ctx, userID)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(out)
	table.Header("Decision", "Pos", "Shares", "Invested", "Price", "Value", "Profit", "Profit %", "Result")
	for _, pp := range p.Positions {
		table.Append(
			pp.DecisionID,
			string(pp.Position),
			pp.SharesOwned.String(),
			pp.TotalInvested.String(),
			pp.CurrentPrice.String(),
			pp.EstimatedValue.String(),
			pp.Profit.String(),
			pp.ProfitPercentage.String(),
			string(pp.Result),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(out, "invested %s, value %s, profit %s\n", p.TotalInvested, p.TotalEstimatedValue, p.TotalProfit)
	return nil
}

func printHistory(ctx context.Context, out io.Writer, svc *trade.Service, id string, interval time.Duration, rebuild bool) error {
	table := tablewriter.NewWriter(out)
	if interval > 0 && !rebuild {
		h, err := svc.CourseHistory(ctx, id, interval)
		if err != nil {
			return err
		}
		table.Header("Bucket", "Open YES", "Close YES", "Open NO", "Close NO", "Trades")
		for _, s := range h.Snapshots {
			table.Append(
				s.BucketStart.Format(time.RFC3339),
				s.OpenYes.String(), s.CloseYes.String(),
				s.OpenNo.String(), s.CloseNo.String(),
				fmt.Sprint(s.Trades),
			)
		}
		return table.Render()
	}

	var ticks []model.OpinionTick
	if rebuild {
		var err error
		if ticks, err = svc.RebuildHistory(ctx, id); err != nil {
			return err
		}
	} else {
		h, err := svc.CourseHistory(ctx, id, 0)
		if err != nil {
			return err
		}
		ticks = h.Ticks
	}
	table.Header("Time", "YES price", "NO price", "YES count", "NO count", "Probability")
	for _, t := range ticks {
		table.Append(
			t.Timestamp.Format(time.RFC3339),
			t.YesPrice.String(), t.NoPrice.String(),
			t.YesCount.String(), t.NoCount.String(),
			curve.Probability(t.YesPrice, t.NoPrice).String(),
		)
	}
	return table.Render()
}

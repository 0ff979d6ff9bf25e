package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"klinecache/internal/app"
	"klinecache/internal/config"
	"klinecache/internal/domain"
	"klinecache/internal/gather"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: kline-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  get        Fetch bars for a symbol and window\n")
	fmt.Fprintf(os.Stderr, "  symbols    List cached symbols for a market\n")
	fmt.Fprintf(os.Stderr, "  entries    Show cache index rows for a key\n")
	fmt.Fprintf(os.Stderr, "  failures   Show recorded checksum failures\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		fmt.Printf("kline-cli %s\n", version)
		return
	}

	run, ok := map[string]func(context.Context, *app.App, []string) error{
		"get":      runGet,
		"symbols":  runSymbols,
		"entries":  runEntries,
		"failures": runFailures,
	}[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	cfgPath := "config/klinecache.yaml"
	if p := os.Getenv("KLINECACHE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadOptional(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, a, args)
	cancel()
	a.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// keyFlags registers the flags shared by commands that address one series.
func keyFlags(fs *flag.FlagSet) func() (domain.Key, error) {
	symbol := fs.String("symbol", "", "symbol, e.g. BTCUSDT")
	interval := fs.String("interval", "1h", "bar interval")
	market := fs.String("market", "spot", "market: spot, um, cm, alpaca-crypto")
	return func() (domain.Key, error) {
		m, err := domain.ParseMarketType(*market)
		if err != nil {
			return domain.Key{}, err
		}
		iv, err := domain.ParseInterval(*interval)
		if err != nil {
			return domain.Key{}, err
		}
		k := domain.Key{Symbol: *symbol, Interval: iv, Market: m}
		return k, k.Validate()
	}
}

// parseTime accepts RFC 3339 or a bare UTC date.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

func runGet(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	key := keyFlags(fs)
	start := fs.String("start", "", "window start (RFC 3339 or YYYY-MM-DD)")
	end := fs.String("end", "", "window end, exclusive; default now")
	strict := fs.Bool("strict", false, "fail when gaps remain")
	provenance := fs.Bool("provenance", false, "include the source column")
	interpolate := fs.Bool("interpolate", false, "forward-fill missing bars")
	noFallback := fs.Bool("no-live-fallback", false, "do not retry failed archive days live")
	proceed := fs.Bool("proceed-on-checksum-failure", a.Config.Bulk.ProceedOnChecksumFailure, "keep archives that fail verification")
	format := fs.String("format", "csv", "output format: csv or json")
	fs.Parse(args)

	k, err := key()
	if err != nil {
		return err
	}
	from, err := parseTime(*start)
	if err != nil {
		return fmt.Errorf("-start: %w", err)
	}
	to := time.Now().UTC()
	if *end != "" {
		if to, err = parseTime(*end); err != nil {
			return fmt.Errorf("-end: %w", err)
		}
	}

	s, gaps, err := a.Orchestrator.Get(ctx, gather.Request{
		Key: k, Start: from, End: to,
		Options: gather.Options{
			Strict:                   *strict,
			Provenance:               *provenance,
			NoLiveFallback:           *noFallback,
			ProceedOnChecksumFailure: *proceed,
			Interpolate:              *interpolate,
		},
	})
	var du *domain.DataUnavailableError
	if err != nil && !errors.As(err, &du) {
		return err
	}

	if werr := writeSeries(os.Stdout, s, *format); werr != nil {
		return werr
	}
	for _, g := range gaps {
		fmt.Fprintf(os.Stderr, "gap %s (%d bars)\n", g, g.Bars(k.Interval))
	}
	return err
}

func writeSeries(w io.Writer, s domain.Series, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s.Bars)
	}

	cw := csv.NewWriter(w)
	cw.Write([]string{"open_time", "open", "high", "low", "close", "volume", "close_time",
		"quote_volume", "count", "taker_buy_volume", "taker_buy_quote_volume", "source"})
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, b := range s.Bars {
		cw.Write([]string{
			b.OpenTime.Format(time.RFC3339Nano), f(b.Open), f(b.High), f(b.Low), f(b.Close), f(b.Volume),
			b.CloseTime(s.Key.Interval).Format(time.RFC3339Nano), f(b.QuoteVolume),
			strconv.FormatInt(b.TradeCount, 10), f(b.TakerBuyVolume), f(b.TakerBuyQuoteVolume), string(b.Source),
		})
	}
	cw.Flush()
	return cw.Error()
}

func runSymbols(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("symbols", flag.ExitOnError)
	market := fs.String("market", "spot", "market: spot, um, cm, alpaca-crypto")
	fs.Parse(args)

	m, err := domain.ParseMarketType(*market)
	if err != nil {
		return err
	}
	symbols, err := a.Cache.ListSymbols(ctx, m)
	if err != nil {
		return err
	}
	for _, s := range symbols {
		fmt.Println(s)
	}
	return nil
}

func runEntries(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("entries", flag.ExitOnError)
	key := keyFlags(fs)
	from := fs.String("from", "1970-01-01", "first day")
	to := fs.String("to", time.Now().UTC().Format("2006-01-02"), "last day, inclusive")
	fs.Parse(args)

	k, err := key()
	if err != nil {
		return err
	}
	f, err := parseTime(*from)
	if err != nil {
		return fmt.Errorf("-from: %w", err)
	}
	t, err := parseTime(*to)
	if err != nil {
		return fmt.Errorf("-to: %w", err)
	}

	entries, err := a.Cache.Entries(ctx, k, f, t)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  records=%-6d bytes=%-8d complete=%-5t revalidate=%-5t updated=%s\n",
			e.Date.Format("2006-01-02"), e.RecordCount, e.ByteSize, e.Complete(), e.NeedsRevalidation,
			e.LastUpdated.Format(time.RFC3339))
	}
	return nil
}

func runFailures(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("failures", flag.ExitOnError)
	limit := fs.Int("limit", 50, "most recent failures to show")
	fs.Parse(args)

	failures, err := a.Index.ChecksumFailures(ctx, *limit)
	if err != nil {
		return err
	}
	for _, f := range failures {
		fmt.Printf("%s  %s %s  %s  expected=%s actual=%s  %s\n",
			f.RecordedAt.Format(time.RFC3339), f.Key, f.Date.Format("2006-01-02"), f.Action,
			f.Expected, f.Actual, f.URL)
	}
	return nil
}

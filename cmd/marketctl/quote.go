package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/marketpulse/marketpulse/internal/api/models"
	"github.com/marketpulse/marketpulse/internal/app"
	"github.com/marketpulse/marketpulse/internal/orchestrator"
	"github.com/marketpulse/marketpulse/internal/planner"
	"github.com/marketpulse/marketpulse/internal/provider"
)

func newQuoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "quote <data-type> <symbol>",
		Short:   "Fetch market data for a symbol",
		Example: "  marketctl quote crypto_price BTC --param vs_currency=eur\n  marketctl quote stock_price AAPL --local",
		Args:    cobra.ExactArgs(2),
		RunE:    runQuote,
	}

	cmd.Flags().String("priority", "default", "request priority (high, default, low, batch)")
	cmd.Flags().StringToString("param", nil, "provider parameter as key=value (repeatable)")
	cmd.Flags().Bool("local", false, "run the market data core in-process instead of calling the API")
	cmd.Flags().Duration("timeout", 30*time.Second, "request timeout for --local")

	return cmd
}

func runQuote(cmd *cobra.Command, args []string) error {
	dataType, ok := provider.ParseDataType(args[0])
	if !ok {
		return fmt.Errorf("unknown data type %q", args[0])
	}
	rawPriority, _ := cmd.Flags().GetString("priority")
	priority, ok := planner.ParsePriority(rawPriority)
	if !ok {
		return fmt.Errorf("unknown priority %q", rawPriority)
	}
	params, _ := cmd.Flags().GetStringToString("param")
	local, _ := cmd.Flags().GetBool("local")

	var data models.MarketData
	if local {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		resp, err := quoteLocal(cmd, orchestrator.Request{
			DataType: dataType,
			Symbol:   args[1],
			Params:   params,
			Priority: priority,
		}, timeout)
		if err != nil {
			return err
		}
		data = models.NewMarketData(resp, priority)
	} else {
		query := url.Values{}
		query.Set("priority", priority.String())
		for k, v := range params {
			query.Set(k, v)
		}
		path := "/v1/market-data/" + url.PathEscape(string(dataType)) + "/" + url.PathEscape(args[1]) + "?" + query.Encode()
		if err := clientFor(cmd).getJSON(path, &data); err != nil {
			return fmt.Errorf("fetching quote: %w", err)
		}
	}

	return printQuote(cmd.OutOrStdout(), data)
}

func quoteLocal(cmd *cobra.Command, req orchestrator.Request, timeout time.Duration) (*orchestrator.Response, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	logger := zerolog.New(cmd.ErrOrStderr()).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	core, err := app.New(ctx, cfg, app.Options{Logger: logger, SkipDatabase: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = core.Close() }()
	if err := core.Start(ctx, false); err != nil {
		return nil, err
	}

	return core.Orchestrator.GetMarketData(ctx, req)
}

func printQuote(out io.Writer, data models.MarketData) error {
	_, _ = fmt.Fprintf(out, "%s %s from %s at %s\n",
		data.DataType, data.Symbol, data.Source, data.FetchedAt.Time().Format(time.RFC3339))

	var flags []string
	if data.FromCache {
		flags = append(flags, "cached")
		if data.CacheTier != "" {
			flags = append(flags, "tier="+data.CacheTier)
		}
	}
	if data.Stale {
		flags = append(flags, "STALE")
	}
	if len(flags) > 0 {
		sort.Strings(flags)
		_, _ = fmt.Fprintf(out, "%v\n", flags)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data.Data, "", "  "); err != nil {
		return fmt.Errorf("formatting data: %w", err)
	}
	_, _ = fmt.Fprintln(out, pretty.String())
	return nil
}

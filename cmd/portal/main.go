// Package main is the entry point for the IBKR Client Portal CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tathienbao/ibkr-portal/internal/client"
	"github.com/tathienbao/ibkr-portal/internal/config"
	"github.com/tathienbao/ibkr-portal/internal/flex"
	"github.com/tathienbao/ibkr-portal/internal/metrics"
	"github.com/tathienbao/ibkr-portal/internal/oauth"
	"github.com/tathienbao/ibkr-portal/internal/stream"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Parse command
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "validate":
		cmdValidate(os.Args[2:])
	case "auth":
		cmdAuth(os.Args[2:])
	case "tickle":
		cmdTickle(os.Args[2:])
	case "summary":
		cmdSummary(os.Args[2:])
	case "positions":
		cmdPositions(os.Args[2:])
	case "transactions":
		cmdTransactions(os.Args[2:])
	case "flex":
		cmdFlex(os.Args[2:])
	case "watch":
		cmdWatch(os.Args[2:])
	case "logout":
		cmdLogout(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`IBKR Client Portal - OAuth API Client

Usage:
  portal <command> [options]

Commands:
  auth          Negotiate a live session token and open the brokerage session
  tickle        Ping the session keepalive endpoint
  summary       Show an account's balance summary
  positions     List an account's positions
  transactions  List recent transactions for contracts
  flex          Request and download a Flex statement
  watch         Stream market data for a topic
  logout        End the session and discard the token
  validate      Validate configuration file
  version       Show version information
  help          Show this help message

Examples:
  portal auth --config config.yaml
  portal summary --config config.yaml --account DU1234567
  portal flex --config config.yaml --query 987654
  portal watch --config config.yaml --topic md+265598

Use "portal <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("portal version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Environment: %s\n", cfg.API.Environment)
	fmt.Printf("  Base URL:    %s\n", cfg.API.BaseURL)
	fmt.Printf("  Realm:       %s\n", cfg.Realm())
	fmt.Printf("  Consumer:    %s\n", cfg.OAuth.ConsumerKey)
}

func cmdAuth(args []string) {
	fs := flag.NewFlagSet("auth", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	cfg, api := mustClient(*configPath, *verbose)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
	defer cancel()

	token, err := api.Authenticator().Token(ctx)
	if err != nil {
		slog.Error("authentication failed", "err", err)
		os.Exit(1)
	}
	slog.Info("live session token negotiated", "valid", token.Valid(cfg.OAuth.ConsumerKey))

	session, err := api.InitBrokerageSession(ctx)
	if err != nil {
		slog.Error("brokerage session init failed", "err", err)
		os.Exit(1)
	}

	fmt.Println("Authenticated.")
	fmt.Printf("  Brokerage session: authenticated=%v connected=%v competing=%v\n",
		session.Authenticated, session.Connected, session.Competing)
}

func cmdTickle(args []string) {
	fs := flag.NewFlagSet("tickle", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, api := mustClient(*configPath, false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
	defer cancel()

	resp, err := api.Tickle(ctx)
	if err != nil {
		slog.Error("tickle failed", "err", err)
		os.Exit(1)
	}

	fmt.Printf("Session: %s\n", resp.Session)
	fmt.Printf("  SSO expires in: %s\n", time.Duration(resp.SSOExpires)*time.Millisecond)
	fmt.Printf("  Authenticated:  %v\n", resp.IServer.AuthStatus.Authenticated)
	fmt.Printf("  Connected:      %v\n", resp.IServer.AuthStatus.Connected)
}

func cmdSummary(args []string) {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	accountID := fs.String("account", "", "Account id (defaults to the first account)")
	fs.Parse(args)

	cfg, api := mustClient(*configPath, false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
	defer cancel()

	account, err := resolveAccount(ctx, api, *accountID)
	if err != nil {
		slog.Error("account lookup failed", "err", err)
		os.Exit(1)
	}

	summary, err := api.AccountSummary(ctx, account)
	if err != nil {
		slog.Error("summary failed", "err", err)
		os.Exit(1)
	}

	fmt.Printf("Account %s (%s)\n", summary.AccountID, summary.Currency)
	fmt.Printf("  Net Liquidation:   %s\n", summary.NetLiquidation.StringFixed(2))
	fmt.Printf("  Total Cash:        %s\n", summary.TotalCashValue.StringFixed(2))
	fmt.Printf("  Buying Power:      %s\n", summary.BuyingPower.StringFixed(2))
	fmt.Printf("  Available Funds:   %s\n", summary.AvailableFunds.StringFixed(2))
	fmt.Printf("  Excess Liquidity:  %s\n", summary.ExcessLiquidity.StringFixed(2))
	fmt.Printf("  Gross Position:    %s\n", summary.GrossPositionValue.StringFixed(2))
	fmt.Printf("  Init Margin Req:   %s\n", summary.InitMarginReq.StringFixed(2))
	fmt.Printf("  Maint Margin Req:  %s\n", summary.MaintMarginReq.StringFixed(2))
}

func cmdPositions(args []string) {
	fs := flag.NewFlagSet("positions", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	accountID := fs.String("account", "", "Account id (defaults to the first account)")
	page := fs.Int("page", 0, "Result page")
	fs.Parse(args)

	cfg, api := mustClient(*configPath, false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
	defer cancel()

	account, err := resolveAccount(ctx, api, *accountID)
	if err != nil {
		slog.Error("account lookup failed", "err", err)
		os.Exit(1)
	}

	positions, err := api.Positions(ctx, account, *page)
	if err != nil {
		slog.Error("positions failed", "err", err)
		os.Exit(1)
	}

	if len(positions) == 0 {
		fmt.Println("No positions.")
		return
	}
	fmt.Printf("%-24s %10s %12s %14s %14s\n", "CONTRACT", "QTY", "MKT PRICE", "MKT VALUE", "UNREAL PNL")
	for _, p := range positions {
		fmt.Printf("%-24s %10s %12s %14s %14s\n",
			p.ContractDesc,
			p.Position.String(),
			p.MktPrice.StringFixed(2),
			p.MktValue.StringFixed(2),
			p.UnrealizedPnL.StringFixed(2),
		)
	}
}

func cmdTransactions(args []string) {
	fs := flag.NewFlagSet("transactions", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	accountID := fs.String("account", "", "Account id (defaults to the first account)")
	conID := fs.Int64("conid", 0, "Contract id (required)")
	days := fs.Int("days", 30, "Days of history")
	fs.Parse(args)

	if *conID == 0 {
		fmt.Fprintln(os.Stderr, "Error: --conid is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg, api := mustClient(*configPath, false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
	defer cancel()

	account, err := resolveAccount(ctx, api, *accountID)
	if err != nil {
		slog.Error("account lookup failed", "err", err)
		os.Exit(1)
	}

	txns, err := api.Transactions(ctx, account, []int64{*conID}, *days)
	if err != nil {
		slog.Error("transactions failed", "err", err)
		os.Exit(1)
	}

	if len(txns) == 0 {
		fmt.Println("No transactions.")
		return
	}
	for _, txn := range txns {
		fmt.Printf("%s  %-12s %10s x %-10s %12s %s\n",
			txn.Date, txn.Type, txn.Quantity.String(), txn.Price.String(),
			txn.Amount.StringFixed(2), txn.Description)
	}
}

func cmdFlex(args []string) {
	fs := flag.NewFlagSet("flex", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	queryID := fs.String("query", "", "Flex query id (required)")
	outPath := fs.String("out", "", "Write statement XML to file instead of stdout")
	fs.Parse(args)

	if *queryID == "" {
		fmt.Fprintln(os.Stderr, "Error: --query is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := mustConfig(*configPath, false)

	var store *flex.Store
	if cfg.Flex.ArchivePath != "" {
		var err error
		store, err = flex.NewStore(cfg.Flex.ArchivePath)
		if err != nil {
			slog.Error("failed to open flex archive", "err", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	svc := flex.NewService(flex.Config{
		BaseURL:         cfg.Flex.BaseURL,
		Token:           cfg.Flex.Token,
		Version:         3,
		Timeout:         cfg.Timeout(),
		PollInterval:    cfg.FlexPollInterval(),
		MaxPollAttempts: cfg.Flex.MaxPollAttempts,
	}, store, metrics.NewRecorder(), slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stmt, err := svc.Fetch(ctx, *queryID)
	if err != nil {
		slog.Error("flex fetch failed", "err", err)
		os.Exit(1)
	}

	slog.Info("flex statement fetched",
		"query_name", stmt.QueryName,
		"type", stmt.Type,
		"bytes", len(stmt.Raw),
	)

	if *outPath != "" {
		if err := os.WriteFile(*outPath, stmt.Raw, 0o644); err != nil {
			slog.Error("failed to write statement", "err", err)
			os.Exit(1)
		}
		fmt.Printf("Statement written to %s\n", *outPath)
		return
	}
	os.Stdout.Write(stmt.Raw)
}

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	topic := fs.String("topic", "", "Stream topic, e.g. md+265598 (required)")
	fs.Parse(args)

	if *topic == "" {
		fmt.Fprintln(os.Stderr, "Error: --topic is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg, api := mustClient(*configPath, false)
	recorder := metrics.NewRecorder()

	// Long-running command, expose metrics while it streams.
	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(metrics.ServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  "/health",
		}, slog.Default())
		if err := metricsSrv.Start(); err != nil {
			slog.Error("metrics server failed", "err", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws := stream.NewClient(stream.Config{
		URL:                  cfg.Stream.URL,
		HeartbeatInterval:    cfg.StreamHeartbeat(),
		ReconnectInterval:    cfg.StreamReconnectInterval(),
		MaxReconnectAttempts: cfg.Stream.MaxReconnectTries,
		BufferSize:           cfg.Stream.BufferSize,
	}, api, recorder, slog.Default())

	if err := ws.Connect(ctx); err != nil {
		slog.Error("stream connect failed", "err", err)
		os.Exit(1)
	}
	defer ws.Close()

	if metricsSrv != nil {
		metricsSrv.RegisterHealthCheck("stream", func() metrics.Check {
			if ws.Connected() {
				return metrics.Check{Status: "healthy"}
			}
			return metrics.Check{Status: "unhealthy", Message: "websocket disconnected"}
		})
		metricsSrv.RegisterHealthCheck("session", func() metrics.Check {
			if api.Authenticator().IsAuthenticated() {
				return metrics.Check{Status: "healthy"}
			}
			return metrics.Check{Status: "unhealthy", Message: "no valid live session token"}
		})
	}

	ch, err := ws.Subscribe(ctx, *topic, nil)
	if err != nil {
		slog.Error("subscribe failed", "err", err)
		os.Exit(1)
	}
	slog.Info("streaming", "topic", *topic)

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received")
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				metricsSrv.Shutdown(shutdownCtx)
				cancel()
			}
			return
		case msg, ok := <-ch:
			if !ok {
				slog.Warn("stream closed")
				return
			}
			fmt.Println(string(msg))
		}
	}
}

func cmdLogout(args []string) {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, api := mustClient(*configPath, false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
	defer cancel()

	if err := api.Logout(ctx); err != nil {
		slog.Error("logout failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("Logged out.")
}

// mustConfig loads configuration and installs the default logger.
func mustConfig(path string, verbose bool) *config.Config {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	return cfg
}

// mustClient builds the REST client from configuration.
func mustClient(path string, verbose bool) (*config.Config, *client.Client) {
	cfg := mustConfig(path, verbose)

	auth := oauth.NewAuthenticator(cfg.Credentials(), nil, slog.Default())
	api := client.New(client.Config{
		BaseURL:            cfg.API.BaseURL,
		Timeout:            cfg.Timeout(),
		RateLimitPerSecond: cfg.API.RateLimitPerSecond,
		CacheTTL:           cfg.CacheTTL(),
	}, auth, metrics.NewRecorder(), slog.Default())
	return cfg, api
}

// resolveAccount returns accountID, or the first account the session can see
// when it is empty.
func resolveAccount(ctx context.Context, api *client.Client, accountID string) (string, error) {
	if accountID != "" {
		return accountID, nil
	}
	accounts, err := api.Accounts(ctx)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", fmt.Errorf("no accounts visible to this session")
	}
	return accounts[0].AccountID, nil
}

/*
main.go - Checkout client CLI

PURPOSE:
  Drives the checkout client stack against a storefront: durable outcome
  cache and session in SQLite, the session transport for bearer refresh,
  and the idempotent payment service.

USAGE:
  checkout [global flags] <command> [command flags]

COMMANDS:
  register  -name -email -password            Register a store and sign in
  pay       -customer -amount [-currency] -pin Create an intent and approve it
  status    <intent-id>                        Refresh and print an intent
  sweep                                        Expire stale intents now
  stats                                        Print local totals

GLOBAL FLAGS (override CHECKOUT_* environment and .env):
  -base-url  Storefront base URL
  -db        SQLite database path
  -actor     Actor id mixed into idempotency keys
  -email, -password  Sign in before running the command

SEE ALSO:
  - config/config.go: Environment variables
  - cmd/sandbox/main.go: Local storefront
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/warp/checkout-guard/client"
	"github.com/warp/checkout-guard/config"
	"github.com/warp/checkout-guard/idempotency"
	"github.com/warp/checkout-guard/payment"
	"github.com/warp/checkout-guard/session"
	"github.com/warp/checkout-guard/store/sqlite"
	"github.com/warp/checkout-guard/storefront"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flags
	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "storefront base URL")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.Actor, "actor", cfg.Actor, "actor id mixed into idempotency keys")
	email := fs.String("email", "", "sign in with this email")
	password := fs.String("password", "", "password for -email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("missing command (register, pay, status, sweep, stats)")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if *email != "" {
		if err := a.login(ctx, *email, *password); err != nil {
			return err
		}
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "register":
		return a.register(ctx, rest)
	case "pay":
		return a.pay(ctx, rest)
	case "status":
		return a.status(ctx, rest)
	case "sweep":
		return a.sweep(ctx)
	case "stats":
		return a.stats()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sqlite.Store
	exec    *idempotency.Executor
	coord   *session.Coordinator
	remote  *client.Client
	store   *payment.Store
	service *payment.Service
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger := cfg.Logger()

	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	exec := idempotency.NewExecutor(db,
		idempotency.WithPolicy(cfg.Policy),
		idempotency.WithLogger(logger),
	)
	if _, err := exec.Purge(ctx); err != nil {
		logger.Warn("outcome purge failed", "error", err)
	}

	// The refresh cookie lives in the jar shared by both clients.
	jar, err := cookiejar.New(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	plain := &http.Client{Jar: jar, Timeout: cfg.HTTPTimeout}

	tokens := session.NewTokens(db, logger)
	if err := tokens.Load(ctx); err != nil {
		logger.Warn("failed to load session", "error", err)
	}
	coord := session.NewCoordinator(tokens,
		&session.HTTPRefresher{BaseURL: cfg.BaseURL, Client: plain},
		session.WithLogger(logger),
		session.WithRefreshTimeout(cfg.HTTPTimeout),
		session.WithLogoutHandler(func(reason string) {
			fmt.Fprintf(os.Stderr, "signed out (%s); run again with -email and -password\n", reason)
		}),
	)
	remote := client.New(cfg.BaseURL, session.WrapClient(plain, coord))

	store := payment.NewStore(db,
		payment.WithConfig(cfg.Payment),
		payment.WithLogger(logger),
	)
	if err := store.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("load payments: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		exec:   exec,
		coord:  coord,
		remote: remote,
		store:  store,
		service: payment.NewService(store, exec, remote,
			payment.WithActor(cfg.Actor),
			payment.WithServiceLogger(logger),
		),
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close database", "error", err)
	}
}

func (a *app) login(ctx context.Context, email, password string) error {
	tok, err := a.remote.Login(ctx, storefront.LoginRequest{Email: email, Password: password})
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	return a.coord.Login(ctx, tok.AccessToken)
}

// =============================================================================
// COMMANDS
// =============================================================================

func (a *app) register(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	name := fs.String("name", "", "store name")
	email := fs.String("email", "", "owner email")
	password := fs.String("password", "", "owner password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := storefront.RegisterStoreRequest{Name: *name, OwnerEmail: *email, Password: *password}
	key := a.exec.Derive(idempotency.Descriptor{
		Action:  idempotency.ActionRegisterStore,
		ActorID: a.cfg.Actor,
		ScopeID: *email,
		Payload: req,
	})
	st, src, err := idempotency.Execute(ctx, a.exec, idempotency.Call[storefront.StoreDTO]{
		Key:          key,
		Action:       idempotency.ActionRegisterStore,
		RetryOnError: true,
		Fn: func(ctx context.Context) (storefront.StoreDTO, error) {
			dto, err := a.remote.RegisterStore(ctx, req)
			if err != nil {
				return storefront.StoreDTO{}, err
			}
			return *dto, nil
		},
	})
	if err != nil {
		return fmt.Errorf("register store: %w", err)
	}
	fmt.Printf("store %s (%s) registered [%s]\n", st.ID, st.Name, src)

	return a.login(ctx, *email, *password)
}

func (a *app) pay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pay", flag.ContinueOnError)
	customer := fs.String("customer", "", "customer id")
	name := fs.String("name", "", "customer name")
	amount := fs.String("amount", "", "amount, e.g. 25.00")
	currency := fs.String("currency", "EUR", "ISO currency code")
	pin := fs.String("pin", "", "customer PIN")
	retry := fs.Bool("retry", false, "treat as a deliberate retry of an earlier approval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", *amount, err)
	}

	in, err := a.service.Create(ctx, storefront.CreateIntentRequest{
		CustomerID:   *customer,
		CustomerName: *name,
		Amount:       amt,
		Currency:     *currency,
	})
	if err != nil {
		return fmt.Errorf("create intent: %w", err)
	}
	fmt.Printf("intent %s (%s) %s %s\n", in.PublicID, in.IntentID, in.Amount.StringFixed(2), in.Currency)

	approve := a.service.Approve
	if *retry {
		approve = a.service.RetryApprove
	}
	in, err = approve(ctx, in.IntentID, *pin)
	var rej *idempotency.RejectedError
	switch {
	case errors.As(err, &rej) && rej.RemainingAttempts >= 0:
		return fmt.Errorf("approval rejected: %s (%d attempts left)", rej.Message, rej.RemainingAttempts)
	case err != nil:
		return fmt.Errorf("approve intent: %w", err)
	}
	fmt.Printf("intent %s %s\n", in.PublicID, in.Status)
	return nil
}

func (a *app) status(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: status <intent-id>")
	}
	in, err := a.service.Track(ctx, args[0])
	if err != nil {
		return err
	}
	if !in.Status.Terminal() {
		if in, err = a.service.Refresh(ctx, in.IntentID); err != nil {
			return err
		}
	}
	fmt.Printf("%s (%s) customer=%s amount=%s %s status=%s attempts=%d\n",
		in.PublicID, in.IntentID, in.CustomerID, in.Amount.StringFixed(2), in.Currency, in.Status, in.RejectedAttempts)
	if in.DeclineReason != "" {
		fmt.Printf("declined: %s\n", in.DeclineReason)
	}
	return nil
}

func (a *app) sweep(ctx context.Context) error {
	sw := payment.NewSweeper(a.store, a.logger)
	sw.Interval = a.cfg.SweepInterval
	sw.Purger = a.exec
	res := sw.RunNow(ctx)
	fmt.Printf("expired %d intents, pruned %d history entries\n", len(res.Expired), res.Pruned)
	return nil
}

func (a *app) stats() error {
	st := a.store.Stats()
	fmt.Printf("pending=%d approved=%d total=%s history=%d\n",
		st.Pending, st.Approved, st.Total.StringFixed(2), len(a.store.History()))
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/maild/internal/auth"
	"github.com/infodancer/maild/internal/config"
	"github.com/infodancer/maild/internal/content"
	"github.com/infodancer/maild/internal/logging"
	"github.com/infodancer/maild/internal/metrics"
	"github.com/infodancer/maild/internal/pop3"
	"github.com/infodancer/maild/internal/rspamd"
	"github.com/infodancer/maild/internal/server"
	"github.com/infodancer/maild/internal/smtp"
	"github.com/infodancer/maild/internal/spamcheck"
	"github.com/infodancer/maild/internal/store"
)

// Busy lines are written by the listener, which appends the CRLF itself.
const (
	smtpBusyLine = "421 4.3.2 Service busy, try again later"
	pop3BusyLine = "-ERR server busy, try again later"
)

func runServe() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})
	go func() {
		if err := metricsServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	st, err := store.Open(cfg.Storage.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	cs, err := content.New(cfg.Storage.EmailsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening content store: %v\n", err)
		os.Exit(1)
	}

	tlsConfig, err := server.LoadTLSConfig(cfg.TLS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading TLS configuration: %v\n", err)
		os.Exit(1)
	}

	spamChecker, spamPolicy := createSpamChecker(cfg, logger)
	if spamChecker != nil {
		defer spamChecker.Close()
	}

	authenticator := auth.New(st)

	sessCfg := smtp.DefaultSessionConfig()
	sessCfg.MaxRecipients = cfg.Limits.MaxRecipients
	sessCfg.MaxMessageSize = int64(cfg.Limits.MaxMessageSize)
	sessCfg.RequireAuth = cfg.Auth.RequireAuth
	sessCfg.AllowInsecureAuth = cfg.Auth.AllowInsecureAuth

	smtpHandler := smtp.Handler(smtp.HandlerConfig{
		Hostname:   cfg.Hostname,
		Collector:  collector,
		Store:      st,
		Content:    cs,
		Auth:       authenticator,
		TLSConfig:  tlsConfig,
		Spam:       spamChecker,
		SpamPolicy: spamPolicy,
		Session:    sessCfg,
	})

	pop3Handler := pop3.Handler(pop3.HandlerConfig{
		Hostname:          cfg.Hostname,
		Collector:         collector,
		Store:             st,
		Content:           cs,
		Auth:              authenticator,
		TLSConfig:         tlsConfig,
		EnableAPOP:        cfg.Auth.EnableAPOP,
		AllowInsecureAuth: cfg.Auth.AllowInsecureAuth,
	})

	logger.Info("starting maild",
		"hostname", cfg.Hostname,
		"smtp_listeners", len(cfg.SMTP.Listeners),
		"pop3_listeners", len(cfg.POP3.Listeners))

	errChan := make(chan error, 2)

	if len(cfg.SMTP.Listeners) > 0 {
		srv, err := server.New(&cfg, server.Options{
			Protocol:  "smtp",
			Listeners: cfg.SMTP.Listeners,
			BusyLine:  smtpBusyLine,
			Handler:   smtpHandler,
			TLSConfig: tlsConfig,
			Logger:    logger,
			Collector: collector,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error configuring SMTP server: %v\n", err)
			os.Exit(1)
		}
		go func() { errChan <- srv.Run(ctx) }()
	} else {
		errChan <- nil
	}

	if len(cfg.POP3.Listeners) > 0 {
		srv, err := server.New(&cfg, server.Options{
			Protocol:  "pop3",
			Listeners: cfg.POP3.Listeners,
			BusyLine:  pop3BusyLine,
			Handler:   pop3Handler,
			TLSConfig: tlsConfig,
			Logger:    logger,
			Collector: collector,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error configuring POP3 server: %v\n", err)
			os.Exit(1)
		}
		go func() { errChan <- srv.Run(ctx) }()
	} else {
		errChan <- nil
	}

	var failed bool
	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server error", "error", err)
			failed = true
			cancel()
		}
	}
	if failed {
		os.Exit(1)
	}
}

// createSpamChecker builds the configured spam checker stack and the policy
// the SMTP handler applies to its verdicts.
func createSpamChecker(cfg config.Config, logger *slog.Logger) (spamcheck.Checker, spamcheck.Policy) {
	if !cfg.SpamCheck.Enabled {
		return nil, spamcheck.Policy{}
	}

	var checkers []spamcheck.Checker
	var names []string
	for _, ck := range cfg.SpamCheck.Checkers {
		switch ck.Type {
		case "rspamd":
			checkers = append(checkers, rspamd.NewChecker(ck.URL, ck.Password, ck.CheckTimeout()))
			names = append(names, "rspamd")
			logger.Debug("created rspamd checker", "url", ck.URL)
		default:
			logger.Warn("unknown spam checker type", "type", ck.Type)
		}
	}
	if len(checkers) == 0 {
		return nil, spamcheck.Policy{}
	}

	policy := spamcheck.Policy{
		FailMode:          spamcheck.FailMode(cfg.SpamCheck.FailMode),
		RejectThreshold:   cfg.SpamCheck.RejectThreshold,
		TempFailThreshold: cfg.SpamCheck.TempFailThreshold,
	}

	logger.Info("spam checking enabled",
		"checkers", names,
		"fail_mode", policy.Mode(),
		"reject_threshold", policy.RejectThreshold)

	if len(checkers) == 1 {
		return checkers[0], policy
	}
	return spamcheck.NewMulti(checkers...), policy
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/api"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/archive"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/config"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/gate"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/keyring"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/ledger"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/observability"
)

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// runServeCmd runs the HTTP API until SIGINT or SIGTERM.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfgPath := cmd.String("config", os.Getenv("SIGMA_CONFIG"), "Path to YAML config")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openBase(ctx, *cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.Close()
	if err := s.loadKeys(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	obsCfg := s.cfg.Observability
	obsCfg.ServiceVersion = Version
	obs, err := observability.New(ctx, &obsCfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: observability: %v\n", err)
		return 2
	}
	s.obs = obs
	s.closers = append(s.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return obs.Shutdown(shutdownCtx)
	})

	r, err := s.buildRouter(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	opts := []api.Option{api.WithVersion(Version), api.WithRateLimit(s.cfg.API.RateLimit, s.cfg.API.RateBurst)}
	if s.cfg.API.AuthDisabled {
		slog.Warn("API authentication disabled")
	} else {
		secret, err := s.keys.Derive(keyring.PurposeAPIToken)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		auth, err := api.NewAuthenticator(secret)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		opts = append(opts, api.WithAuthenticator(auth))
	}
	srv, err := api.NewServer(r, opts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              s.cfg.API.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- httpSrv.ListenAndServe() }()
	slog.Info("sigmaguard listening", "addr", s.cfg.API.Addr, "providers", len(s.cfg.Providers),
		"key_source", s.keys.Source(), "key_fp", s.keys.Fingerprint())
	_, _ = fmt.Fprintf(stdout, "sigmaguard %s listening on %s\n", Version, s.cfg.API.Addr)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

// runVerifyCmd re-reads the ledger and checks every link.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfgPath := cmd.String("config", os.Getenv("SIGMA_CONFIG"), "Path to YAML config")
	jsonOut := cmd.Bool("json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	s, err := openBase(ctx, *cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.Close()
	log, err := s.ledgerLog(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _, rep, err := ledger.Verify(ctx, log)
	if err != nil && !errors.Is(err, ledger.ErrChainBroken) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *jsonOut {
		writeJSON(stdout, rep)
	} else if rep.Valid() {
		_, _ = fmt.Fprintf(stdout, "ledger OK: %d entries, head %s\n", rep.Entries, rep.HeadHash)
	} else {
		_, _ = fmt.Fprintf(stdout, "ledger BROKEN at entry %d: %s\n", rep.FirstBad, rep.Error)
	}
	if !rep.Valid() {
		return 1
	}
	return 0
}

// runGateCmd evaluates a metrics JSON file. Exit 0 admits, 1 rejects.
func runGateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("gate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfgPath := cmd.String("config", os.Getenv("SIGMA_CONFIG"), "Path to YAML config")
	metricsPath := cmd.String("metrics", "", "Path to metrics JSON (REQUIRED, - for stdin)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *metricsPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --metrics is required")
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var raw []byte
	if *metricsPath == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(*metricsPath)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read metrics: %v\n", err)
		return 2
	}
	var m gate.Metrics
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: parse metrics: %v\n", err)
		return 2
	}

	g, err := gate.New(cfg.Gate.Thresholds, cfg.Gate.Checks)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	v := g.Evaluate(m)
	writeJSON(stdout, v)
	if !v.Passed {
		return 1
	}
	return 0
}

// runArchiveCmd verifies the ledger and uploads a sealed segment.
func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archive", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfgPath := cmd.String("config", os.Getenv("SIGMA_CONFIG"), "Path to YAML config")
	from := cmd.Uint64("from", 1, "First sequence number to include")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	s, err := openBase(ctx, *cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.Close()
	k, err := keyring.FromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: archival needs a persistent master key: %v\n", err)
		return 2
	}
	sealKey, err := k.Derive(keyring.PurposeArchiveSeal)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	l, err := s.openLedger(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, ledger.ErrChainBroken) {
			return 1
		}
		return 2
	}
	sink, err := archive.NewSink(ctx, s.cfg.Ledger.Archive)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	rcpt, err := archive.NewArchiver(sink, sealKey, s.cfg.Ledger.Archive.Prefix).Archive(ctx, l, *from)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, ledger.ErrChainBroken) {
			return 1
		}
		return 2
	}
	writeJSON(stdout, rcpt)
	return 0
}

// runTokenCmd issues a bearer token signed with the API key.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	sub := cmd.String("sub", "", "Token subject (REQUIRED)")
	scopes := cmd.String("scopes", api.ScopeDispatch+","+api.ScopeRead, "Comma-separated scopes")
	ttl := cmd.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *sub == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --sub is required")
		return 2
	}
	k, err := keyring.FromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	secret, err := k.Derive(keyring.PurposeAPIToken)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	auth, err := api.NewAuthenticator(secret)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	tok, err := auth.Issue(*sub, strings.Split(*scopes, ","), *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}

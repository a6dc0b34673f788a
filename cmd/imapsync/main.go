// Command imapsync mirrors IMAP mailboxes into a local cache.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/emersion/go-imapsync/cache/sqlitecache"
	"github.com/emersion/go-imapsync/internal/credential"
	"github.com/emersion/go-imapsync/model"
	"github.com/emersion/go-imapsync/socket"
)

var (
	configPath string
	debug      bool
	trace      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "imapsync",
		Short:         "Mirror IMAP mailboxes into a local cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log state changes")
	rootCmd.PersistentFlags().BoolVar(&trace, "trace", false, "log all commands and responses")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sync <mailbox>",
		Short: "Synchronize a mailbox and print its messages",
		Args:  cobra.ExactArgs(1),
		RunE:  runSync,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "list [parent]",
		Short: "List child mailboxes",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runList,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "fetch <mailbox> <uid> [part]",
		Short: "Fetch message metadata, or the decoded body of a part",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runFetch,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Store the account password in the system keyring",
		Args:  cobra.NoArgs,
		RunE:  runLogin,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "imapsync: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if trace {
		level = zerolog.TraceLevel
	} else if debug {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func openCredentials() (*credential.Store, error) {
	return credential.Open(filepath.Join(configDir(), "credentials"))
}

func lookupPassword(cfg *Config) (string, error) {
	if cfg.Password != "" || cfg.Offline {
		return cfg.Password, nil
	}
	store, err := openCredentials()
	if err != nil {
		return "", err
	}
	password, err := store.Password(cfg.Username, cfg.Server)
	if errors.Is(err, credential.ErrNotFound) {
		return "", fmt.Errorf("no password for %v on %v, run \"imapsync login\"", cfg.Username, cfg.Server)
	}
	return password, err
}

// withModel opens the cache and runs fn with a model processing events in
// the background. The model is closed once fn returns.
func withModel(ctx context.Context, fn func(ctx context.Context, m *model.Model) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	password, err := lookupPassword(cfg)
	if err != nil {
		return err
	}

	logger := newLogger()

	if err := os.MkdirAll(filepath.Dir(cfg.Cache), 0o700); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	c, err := sqlitecache.New(cfg.Cache)
	if err != nil {
		return err
	}
	defer c.Close()

	dialer := &socket.Dialer{
		Address: cfg.Server,
		Timeout: cfg.Timeout,
	}
	if cfg.TLS {
		host, _, err := net.SplitHostPort(cfg.Server)
		if err != nil {
			return fmt.Errorf("invalid server address: %w", err)
		}
		dialer.TLSConfig = &tls.Config{ServerName: host}
	}

	policy := model.NetworkOnline
	if cfg.Offline {
		policy = model.NetworkOffline
	}

	reg := prometheus.NewRegistry()
	m, err := model.New(&model.Options{
		SocketFactory: dialer,
		Cache:         c,
		Username:      cfg.Username,
		Password:      password,
		NoopPeriod:    cfg.NoopPeriod,
		NetworkPolicy: policy,
		Logger:        &logger,
		Registerer:    reg,
	})
	if err != nil {
		return err
	}
	m.Subscribe(func(ev model.Event) {
		switch ev := ev.(type) {
		case model.ErrorEvent:
			logger.Warn().Err(ev.Err).Msg("Synchronization error")
		case model.ConnectionStateChanged:
			logger.Debug().Str("conn", ev.Conn).Stringer("state", ev.State).Msg("Connection state")
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.MetricsListen != "" {
		srv := &http.Server{
			Addr:    cfg.MetricsListen,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	g.Go(func() error {
		defer cancel()
		err := fn(ctx, m)
		if closeErr := m.Close().Wait(ctx); err == nil && !errors.Is(closeErr, context.Canceled) {
			err = closeErr
		}
		return err
	})
	return g.Wait()
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Offline = false
	if err := cfg.validate(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Password for %v on %v: ", cfg.Username, cfg.Server)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	store, err := openCredentials()
	if err != nil {
		return err
	}
	return store.SetPassword(cfg.Username, cfg.Server, string(b))
}

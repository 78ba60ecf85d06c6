package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"drawchain/cfg"
	"drawchain/metrics"
	"drawchain/pkg/codec"
	"drawchain/pkg/kms"
	"drawchain/pkg/tier"
	"drawchain/svc/api"
	"drawchain/svc/cache"
	"drawchain/svc/db"
	"drawchain/svc/lim"
	"drawchain/svc/store"
	"drawchain/svc/svc"
	"drawchain/svc/util"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "drawchain:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "drawchain",
		Short:         "Diagram storage on a decentralized entity store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile == "" {
				return nil
			}
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
				return errors.Wrapf(err, "load %s", envFile)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})
	var addr string
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running instance, exit non-zero when it is not ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			return probe(cmd.Context(), addr)
		},
	}
	healthCmd.Flags().StringVar(&addr, "addr", "", "base URL, defaults to http://127.0.0.1:$PORT")
	root.AddCommand(healthCmd)
	return root
}

func probe(ctx context.Context, addr string) error {
	if addr == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		addr = "http://127.0.0.1:" + port
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/ready", nil)
	if err != nil {
		return err
	}
	resp, err := cleanhttp.DefaultClient().Do(req)
	if err != nil {
		return errors.Wrap(err, "probe")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: %s", resp.Status)
	}
	return nil
}

func serve(ctx context.Context) error {
	c, err := cfg.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("environment", c.Environment).Msg("starting drawchain")
	metrics.Init()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	kmsAdapter, err := kms.NewAdapter(ctx)
	if err != nil {
		return errors.Wrap(err, "init kms adapter")
	}
	util.Info().Str("provider", kmsAdapter.ProviderName()).Msg("kms adapter initialized")
	keyCache := kms.NewKeyCache(kmsAdapter, c.KMSCacheTTL)
	defer keyCache.Stop()

	tokenSecret, err := loadKey(ctx, kmsAdapter, "SHARE_TOKEN_SECRET")
	if err != nil {
		return err
	}
	issuer, err := util.NewTokenIssuer(tokenSecret)
	util.Wipe(tokenSecret)
	if err != nil {
		return errors.Wrap(err, "init share token issuer")
	}
	defer issuer.Close()

	signer, err := loadSigner(ctx, c, kmsAdapter)
	if err != nil {
		return err
	}

	var backend store.Backend
	if c.Store.RPCURL == "" {
		util.Warn().Msg("STORE_RPC_URL empty, using the in-memory entity store")
		backend = store.NewMemory()
	} else {
		backend = store.NewRPC(c.Store.RPCURL, c.Store.Timeout)
		util.Info().Str("url", util.RedactSecret(c.Store.RPCURL)).Msg("entity store rpc backend")
	}
	entityCache, err := cache.NewLRU[*store.Entity](c.LRUCacheSize)
	if err != nil {
		return errors.Wrap(err, "create entity cache")
	}
	client := store.NewClient(backend, signer, entityCache, c.Store.Timeout)

	cd, err := codec.New(codec.Params{Time: c.Argon2Time, Memory: c.Argon2Memory, Threads: c.Argon2Parallelism})
	if err != nil {
		return errors.Wrap(err, "init codec")
	}

	deps := svc.Deps{
		Store:    client,
		Policy:   tier.Default(),
		Codec:    cd,
		Envelope: kms.NewEnvelope(kmsAdapter, keyCache),
		Issuer:   issuer,
	}
	apiDeps := api.Deps{}

	var journal *db.Journal
	quitWAL := make(chan struct{})
	walDone := make(chan struct{})
	if c.Retry.JournalPath != "" {
		journal, err = db.NewJournalWithConfig(c.Retry.JournalPath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			return errors.Wrap(err, "open retry journal")
		}
		defer journal.Close()
		go func() {
			defer close(walDone)
			journal.Maintain(quitWAL)
		}()
		deps.Journal = journal
		apiDeps.Journal = journal
		util.Info().Str("path", c.Retry.JournalPath).Msg("retry journal enabled")
	}

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c)
		if err != nil {
			if c.Environment == "production" {
				return errors.Wrap(err, "redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, using local rate limits and store-only revocation checks")
		} else {
			defer rdb.Close()
			deps.Revoked = rdb
			apiDeps.Cache = rdb
			util.Info().Msg("redis connected")
		}
	}

	storage, err := svc.NewStorage(c, deps)
	if err != nil {
		return errors.Wrap(err, "init storage")
	}
	if err := storage.Start(ctx); err != nil {
		return errors.Wrap(err, "start retry queue")
	}

	var counter lim.Counter
	if rdb != nil {
		counter = rdb
	}
	limiter, err := lim.New(counter, lim.Options{
		RPM:               c.RateLimit.RPM,
		Burst:             c.RateLimit.Burst,
		ConservativeLimit: c.RateLimit.ConservativeLimit,
		TrustedProxies:    c.TrustedProxies,
	})
	if err != nil {
		return errors.Wrap(err, "init rate limiter")
	}
	defer limiter.Stop()

	apiDeps.Storage = storage
	apiDeps.Limiter = limiter
	server := api.NewServer(c, apiDeps)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(":" + c.Port)
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		util.Info().Msg("shutting down gracefully")
	case err := <-errCh:
		if err != nil {
			util.Error().Err(err).Msg("server failed")
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	storage.Shutdown()
	close(quitWAL)
	if journal != nil {
		<-walDone
	}
	util.Info().Msg("shutdown complete")
	return nil
}

func loadKey(ctx context.Context, a *kms.Adapter, name string) ([]byte, error) {
	b64, err := a.GetSecret(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", name)
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrapf(err, "%s must be base64", name)
	}
	return key, nil
}

// loadSigner returns nil when no signer address is configured; the service
// then runs read-only and exports hand back unsigned mutations.
func loadSigner(ctx context.Context, c *cfg.Cfg, a *kms.Adapter) (store.Signer, error) {
	if c.Store.SignerAddress == "" {
		util.Warn().Msg("no STORE_SIGNER_ADDRESS, writes need an external signer")
		return nil, nil
	}
	if !c.Store.SignerFromKMS {
		return nil, errors.New("STORE_SIGNER_FROM_KMS=false is not supported, the signing key is only read from KMS")
	}
	key, err := loadKey(ctx, a, "STORE_SIGNER_KEY")
	if err != nil {
		return nil, err
	}
	defer util.Wipe(key)
	s, err := store.NewHMACSigner(c.Store.SignerAddress, key)
	if err != nil {
		return nil, errors.Wrap(err, "init signer")
	}
	util.Info().Str("address", util.RedactOwner(c.Store.SignerAddress)).Msg("store signer loaded")
	return s, nil
}

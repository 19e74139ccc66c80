// vouchmesh is the reciprocal persistence network node.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vouchmesh/vouchmesh/internal/config"
	"github.com/vouchmesh/vouchmesh/internal/metrics"
	"github.com/vouchmesh/vouchmesh/internal/persist"
	"github.com/vouchmesh/vouchmesh/internal/substrate"
	"github.com/vouchmesh/vouchmesh/pkg/bytesize"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Admin endpoint flags for status/commit/recover
	adminURL string
	outFile  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vouchmesh",
		Short: "VouchMesh - reciprocal persistence network node",
		Long: `VouchMesh keeps a node's encrypted state alive on the machines of
peers who have no reason to help. State is sealed with the node's
identity key, split into chunks and replicated to rendezvous-selected
holders who must prove possession on demand.

QUICK START:

  # Generate keys and an example config:
  vouchmesh init

  # Run the node:
  vouchmesh serve -c ~/.vouchmesh/config.yaml

  # Commit state and check replication health:
  vouchmesh commit state.bin
  vouchmesh status

  # After a total local loss, rebuild state from the network:
  vouchmesh recover --out state.bin`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the persistence node",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show persistence status",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&adminURL, "admin", "http://127.0.0.1:9490", "admin endpoint of the running node")
	rootCmd.AddCommand(statusCmd)

	commitCmd := &cobra.Command{
		Use:   "commit <file>",
		Short: "Seal and replicate a state file",
		Args:  cobra.ExactArgs(1),
		RunE:  runCommit,
	}
	commitCmd.Flags().StringVar(&adminURL, "admin", "http://127.0.0.1:9490", "admin endpoint of the running node")
	rootCmd.AddCommand(commitCmd)

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Rebuild state from the network after a local loss",
		RunE:  runRecover,
	}
	recoverCmd.Flags().StringVar(&adminURL, "admin", "http://127.0.0.1:9490", "admin endpoint of the running node")
	recoverCmd.Flags().StringVar(&outFile, "out", "", "write recovered state to this file (default stdout)")
	rootCmd.AddCommand(recoverCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate an identity key and example config",
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vouchmesh %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Go:         %s\n", runtime.Version())
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			candidate := filepath.Join(home, ".vouchmesh", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				path = candidate
			}
		}
	}
	if path == "" {
		path = "/etc/vouchmesh/config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	key, err := config.EnsureKeyPairExists(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("load identity key: %w", err)
	}
	nodeID := config.Fingerprint(key.Public().(ed25519.PublicKey))

	peerURLs := make([]string, 0, len(cfg.Peers))
	for _, url := range cfg.Peers {
		peerURLs = append(peerURLs, url)
	}

	sub, err := substrate.NewHTTP(substrate.HTTPConfig{
		NodeID:    nodeID,
		Listen:    cfg.Listen,
		DataDir:   cfg.DataDir,
		Peers:     peerURLs,
		Addresses: substrate.StaticBook(cfg.Peers),
		Logger:    log.Logger,
	})
	if err != nil {
		return fmt.Errorf("create substrate: %w", err)
	}

	nm := metrics.InitMetrics(cfg.Name)
	svc, err := persist.New(cfg, key, sub, nm, log.Logger)
	if err != nil {
		return fmt.Errorf("create persistence service: %w", err)
	}

	if err := sub.Start(); err != nil {
		return fmt.Errorf("start substrate: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	capacity, err := bytesize.Parse(cfg.Capacity)
	if err != nil {
		return fmt.Errorf("parse capacity: %w", err)
	}

	log.Info().
		Str("node", nodeID).
		Str("listen", cfg.Listen).
		Str("capacity", bytesize.Format(capacity)).
		Int("peers", len(cfg.Peers)).
		Msg("Joining the persistence network")
	if err := svc.Join(ctx, capacity); err != nil {
		return fmt.Errorf("join network: %w", err)
	}

	restoreHolderIndex(ctx, cfg, svc)

	if err := svc.Start(); err != nil {
		return fmt.Errorf("start persistence service: %w", err)
	}

	admin := newAdminServer(cfg.Metrics.Listen, svc)
	admin.Start()

	log.Info().Str("admin", cfg.Metrics.Listen).Msg("Node running")
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	svc.Stop()
	saveHolderIndex(cfg, svc)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	admin.Stop(shutdownCtx)
	if err := sub.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Substrate shutdown incomplete")
	}
	return nil
}

func holderIndexPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "held.json")
}

func restoreHolderIndex(ctx context.Context, cfg *config.Config, svc *persist.Service) {
	data, err := os.ReadFile(holderIndexPath(cfg))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Could not read held-chunk index")
		}
		return
	}
	if err := svc.RestoreHolderIndex(ctx, data); err != nil {
		log.Warn().Err(err).Msg("Could not restore held-chunk index")
	}
}

func saveHolderIndex(cfg *config.Config, svc *persist.Service) {
	data, err := svc.HolderIndex()
	if err != nil {
		log.Warn().Err(err).Msg("Could not export held-chunk index")
		return
	}
	if err := os.WriteFile(holderIndexPath(cfg), data, 0o600); err != nil {
		log.Warn().Err(err).Msg("Could not write held-chunk index")
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	setupLogging()

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("find home directory: %w", err)
	}
	dir := filepath.Join(home, ".vouchmesh")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	keyPath := filepath.Join(dir, "id_ed25519")
	key, err := config.EnsureKeyPairExists(keyPath)
	if err != nil {
		return fmt.Errorf("generate identity key: %w", err)
	}
	nodeID := config.Fingerprint(key.Public().(ed25519.PublicKey))

	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		example := fmt.Sprintf(`name: %s
private_key: %s
data_dir: %s
listen: ":9480"
capacity: 1GB

# Participant ID -> substrate base URL of known peers.
peers: {}

metrics:
  enabled: true
  listen: 127.0.0.1:9490
`, nodeID[:12], keyPath, filepath.Join(dir, "data"))
		if err := os.WriteFile(cfgPath, []byte(example), 0o600); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Wrote %s\n", cfgPath)
	}

	fmt.Printf("Identity: %s\n", nodeID)
	fmt.Printf("Key:      %s\n", keyPath)
	return nil
}

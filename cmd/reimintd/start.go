package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/reimint-labs/reimint/internal/config"
	nodecrypto "github.com/reimint-labs/reimint/internal/crypto"
	"github.com/reimint-labs/reimint/internal/node"
	"github.com/reimint-labs/reimint/internal/telemetry"
	"github.com/reimint-labs/reimint/internal/types"
	"github.com/reimint-labs/reimint/internal/walletkey"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Reimint node",
		RunE:  runStart,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("config", "", "path to config file (default: <home>/config.toml)")
	cmd.Flags().String("genesis", "", "path to genesis file (default: <home>/genesis.json)")
	cmd.Flags().String("log-level", "development", "log level: development or production")

	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	homeDir, _ := cmd.Flags().GetString("home")
	logLevel, _ := cmd.Flags().GetString("log-level")

	logger, err := telemetry.NewLogger(logLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = filepath.Join(homeDir, "config.toml")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !filepath.IsAbs(cfg.Storage.DBPath) {
		cfg.Storage.DBPath = filepath.Join(homeDir, cfg.Storage.DBPath)
	}
	if !filepath.IsAbs(cfg.Execution.WASMPath) {
		cfg.Execution.WASMPath = filepath.Join(homeDir, cfg.Execution.WASMPath)
	}

	key, err := walletkey.LoadOrGenerate(filepath.Join(homeDir, "node_key.json"))
	if err != nil {
		return fmt.Errorf("load node key: %w", err)
	}

	genesisPath, _ := cmd.Flags().GetString("genesis")
	if genesisPath == "" {
		genesisPath = filepath.Join(homeDir, "genesis.json")
	}

	valSet, err := loadGenesisValidators(genesisPath, key)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}

	n, err := node.NewNode(cfg, key, valSet, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	fmt.Println("Reimint node started. Press Ctrl+C to stop.")

	<-ctx.Done()
	fmt.Println("\nShutdown signal received...")

	return n.Stop()
}

func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config.DefaultConfig(), nil
		}
		return nil, err
	}

	cfg := config.DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadGenesisValidators loads the validator roster from the genesis
// file at path, falling back to a single-validator devnet roster built
// from key when no genesis file exists yet.
func loadGenesisValidators(path string, key *nodecrypto.KeyPair) (*types.ValidatorSet, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDevValidatorSet(key)
	}

	gen, err := config.LoadGenesis(path)
	if err != nil {
		return nil, err
	}
	return gen.ToValidatorSet()
}

func createDevValidatorSet(key *nodecrypto.KeyPair) (*types.ValidatorSet, error) {
	return types.NewValidatorSet([]*types.Validator{
		{
			Address:     key.Address,
			PublicKey:   key.PublicKeyBytes(),
			VotingPower: 100,
		},
	})
}

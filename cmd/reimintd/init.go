package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/reimint-labs/reimint/internal/config"
	nodecrypto "github.com/reimint-labs/reimint/internal/crypto"
	"github.com/reimint-labs/reimint/internal/walletkey"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [moniker]",
		Short: "Initialize a new Reimint node",
		Args:  cobra.ExactArgs(1),
		RunE:  runInit,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")
	cmd.Flags().String("chain-id", "reimint-devnet", "chain ID")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	moniker := args[0]
	homeDir, _ := cmd.Flags().GetString("home")
	chainID, _ := cmd.Flags().GetString("chain-id")

	dirs := []string{
		homeDir,
		filepath.Join(homeDir, "data"),
		filepath.Join(homeDir, "wasm"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	key, err := walletkey.Generate()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	keyPath := filepath.Join(homeDir, "node_key.json")
	if err := walletkey.Save(keyPath, key); err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	cfg.Moniker = moniker
	cfg.ChainID = chainID
	configPath := filepath.Join(homeDir, "config.toml")
	if err := writeConfig(configPath, cfg); err != nil {
		return err
	}

	genesisPath := filepath.Join(homeDir, "genesis.json")
	if err := writeGenesis(genesisPath, chainID, key); err != nil {
		return err
	}

	fmt.Printf("Initialized Reimint node\n")
	fmt.Printf("  Home:     %s\n", homeDir)
	fmt.Printf("  Address:  %s\n", key.Address.Hex())
	fmt.Printf("  Chain:    %s\n", chainID)
	fmt.Printf("  Moniker:  %s\n", moniker)
	fmt.Printf("\nStart with: reimintd start --home %s\n", homeDir)

	return nil
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func writeGenesis(path, chainID string, key *nodecrypto.KeyPair) error {
	gen := config.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: time.Now().UTC(),
		Validators: []config.GenesisValidator{
			{
				Address: key.Address.Hex(),
				PubKey:  hex.EncodeToString(key.PublicKeyBytes()),
				Power:   100,
				Name:    "validator-1",
			},
		},
		ConsensusParams: config.ConsensusParams{
			MaxBlockSize:  2 * 1024 * 1024,
			MaxBlockGas:   100_000_000,
			MaxValidators: 100,
		},
	}

	data, err := json.MarshalIndent(gen, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal genesis: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}
	return nil
}

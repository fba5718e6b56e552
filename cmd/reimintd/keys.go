package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/reimint-labs/reimint/internal/walletkey"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Key management commands",
	}

	cmd.AddCommand(keysGenerateCmd())
	cmd.AddCommand(keysShowCmd())

	return cmd
}

func keysGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new secp256k1 validator key",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			key, err := walletkey.Generate()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}

			if output != "" {
				if err := walletkey.Save(output, key); err != nil {
					return err
				}
				fmt.Printf("Key saved to %s\n", output)
			}

			fmt.Printf("Address:     %s\n", key.Address.Hex())
			return nil
		},
	}

	cmd.Flags().String("output", "", "file path to save the key (JSON format)")

	return cmd
}

func keysShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show node validator key information",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeDir, _ := cmd.Flags().GetString("home")
			keyPath := filepath.Join(homeDir, "node_key.json")

			key, err := walletkey.Load(keyPath)
			if err != nil {
				return fmt.Errorf("load key: %w", err)
			}

			fmt.Printf("Address:     %s\n", key.Address.Hex())
			return nil
		},
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")

	return cmd
}

package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/org/sealaudit/internal/crypto"
)

// keygenCmd prints a fresh Ed25519 wallet for local testing. The seed is
// what sealctl expects in its wallet_key setting.
func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 wallet keypair and address",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"address":    crypto.Address(crypto.FlagEd25519, pub),
				"public_key": crypto.EncodePublicKey(pub),
				"seed":       hex.EncodeToString(priv.Seed()),
			})
		},
	}
}

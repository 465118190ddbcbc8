package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/motion-ctl/fwinstall/pkg/errors"
	"github.com/motion-ctl/fwinstall/pkg/security"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 firmware signing key pair",
	Long: `Generate an Ed25519 key pair. The public key is what installers trust
(--key or trusted-key); keep the private key with the release tooling.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	pub, priv, err := security.GenerateKey()
	if err != nil {
		return errors.Wrap(err, "key generation failed")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "key id:      %s\n", security.KeyID(pub))
	fmt.Fprintf(out, "public key:  %s\n", hex.EncodeToString(pub))
	fmt.Fprintf(out, "private key: %s\n", hex.EncodeToString(priv.Seed()))
	return nil
}

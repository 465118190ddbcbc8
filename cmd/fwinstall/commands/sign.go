package commands

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/motion-ctl/fwinstall/pkg/errors"
	"github.com/motion-ctl/fwinstall/pkg/security"
	"github.com/motion-ctl/fwinstall/pkg/storage"
)

var (
	signKey     string
	signVersion string
	signOut     string
	signBundle  string
	signBoard   string
)

var signCmd = &cobra.Command{
	Use:   "sign <image>",
	Short: "Sign a firmware image",
	Long: `Sign a firmware image for a version. Writes a detached <image>.sig next to
the image, or with --bundle a .tar/.tar.gz/.tgz/.tar.zst bundle holding the
manifest, image and signature.`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().StringVar(&signKey, "key", "", "Hex-encoded Ed25519 private key or seed")
	signCmd.Flags().StringVar(&signVersion, "version", "", "Firmware version to sign")
	signCmd.Flags().StringVar(&signOut, "out", "", "Signature path (default <image>.sig)")
	signCmd.Flags().StringVar(&signBundle, "bundle", "", "Write a bundle archive to this path instead")
	signCmd.Flags().StringVar(&signBoard, "board", "", "Board name recorded in the bundle manifest")
	signCmd.MarkFlagRequired("key")
	signCmd.MarkFlagRequired("version")
}

func runSign(cmd *cobra.Command, args []string) error {
	imagePath := args[0]

	priv, err := security.ParsePrivateKey(signKey)
	if err != nil {
		return errors.Wrap(err, "invalid signing key")
	}

	image, err := os.ReadFile(imagePath)
	if err != nil {
		return errors.Wrap(err, "failed to read image")
	}

	sig, err := security.Sign(priv, signVersion, image)
	if err != nil {
		return errors.Wrap(err, "signing failed")
	}

	out := cmd.OutOrStdout()
	if signBundle != "" {
		f, err := os.Create(signBundle)
		if err != nil {
			return errors.Wrap(err, "failed to create bundle")
		}
		m := storage.Manifest{
			Version: signVersion,
			Board:   signBoard,
			Image:   filepath.Base(imagePath),
		}
		if err := storage.WriteBundle(f, signBundle, m, image, sig); err != nil {
			f.Close()
			os.Remove(signBundle)
			return errors.Wrap(err, "failed to write bundle")
		}
		if err := f.Close(); err != nil {
			return errors.Wrap(err, "failed to write bundle")
		}
		fmt.Fprintf(out, "✅ Wrote bundle %s (%s image, version %s)\n", signBundle, humanize.Bytes(uint64(len(image))), signVersion)
		return nil
	}

	sigPath := signOut
	if sigPath == "" {
		sigPath = imagePath + storage.SignatureSuffix
	}
	if err := os.WriteFile(sigPath, sig, 0644); err != nil {
		return errors.Wrap(err, "failed to write signature")
	}
	fmt.Fprintf(out, "✅ Wrote signature %s (version %s, key %s)\n", sigPath, signVersion, security.KeyID(priv.Public().(ed25519.PublicKey)))
	return nil
}

package main

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"darkpool/config"
	"darkpool/infra/cipher"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage x25519 keys for the cluster and the settlement authority",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate <file>",
	Short: "Write a new private key to file and print its public key",
	Args:  cobra.ExactArgs(1),
	RunE:  generateKey,
}

var keyShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Print the public key of a private key file",
	Args:  cobra.ExactArgs(1),
	RunE:  showKey,
}

func init() {
	keyCmd.AddCommand(keyGenerateCmd, keyShowCmd)
}

func generateKey(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("key at %s already exists", path)
	}
	priv, pub, err := cipher.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(priv.String()+"\n"), 0o600); err != nil {
		return errors.Wrapf(err, "write key %s", path)
	}
	fmt.Fprintln(cmd.OutOrStdout(), pub)
	return nil
}

func showKey(cmd *cobra.Command, args []string) error {
	priv, err := config.ReadKey(args[0])
	if err != nil {
		return err
	}
	pub, err := priv.Public()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), pub)
	return nil
}

package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate admin cookie keys",
		Long: `Generates random values for COOKIE_HASH_KEY and COOKIE_BLOCK_KEY,
which "calbooker server" requires to sign and encrypt the admin web
session cookie. Store them somewhere persistent: rotating the keys
logs every admin out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 64)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "# admin web session cookie keys for calbooker server")
			fmt.Fprintf(os.Stdout, "export COOKIE_HASH_KEY=%s\n", base64.StdEncoding.EncodeToString(buf[:32]))
			fmt.Fprintf(os.Stdout, "export COOKIE_BLOCK_KEY=%s\n", base64.StdEncoding.EncodeToString(buf[32:]))
			return nil
		},
	}
}

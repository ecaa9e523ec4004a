package cmd

import (
	"fmt"
	"log"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/wardenbot/warden/warden"
	"golang.org/x/term"
)

// passwordReader is a function type for reading secrets. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

// secretCmd hashes an API secret for use as WARDEN_API_SECRET. The plain
// secret is what IPC clients send as a bearer token; only the hash is
// stored in config.
var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Hash an API secret for use in the api.secret config field",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()

		if customPasswordReader == nil {
			customPasswordReader = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		var secret string
		for {
			fmt.Fprint(out, "Enter API secret: ")
			secretBytes, _ := customPasswordReader()
			secret = string(secretBytes)
			fmt.Fprintln(out)

			fmt.Fprint(out, "Confirm API secret: ")
			confirmBytes, _ := customPasswordReader()
			confirm := string(confirmBytes)
			fmt.Fprintln(out)

			if secret == confirm {
				break
			}
			fmt.Fprintln(out, "Secrets do not match. Please try again.")
		}

		hashed, err := warden.HashPassword(secret)
		if err != nil {
			log.Fatalf("Error hashing secret: %v", err)
		}
		fmt.Fprintln(out, hashed)
	},
}

func init() {
	rootCmd.AddCommand(secretCmd)
}

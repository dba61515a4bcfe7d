package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/config"
	"github.com/jmcleod/gatehouse/secrets"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage enrolled TOTP secrets",
	Long: `Commands that operate directly on the configured secrets backend.
Run them while the server is stopped, or use the admin routes of a running
server instead: a running server does not see changes made here until it
restarts.`,
}

var exportOutput string

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled usernames",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSecrets(cmd, func(store *secrets.Store) error {
			for _, username := range store.Usernames() {
				fmt.Fprintln(cmd.OutOrStdout(), username)
			}
			return nil
		})
	},
}

var secretsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every secret as a JSON object of username to secret",
	Long: `Writes every enrolled secret as a JSON object mapping username to base32
secret. The output can be restored with 'gatehouse secrets import'. It
contains live TOTP secrets: protect it like a password file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSecrets(cmd, func(store *secrets.Store) error {
			out := cmd.OutOrStdout()
			if exportOutput != "" && exportOutput != "-" {
				f, err := os.OpenFile(exportOutput, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(store.Export()); err != nil {
				return fmt.Errorf("writing export: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d secret(s)\n", store.Len())
			return nil
		})
	},
}

var secretsImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Load secrets from a JSON export, overwriting existing entries",
	Long: `Reads a JSON object mapping username to base32 secret (the output of
'gatehouse secrets export' or the admin export route) from file, or from
stdin when file is "-" or omitted. Existing secrets for the same usernames are
overwritten; others are kept.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		m, err := decodeSecrets(in)
		if err != nil {
			return err
		}
		return withSecrets(cmd, func(store *secrets.Store) error {
			if err := store.Load(cmd.Context(), m); err != nil {
				return fmt.Errorf("importing secrets: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d secret(s)\n", len(m))
			return nil
		})
	},
}

var secretsResetCmd = &cobra.Command{
	Use:   "reset <username>",
	Short: "Remove a user's secret so the next login enrols again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		if err := secrets.ValidateUsername(username); err != nil {
			return err
		}
		return withSecrets(cmd, func(store *secrets.Store) error {
			removed, err := store.Delete(cmd.Context(), username)
			if err != nil {
				return err
			}
			if removed {
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", username)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no secret enrolled\n", username)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(secretsCmd)
	secretsCmd.AddCommand(secretsListCmd, secretsExportCmd, secretsImportCmd, secretsResetCmd)
	secretsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to this file (mode 0600) instead of stdout")
}

// withSecrets opens the configured store, runs fn and closes the store.
func withSecrets(cmd *cobra.Command, fn func(*secrets.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Secrets.Backend == config.BackendMemory {
		return fmt.Errorf("secrets backend %q keeps nothing between runs", cfg.Secrets.Backend)
	}
	store, err := openSecrets(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// decodeSecrets accepts either a bare username to secret object or the
// admin export route's {"secrets": {...}} wrapper.
func decodeSecrets(r io.Reader) (map[string]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading secrets: %w", err)
	}
	var wrapped struct {
		Secrets map[string]string `json:"secrets"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Secrets != nil {
		return wrapped.Secrets, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing secrets: %w", err)
	}
	return m, nil
}

package cli

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"live-quiz-service/internal/auth"
)

const defaultAudience = "live-quiz"

// NewTokenCmd mints development credentials. Production issuers sign tokens elsewhere.
func NewTokenCmd(configPath *string) *cobra.Command {
	var (
		generate    bool
		privateKey  string
		subject     string
		displayName string
		roles       []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed credential for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if generate {
				pub, priv, err := ed25519.GenerateKey(rand.Reader)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "public_key:  %s\nprivate_key: %s\n",
					base64.StdEncoding.EncodeToString(pub),
					base64.StdEncoding.EncodeToString(priv))
				return nil
			}

			raw, err := base64.StdEncoding.DecodeString(privateKey)
			if err != nil || len(raw) != ed25519.PrivateKeySize {
				return fmt.Errorf("--private-key must be a base64 Ed25519 private key")
			}
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			audience := defaultAudience
			if cfg, err := loadConfig(*configPath); err == nil && cfg.Auth.Audience != "" {
				audience = cfg.Auth.Audience
			}

			now := time.Now()
			credential, err := auth.Mint(ed25519.PrivateKey(raw), &auth.Token{
				Subject:     subject,
				DisplayName: displayName,
				Roles:       roles,
				Audience:    audience,
				ID:          uuid.NewString(),
				IssuedAt:    now.Unix(),
				ExpiresAt:   now.Add(ttl).Unix(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, auth.EncodeCredential(credential))
			return nil
		},
	}
	cmd.Flags().BoolVar(&generate, "generate-key", false, "print a new Ed25519 key pair and exit")
	cmd.Flags().StringVar(&privateKey, "private-key", "", "base64 Ed25519 private key")
	cmd.Flags().StringVar(&subject, "subject", "", "participant id")
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"player"}, "granted roles (player, quizmaster)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "credential lifetime")
	return cmd
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psds-microservice/support-chat/internal/auth"
	"github.com/psds-microservice/support-chat/internal/config"
	"github.com/psds-microservice/support-chat/internal/errs"
	"github.com/psds-microservice/support-chat/internal/model"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with JWT_SECRET (local development)",
	RunE:  runToken,
}

var (
	tokenUser  string
	tokenRole  string
	tokenEmail string
)

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (required)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(model.RoleUser), "role: user or admin")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, args []string) error {
	role := model.Role(tokenRole)
	if !role.Valid() {
		return errs.ErrInvalidRole
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	tok, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTTTL).GenerateToken(tokenUser, tokenEmail, role)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}

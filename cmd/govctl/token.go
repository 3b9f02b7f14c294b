package main

import (
	"encoding/json"
	"errors"
	"time"

	"policygov/internal/auth"
	"policygov/internal/rbac"

	"github.com/spf13/cobra"
)

type tokenOptions struct {
	userID      string
	workspaceID string
	role        string
	agent       bool
}

func (o tokenOptions) identity() (auth.Identity, error) {
	if o.userID == "" || o.workspaceID == "" {
		return auth.Identity{}, errors.New("--user and --workspace are required")
	}
	id := auth.Identity{UserID: o.userID, WorkspaceID: o.workspaceID, Role: o.role, ActorType: auth.ActorHuman}
	if o.agent {
		id.ActorType = auth.ActorAgent
		if id.Role == "" {
			id.Role = rbac.RoleAgent
		}
	}
	if id.Role == "" {
		id.Role = rbac.RoleOwner
	}
	if id.IsAgent() && id.Role != rbac.RoleAgent {
		return auth.Identity{}, errors.New("agent tokens must carry the agent role")
	}
	return id, nil
}

func newTokenCmd() *cobra.Command {
	var opts tokenOptions
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token",
		Long: `Signs an access/refresh pair with JWT_SECRET. Intended for local and dev
environments; production callers authenticate through the identity provider.
The refresh token is exchanged at POST /v1/auth/refresh, which re-derives the
role from the workspace (owner, member or agent).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadEnv()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return errors.New("refusing to mint tokens in production")
			}
			id, err := opts.identity()
			if err != nil {
				return err
			}
			m, err := auth.NewManager(cfg.Auth)
			if err != nil {
				return err
			}
			pair, err := m.IssuePair(time.Now(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"access_token":  pair.AccessToken,
				"refresh_token": pair.RefreshToken,
			})
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user", "", "Subject user or agent id")
	cmd.Flags().StringVar(&opts.workspaceID, "workspace", "", "Workspace id")
	cmd.Flags().StringVar(&opts.role, "role", "", "Role claim (default owner, or agent with --agent)")
	cmd.Flags().BoolVar(&opts.agent, "agent", false, "Mint an agent identity")
	return cmd
}

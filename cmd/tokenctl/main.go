package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"podstrip/internal/adapters/repo"
	"podstrip/internal/domain"
	"podstrip/internal/infra/config"
	"podstrip/internal/infra/db"
	authusecase "podstrip/internal/usecase/auth"
)

// tokenctl — операторская утилита для выпуска, отзыва и просмотра токенов
// доступа к фидам. Работает напрямую с БД, без HTTP API.
func main() {
	root := &cobra.Command{
		Use:           "tokenctl",
		Short:         "Manage feed access tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMintCommand())
	root.AddCommand(newRevokeCommand())
	root.AddCommand(newListCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newAuthService() (*authusecase.Service, config.AppConfig, func(), error) {
	cfg := config.Load()
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		return nil, cfg, nil, fmt.Errorf("подключение к БД: %w", err)
	}
	service := authusecase.NewService(repo.NewPostgres(pool), nil)
	return service, cfg, pool.Close, nil
}

func newMintCommand() *cobra.Command {
	var userID int64
	var feedID int64
	var combined bool

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Issue (or reuse) an access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if combined && feedID != 0 {
				return fmt.Errorf("--combined и --feed взаимоисключающие")
			}
			if !combined && feedID == 0 {
				return fmt.Errorf("укажите --feed или --combined")
			}
			service, cfg, closeFn, err := newAuthService()
			if err != nil {
				return err
			}
			defer closeFn()

			var token domain.CapabilityToken
			if combined {
				token, err = service.EnsureCombinedToken(userID)
			} else {
				token, err = service.EnsureFeedToken(userID, feedID)
			}
			if err != nil {
				return fmt.Errorf("выпуск токена: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "token_id: %s\n", token.TokenID)
			fmt.Fprintf(out, "secret:   %s\n", token.Secret)
			if token.IsCombined() {
				fmt.Fprintln(out, "scope:    combined (read-only)")
			} else {
				fmt.Fprintf(out, "scope:    feed %d\n", *token.FeedID)
				fmt.Fprintf(out, "trigger:  %s\n", triggerURL(cfg.BaseURL, token))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "Owner user id")
	cmd.Flags().Int64Var(&feedID, "feed", 0, "Feed id for a feed-scoped token")
	cmd.Flags().BoolVar(&combined, "combined", false, "Issue the combined read-only token")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token_id>",
		Short: "Revoke an access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _, closeFn, err := newAuthService()
			if err != nil {
				return err
			}
			defer closeFn()

			if err := service.Revoke(args[0]); err != nil {
				return fmt.Errorf("отзыв токена: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token %s revoked\n", args[0])
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _, closeFn, err := newAuthService()
			if err != nil {
				return err
			}
			defer closeFn()

			tokens, err := service.List(userID)
			if err != nil {
				return fmt.Errorf("список токенов: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(tokens) == 0 {
				fmt.Fprintln(out, "No tokens")
				return nil
			}
			for _, token := range tokens {
				scope := "combined"
				if token.FeedID != nil {
					scope = "feed " + strconv.FormatInt(*token.FeedID, 10)
				}
				state := "active"
				if token.Revoked {
					state = "revoked"
				}
				lastUsed := "never"
				if token.LastUsedAt != nil {
					lastUsed = token.LastUsedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%s  %-10s  %-8s  last used %s\n", token.TokenID, scope, state, lastUsed)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "Owner user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// triggerURL собирает ссылку запуска обработки без GUID: GUID конкретного
// эпизода подставляет генератор фида.
func triggerURL(baseURL string, token domain.CapabilityToken) string {
	values := url.Values{}
	values.Set("feed_token", token.TokenID)
	values.Set("feed_secret", token.Secret)
	return baseURL + "/trigger?guid={episode_guid}&" + values.Encode()
}

package cli

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/NForce-ai/SDRbot/internal/app"
	"github.com/NForce-ai/SDRbot/pkg/credential"
	"github.com/NForce-ai/SDRbot/pkg/hooks"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage stored service credentials",
}

var authSetKeyCmd = &cobra.Command{
	Use:   "set-key <service>",
	Short: "Store an API key; read from stdin when --key is omitted",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthSetKey,
}

var authSetTokenCmd = &cobra.Command{
	Use:   "set-token <service>",
	Short: "Store an OAuth2 token pair obtained out of band",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthSetToken,
}

var authRefreshCmd = &cobra.Command{
	Use:   "refresh <service>",
	Short: "Exchange the stored refresh token for a new access token",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthRefresh,
}

var authRevokeCmd = &cobra.Command{
	Use:   "revoke <service>",
	Short: "Delete the stored credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthRevoke,
}

var (
	apiKey       string
	accessToken  string
	refreshToken string
	expiresIn    time.Duration
)

func init() {
	authSetKeyCmd.Flags().StringVar(&apiKey, "key", "", "API key (prefer stdin to keep it out of shell history)")
	authSetTokenCmd.Flags().StringVar(&accessToken, "access-token", "", "OAuth2 access token")
	authSetTokenCmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth2 refresh token")
	authSetTokenCmd.Flags().DurationVar(&expiresIn, "expires-in", time.Hour, "access token lifetime")

	authCmd.AddCommand(authSetKeyCmd, authSetTokenCmd, authRefreshCmd, authRevokeCmd)
	rootCmd.AddCommand(authCmd)
}

func runAuthSetKey(cmd *cobra.Command, args []string) error {
	key := apiKey
	if key == "" {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read API key: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	return storeCredential(cmd, args[0], credential.Credential{AccessToken: key})
}

func runAuthSetToken(cmd *cobra.Command, args []string) error {
	if accessToken == "" && refreshToken == "" {
		return fmt.Errorf("--access-token or --refresh-token is required")
	}
	cred := credential.Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	}
	if accessToken != "" && expiresIn > 0 {
		cred.Expiry = time.Now().Add(expiresIn)
	}
	return storeCredential(cmd, args[0], cred)
}

func storeCredential(cmd *cobra.Command, key string, cred credential.Credential) error {
	a, err := openApp(cmd, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Credentials.Put(cmd.Context(), key, cred); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Credential stored for %s\n", key)
	return nil
}

func runAuthRefresh(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	cred, err := a.Credentials.Refresh(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if cred.Expiry.IsZero() {
		fmt.Fprintf(out, "Credential refreshed for %s\n", args[0])
		return nil
	}
	fmt.Fprintf(out, "Credential refreshed for %s, expires in %s\n", args[0], formatDuration(cred.Expiry.Sub(a.Now())))
	return nil
}

func runAuthRevoke(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Credentials.Revoke(cmd.Context(), args[0]); err != nil {
		return err
	}
	a.Hooks.Fire(cmd.Context(), hooks.EventCredentialRevoked, map[string]interface{}{"service": args[0]})
	fmt.Fprintf(cmd.OutOrStdout(), "Credential revoked for %s\n", args[0])
	return nil
}

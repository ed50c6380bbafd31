package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonathan/lead-pipeline/internal/config"
	"github.com/jonathan/lead-pipeline/internal/lifecycle"
	"github.com/jonathan/lead-pipeline/internal/server"
	"github.com/jonathan/lead-pipeline/internal/server/middleware"
	"github.com/jonathan/lead-pipeline/internal/transport"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate and hash the keys exchanged for bearer tokens",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a random key and print it with its hash",
	Long: `Generates a random key. Hand the key to the operator or transport provider
and put the hash in AUTH_OPERATOR_KEY_HASH or AUTH_TRANSPORT_KEY_HASH.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		keys, err := config.NewKeyConfig()
		if err != nil {
			return err
		}
		key, err := config.GenerateKey()
		if err != nil {
			return err
		}
		hash, err := keys.HashKey(key)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "key:  %s\n", key)
		_, _ = fmt.Fprintf(out, "hash: %s\n", hash)
		return nil
	},
}

var keysHashCmd = &cobra.Command{
	Use:   "hash [key]",
	Short: "Hash an existing key (read from stdin when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := ""
		if len(args) == 1 {
			key = args[0]
		} else {
			line, err := readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
			key = line
		}
		if len(key) < 16 {
			return fmt.Errorf("key must be at least 16 characters")
		}

		keys, err := config.NewKeyConfig()
		if err != nil {
			return err
		}
		hash, err := keys.HashKey(key)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var tokenRole string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with JWT_SECRET",
	RunE: func(cmd *cobra.Command, _ []string) error {
		jwtCfg, err := config.NewJWTConfig()
		if err != nil {
			return err
		}
		token, err := server.NewJWTService(jwtCfg).GenerateToken(tokenRole)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var mailboxCmd = &cobra.Command{
	Use:   "mailbox",
	Short: "Manage the bounce mailbox",
}

var mailboxPasswordCmd = &cobra.Command{
	Use:   "set-password",
	Short: "Store the IMAP password in the OS keychain (read from stdin)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		mcfg := cfg.MailboxConfig()
		if !mcfg.Enabled() {
			return fmt.Errorf("mailbox.addr and mailbox.username must be configured")
		}
		password, err := readLine(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if err := transport.StorePassword(mcfg, password); err != nil {
			return fmt.Errorf("failed to store password: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stored password for %s@%s\n", mcfg.Username, mcfg.Addr)
		return nil
	},
}

var mailboxPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll the mailbox once and apply any bounces",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		p, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer p.Stop()

		if p.Bounces == nil {
			return fmt.Errorf("mailbox.addr and mailbox.username must be configured")
		}
		n, err := p.Bounces.PollOnce(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Applied %d bounce events\n", n)
		return nil
	},
}

var webhookFile string

var replayCmd = &cobra.Command{
	Use:   "replay-webhook",
	Short: "Apply a saved transport webhook body",
	Long: `Validates and applies a transport webhook body read from --file (or stdin).
Events are idempotent, so replaying an already processed body changes nothing.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		body, err := readInput(cmd.InOrStdin(), webhookFile)
		if err != nil {
			return err
		}
		p, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer p.Stop()

		if err := p.Schemas.Webhook(body); err != nil {
			return err
		}
		return applyWebhook(ctx, cmd.OutOrStdout(), p.Lifecycle, body)
	},
}

// applyWebhook applies every event of a webhook body and prints the outcomes.
func applyWebhook(ctx context.Context, out io.Writer, lc *lifecycle.Machine, body []byte) error {
	events, skipped, err := transport.ParseWebhook(body)
	if err != nil {
		return err
	}
	outcomes := make(map[lifecycle.Outcome]int)
	var errs []error
	for _, ev := range events {
		outcome, err := lc.ApplyEngagementEvent(ctx, ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.DedupeKey(), err))
			continue
		}
		outcomes[outcome]++
	}
	_, _ = fmt.Fprintf(out, "Received %d events, skipped %d\n", len(events), skipped)
	for outcome, n := range outcomes {
		_, _ = fmt.Fprintf(out, "  %s: %d\n", outcome, n)
	}
	return errors.Join(errs...)
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", middleware.RoleOperator, "Token role: operator or transport")
	replayCmd.Flags().StringVarP(&webhookFile, "file", "f", "", "Path to the webhook body (defaults to stdin)")

	keysCmd.AddCommand(keysGenerateCmd, keysHashCmd)
	mailboxCmd.AddCommand(mailboxPasswordCmd, mailboxPollCmd)
	rootCmd.AddCommand(keysCmd, tokenCmd, mailboxCmd, replayCmd)
}

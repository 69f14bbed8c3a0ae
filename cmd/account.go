package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-backup/model"
)

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Sign in and show the current user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			user, err := e.client.GetCurrentUser(cmd.Context())
			if err != nil {
				return fmt.Errorf("graph.GetCurrentUser: %w", err)
			}
			printUser(cmd.OutOrStdout(), user)
			return nil
		},
	}
}

func printUser(w io.Writer, user model.User) {
	fmt.Fprintf(w, "Hello, %s!\n", user.DisplayName)
	// personal accounts have no mail property
	email := user.Mail
	if email == "" {
		email = user.UserPrincipalName
	}
	fmt.Fprintf(w, "Email: %s\n", email)
}

func newPreviewCmd() *cobra.Command {
	var (
		limit   int
		orderBy string
		all     bool
	)
	c := &cobra.Command{
		Use:   "preview",
		Short: "List the newest inbox messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			e, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			var msgs []model.Message
			if all {
				msgs, err = e.client.GetAllMessages(cmd.Context())
			} else {
				msgs, err = e.client.GetInboxPreview(cmd.Context(), limit, orderBy)
			}
			if err != nil {
				return fmt.Errorf("graph: %w", err)
			}
			return printMessages(cmd.OutOrStdout(), msgs, all)
		},
	}
	c.Flags().IntVar(&limit, "limit", 2, "Number of inbox messages to list")
	c.Flags().StringVar(&orderBy, "order-by", "receivedDateTime", "Property to sort by, newest first")
	c.Flags().BoolVar(&all, "all", false, "List the first page of all mail with plain-text bodies instead")
	return c
}

func printMessages(w io.Writer, msgs []model.Message, withBody bool) error {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return nil
	}

	if withBody {
		for _, m := range msgs {
			fmt.Fprintf(w, "Message: %s\n", m.Subject)
			fmt.Fprintf(w, "  Preview: %s\n", m.BodyPreview)
			fmt.Fprintf(w, "  Body: %s\n", m.Body)
		}
		return nil
	}

	data := pterm.TableData{{"From", "Read", "Received", "Subject"}}
	for _, m := range msgs {
		received := ""
		if !m.ReceivedAt.IsZero() {
			received = m.ReceivedAt.Local().Format(time.RFC822)
		}
		data = append(data, []string{m.From.String(), fmt.Sprint(m.IsRead), received, m.Subject})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(w).Render()
}

func newTokenCmd() *cobra.Command {
	var clearCache bool
	c := &cobra.Command{
		Use:   "token",
		Short: "Print the bearer token for Microsoft Graph, or forget the cached one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if clearCache {
				if err := e.session.SignOut(); err != nil {
					return fmt.Errorf("clear token cache: %w", err)
				}
				pterm.Success.WithWriter(cmd.ErrOrStderr()).Println("Cached token removed")
				return nil
			}

			tok, err := e.session.Token()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User token: %s\n", tok.AccessToken)
			return nil
		},
	}
	c.Flags().BoolVar(&clearCache, "clear", false, "Remove the cached token instead of printing one")
	return c
}

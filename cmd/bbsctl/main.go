// cmd/bbsctl is a command-line client for the BBS message service,
// talking to one message server's client-facing RPC endpoint.
//
// Example:
//
//	bbsctl --server http://localhost:8080 login alice
//	bbsctl --server http://localhost:8080 channel geral
//	bbsctl --server http://localhost:8080 publish alice geral "oi pessoal"
//	bbsctl --server http://localhost:8080 history geral
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"distributed-bbs/internal/bbsclient"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "bbsctl",
		Short: "Command-line client for the distributed BBS message service",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "Message server base address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	root.AddCommand(
		loginCmd(),
		usersCmd(),
		channelCmd(),
		channelsCmd(),
		publishCmd(),
		messageCmd(),
		historyCmd(),
		privateHistoryCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *bbsclient.Client {
	return bbsclient.New(serverAddr, timeout)
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <user>",
		Short: "Register a user with the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := newClient().Login(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("logged in as %s\n", args[0])
			return nil
		},
	}
}

func usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List logged-in users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			users, err := newClient().Users(ctx)
			if err != nil {
				return err
			}
			return prettyPrint(users)
		},
	}
}

func channelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channel <name>",
		Short: "Create a broadcast channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := newClient().CreateChannel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("channel %s created\n", args[0])
			return nil
		},
	}
}

func channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			channels, err := newClient().Channels(ctx)
			if err != nil {
				return err
			}
			return prettyPrint(channels)
		},
	}
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <user> <channel> <message>",
		Short: "Publish a message to a channel",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return newClient().Publish(ctx, args[0], args[1], args[2])
		},
	}
}

func messageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "message <src> <dst> <message>",
		Short: "Send a private message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return newClient().Message(ctx, args[0], args[1], args[2])
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <channel>",
		Short: "Show the most recent messages in a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			msgs, err := newClient().GetHistory(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return prettyPrint(msgs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of messages to return")
	return cmd
}

func privateHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "private-history <user>",
		Short: "Show a user's most recent private messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			msgs, err := newClient().GetPrivateHistory(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return prettyPrint(msgs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of messages to return")
	return cmd
}

func prettyPrint(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentmesh/internal/config"
	"github.com/nextlevelbuilder/agentmesh/internal/signals"
)

func signalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Signal rendezvous operations",
	}
	cmd.AddCommand(signalSendCmd())
	cmd.AddCommand(signalWaitCmd())
	cmd.AddCommand(signalWaitAnyCmd())
	cmd.AddCommand(signalWaitAllCmd())
	return cmd
}

func signalSendCmd() *cobra.Command {
	var (
		conversation string
		payloadJSON  string
	)
	cmd := &cobra.Command{
		Use:   "send <topic>",
		Short: "Send a signal on a topic",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s := buildSignaler(conversation)
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					slog.Error("invalid payload JSON", "error", err)
					os.Exit(1)
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			res, err := s.Send(ctx, args[0], payload)
			exitOnSignalError(err)
			printJSON(res)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation to mirror the signal onto")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "payload as a JSON object")
	return cmd
}

func signalWaitCmd() *cobra.Command {
	var (
		conversation string
		lastID       string
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait <topic>",
		Short: "Wait for one signal on a topic",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s := buildSignaler(conversation)
			ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
			defer cancel()
			res, err := s.Wait(ctx, args[0], lastID, timeout)
			exitOnSignalError(err)
			printJSON(res)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation whose cursor table to use")
	cmd.Flags().StringVar(&lastID, "last-id", "", "explicit cursor to resume after")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait")
	return cmd
}

func signalWaitAnyCmd() *cobra.Command {
	var (
		conversation string
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait-any <topic>...",
		Short: "Wait for the first signal on any of the topics",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s := buildSignaler(conversation)
			ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
			defer cancel()
			res, err := s.WaitAny(ctx, args, nil, timeout)
			exitOnSignalError(err)
			printJSON(res)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation whose cursor table to use")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait")
	return cmd
}

func signalWaitAllCmd() *cobra.Command {
	var (
		conversation string
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait-all <topic>...",
		Short: "Wait for one signal on every topic",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s := buildSignaler(conversation)
			ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
			defer cancel()
			res, err := s.WaitAll(ctx, args, nil, timeout)
			exitOnSignalError(err)
			printJSON(res)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation whose cursor table to use")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait")
	return cmd
}

func buildSignaler(conversation string) *signals.Signaler {
	setupLogging()
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	b, err := connectBus(cfg)
	if err != nil {
		slog.Error("bus connect failed", "url", cfg.Redis.URL, "error", err)
		os.Exit(1)
	}
	return signals.New(b, signals.Options{
		Prefix:         cfg.Signals.TopicPrefix,
		PayloadCap:     cfg.Signals.PayloadCapBytes,
		ConversationID: conversation,
	})
}

func exitOnSignalError(err error) {
	if err != nil {
		slog.Error("signal operation failed", "error", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("encode result failed", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

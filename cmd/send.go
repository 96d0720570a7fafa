package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentmesh/internal/config"
	"github.com/nextlevelbuilder/agentmesh/internal/model"
	"github.com/nextlevelbuilder/agentmesh/internal/routing"
)

func sendCmd() *cobra.Command {
	var (
		conversation string
		sender       string
		recipient    string
		msgType      string
		metadataJSON string
	)
	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Publish a message envelope onto the bus",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runSend(conversation, sender, recipient, msgType, metadataJSON, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id (required)")
	cmd.Flags().StringVar(&sender, "sender", "user:cli", "sender identity")
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient, e.g. agent:DevAgent or user:alice (required)")
	cmd.Flags().StringVar(&msgType, "type", model.TypeMessage, "envelope type (message or control)")
	cmd.Flags().StringVar(&metadataJSON, "metadata", "", "metadata as a JSON object")
	cmd.MarkFlagRequired("conversation")
	cmd.MarkFlagRequired("recipient")
	return cmd
}

func runSend(conversation, sender, recipient, msgType, metadataJSON, text string) {
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

	env := model.NewEnvelope(conversation, sender, recipient, msgType, text)
	if metadataJSON != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(metadataJSON), &meta); err != nil {
			slog.Error("invalid metadata JSON", "error", err)
			os.Exit(1)
		}
		env.Metadata = meta
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic, err := routing.NewSender(b).Send(ctx, env)
	if err != nil {
		slog.Error("send failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("sent %s to %s\n", env.ID, topic)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	wavelink "github.com/wavelink-im/wavelink-go"
)

var (
	flagGroup bool
	flagLimit int
)

func init() {
	sendCmd.Flags().BoolVarP(&flagGroup, "group", "g", false, "target is a group id")
	historyCmd.Flags().BoolVarP(&flagGroup, "group", "g", false, "target is a group id")
	historyCmd.Flags().IntVarP(&flagLimit, "limit", "n", 30, "messages per page")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(convosCmd)
	rootCmd.AddCommand(watchCmd)
}

func parseKey(arg string) (int, error) {
	key, err := strconv.Atoi(arg)
	if err != nil || key <= 0 {
		return 0, fmt.Errorf("conversation key must be a positive integer, got %q", arg)
	}
	return key, nil
}

func targetType() wavelink.TargetType {
	if flagGroup {
		return wavelink.TargetGroup
	}
	return wavelink.TargetPrivate
}

var sendCmd = &cobra.Command{
	Use:   "send <key> <message>",
	Short: "Send a message",
	Long:  "Send a text message to a peer (or a group with --group).\nExample: wavelink send 42 \"hello there\"",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}

		engine := getEngine()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		defer engine.Stop()

		msg, err := engine.SendText(ctx, key, targetType(), args[1])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent message %s\n", msg.ID)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <key>",
	Short: "Show cached message history for a conversation",
	Long:  "Print the locally cached log for a conversation, fetching a page from the server when the cache is empty.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}

		engine := getEngine()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		defer engine.Stop()

		if err := engine.OpenConversation(ctx, key, targetType()); err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}

		msgs := engine.Messages(key)
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		if len(msgs) > flagLimit {
			msgs = msgs[len(msgs)-flagLimit:]
		}
		for _, m := range msgs {
			ts := time.UnixMilli(m.CreatedAtMs).Format("2006-01-02 15:04")
			status := ""
			if m.Status != "" && m.Status != wavelink.MessageConfirmed {
				status = " [" + m.Status + "]"
			}
			fmt.Printf("%s  uid %d%s: %s\n", ts, m.SenderUID, status, m.Content)
		}
		if engine.HasMore(key) {
			fmt.Println("(older history available)")
		}
		return nil
	},
}

var convosCmd = &cobra.Command{
	Use:   "convos",
	Short: "List conversations",
	Long:  "Print the conversation list: pinned first, newest activity first, with unread badges.",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		defer engine.Stop()

		convos := engine.Conversations()
		if len(convos) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convos {
			badges := ""
			if c.Pinned {
				badges += " [pin]"
			}
			if c.Muted {
				badges += " [mute]"
			}
			if c.Unread > 0 {
				badges += fmt.Sprintf(" (%d)", c.Unread)
			}
			if c.Online {
				badges += " *"
			}
			name := c.Name
			if name == "" {
				name = fmt.Sprintf("#%d", c.Key)
			}
			fmt.Printf("%-20s %s  %s%s\n", name, c.Preview.Time, c.Preview.Text, badges)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream realtime events to the terminal",
	Long:  "Connect to the push channel and print incoming messages, presence changes, and connection events until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := getEngine()

		engine.On("message", func(_ string, payload any) {
			m, ok := payload.(wavelink.Message)
			if !ok {
				return
			}
			ts := time.UnixMilli(m.CreatedAtMs).Format("15:04:05")
			fmt.Printf("[%s] uid %d: %s\n", ts, m.SenderUID, m.Content)
		})
		engine.On("presence", func(string, any) {
			fmt.Println("-- presence updated --")
		})
		engine.Realtime().OnConnected(func() {
			fmt.Println("-- connected --")
		})
		engine.Realtime().OnDisconnected(func(reason string) {
			fmt.Printf("-- disconnected: %s --\n", reason)
		})
		engine.Realtime().OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("-- reconnecting (attempt %d) in %s --\n", attempt, delay)
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		defer engine.Stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("Shutting down.")
		return nil
	},
}

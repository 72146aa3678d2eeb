// relaytail follows one conversation through the relay. Lines typed on stdin
// are sent as text messages; /more loads older history, /read marks the
// conversation read and /quit exits.
package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/reconciler"
	"wuzapi-relay/internal/relayclient"
	"wuzapi-relay/pkg/logger"
)

func main() {
	server := flag.String("server", envOrDefault("RELAY_URL", "http://127.0.0.1:8080"), "relay base URL")
	conversationID := flag.String("conversation", "", "conversation ID to follow")
	userID := flag.String("user", strings.TrimSpace(os.Getenv("RELAY_USER")), "user ID sent as X-User-Id")
	timeout := flag.Duration("timeout", 35*time.Second, "per-request timeout")
	logLevel := flag.String("log-level", envOrDefault("LOG_LEVEL", "warn"), "log level")
	flag.Parse()

	logger.InitLogger(*logLevel, "console")

	if strings.TrimSpace(*conversationID) == "" {
		log.Fatal().Msg("conversation is required (--conversation)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := relayclient.New(*server, *userID, *timeout)
	view, err := reconciler.Open(ctx, *conversationID, client, client, reconciler.Options{})
	if err != nil {
		log.Fatal().Err(err).Str("conversationID", *conversationID).Msg("Failed to open conversation")
	}
	defer view.Close()

	if _, err := client.MarkRead(ctx, *conversationID); err != nil {
		log.Warn().Err(err).Msg("Failed to mark conversation read")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	out := newPrinter(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return

		case <-view.Done():
			return

		case <-view.Updates():
			conv, _ := view.Conversation()
			out.render(view.Messages(), conv, view.HasMore())

		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
			case "/quit":
				return
			case "/more":
				if !view.LoadMore() {
					out.notice("nothing more to load")
				}
			case "/read":
				if _, err := client.MarkRead(ctx, *conversationID); err != nil {
					out.notice("mark read failed: " + err.Error())
				}
			default:
				go func(text string) {
					if _, err := view.Send(ctx, client, text); err != nil {
						log.Warn().Err(err).Msg("Send failed")
					}
				}(line)
			}
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livethread/internal/auth"
	"livethread/internal/client"
	"livethread/internal/logger"
	"livethread/internal/model"
	"livethread/internal/reconciler"
)

// watch follows one user's live stream in the terminal.
//
//	LIVETHREAD_URL=http://localhost:8080 LIVETHREAD_TOKEN=... watch [conversationId]
//
// With a conversation id, lines typed on stdin are sent to it.
func main() {
	_ = godotenv.Load()

	zlog, err := logger.New(os.Getenv("ENV") == "development")
	if err != nil {
		log.Fatalf("❌ Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	baseURL := os.Getenv("LIVETHREAD_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("LIVETHREAD_TOKEN")
	if token == "" {
		zlog.Fatal("❌ LIVETHREAD_TOKEN is required")
	}
	me, err := auth.UserFromToken(token)
	if err != nil {
		zlog.Fatal("❌ LIVETHREAD_TOKEN is not a user token", zap.Error(err))
	}

	var convID string
	if len(os.Args) > 1 {
		convID = os.Args[1]
	}

	if err := run(baseURL, token, me, convID, zlog); err != nil {
		zlog.Fatal("❌ watch stopped", zap.Error(err))
	}
}

func run(baseURL, token, me, convID string, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := client.New(baseURL, token, nil, zlog.Named("client"))
	if err != nil {
		return err
	}

	var conn *reconciler.Conn
	conn = reconciler.New(me, api, api, reconciler.Options{
		OnEvent: printEvent,
		OnState: func(s reconciler.State) {
			fmt.Printf("-- %s\n", s)
			// open follows a completed resync
			if s == reconciler.StateOpen {
				fmt.Printf("-- %d unread\n", conn.Unread().Total)
			}
		},
	}, zlog.Named("reconciler"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.Run(gctx) })

	if convID != "" {
		view, err := conn.Open(ctx, convID)
		if err != nil {
			return fmt.Errorf("open %s: %w", convID, err)
		}
		for _, msg := range view.Messages() {
			printMessage(msg)
		}
		if err := conn.Focus(ctx, convID); err != nil {
			zlog.Warn("focus failed", zap.Error(err))
		}
		g.Go(func() error { return readInput(gctx, view) })
	}

	return g.Wait()
}

// readInput sends each stdin line; a failed send is retried once
func readInput(ctx context.Context, view *reconciler.View) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			item, err := view.Send(ctx, line)
			if err == nil {
				continue
			}
			if _, err := view.Retry(ctx, item.Message.ClientID); err != nil {
				content, _ := view.Discard(item.Message.ClientID)
				fmt.Printf("!! not sent: %q (%v)\n", content, err)
			}
		}
	}
}

func printEvent(ev model.Event) {
	switch p := ev.Payload.(type) {
	case model.MessageAppended:
		printMessage(p.Message)
	case model.ReadUpdated:
		fmt.Printf("   %s read %s up to #%d\n", p.ReaderID, p.ConversationID, p.Cursor)
	case model.TypingChanged:
		if p.IsTyping {
			fmt.Printf("   %s is typing in %s\n", p.UserID, p.ConversationID)
		}
	case model.ConversationStarted:
		fmt.Printf("-- new conversation %s with %s\n", p.ConversationID, strings.Join(p.Conversation.Participants, ", "))
	}
}

func printMessage(msg model.Message) {
	fmt.Printf("[%s] #%d %s: %s\n", msg.CreatedAt.Format("15:04:05"), msg.ID, msg.SenderID, msg.Content)
}

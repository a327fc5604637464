// chat-cli is a minimal terminal client over the SDK: log in against a
// devserver, open one conversation and exchange messages interactively.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	client "github.com/messenger/client"
	"github.com/messenger/client/internal/chat"
	"github.com/messenger/client/internal/config"
	"github.com/messenger/client/internal/gateway"
	"github.com/messenger/client/internal/logger"
	"github.com/messenger/client/internal/model"
)

func main() {
	logger.SetPrefix("chat-cli")
	login := flag.String("login", "", "register a dev session for this username and exit")
	create := flag.String("create-chat", "", "create a chat with this name and exit")
	chatID := flag.String("chat", "", "conversation id to open")
	flag.Parse()

	cfg := config.Load()
	ctx := context.Background()

	c, err := client.New(ctx, cfg)
	if err != nil {
		fatal("init: %v", err)
	}
	defer c.Close(ctx)

	if *login != "" {
		if err := c.DevLogin(ctx, *login); err != nil {
			fatal("login: %v", err)
		}
		fmt.Printf("logged in as %s\n", *login)
		return
	}

	if *create != "" {
		var created model.Chat
		body := map[string]any{"name": *create}
		if err := c.Gateway().JSON(ctx, http.MethodPost, "/chats", body, &created, gateway.Options{}); err != nil {
			fatal("create chat: %v", err)
		}
		fmt.Printf("created chat %s (%s)\n", created.Name, created.ID)
		return
	}

	if *chatID == "" {
		fatal("usage: chat-cli -login <name> | -create-chat <name> | -chat <id>")
	}

	if err := c.Connect(ctx); err != nil {
		fatal("connect: %v", err)
	}

	ctrl := c.OpenChat(*chatID)
	defer ctrl.Close(ctx)
	ctrl.SetOnError(func(err error) {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
	})
	ctrl.SetOnTyping(func(userID string) {
		fmt.Printf("… %s is typing\n", shortID(userID))
	})

	lastShown := 0
	ctrl.SetOnChange(func() {
		msgs := ctrl.Messages()
		for ; lastShown < len(msgs); lastShown++ {
			m := msgs[lastShown]
			mark := ""
			if m.Pending {
				mark = " (sending)"
			}
			fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Format("15:04:05"), shortID(m.SenderID), m.Content, mark)
		}
	})

	if err := ctrl.Load(ctx); err != nil {
		fatal("load: %v", err)
	}
	fmt.Printf("joined %q (%d participants, status %s)\n", ctrl.Chat().Name, len(ctrl.Roster()), ctrl.Status())
	fmt.Println("type a message, or: /react <msg-id> <emoji>, /del <msg-id>, /edit <msg-id> <text>, /quit")

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if strings.HasPrefix(line, "/") {
			runCommand(ctx, ctrl, line)
			continue
		}
		ctrl.SetDraft(line)
		if err := ctrl.Send(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "! send: %v\n", err)
		}
	}
}

func runCommand(ctx context.Context, ctrl *chat.Controller, line string) {
	parts := strings.SplitN(line, " ", 3)
	switch parts[0] {
	case "/react":
		if len(parts) < 3 {
			fmt.Println("usage: /react <msg-id> <emoji>")
			return
		}
		if err := ctrl.React(ctx, parts[1], parts[2]); err != nil {
			fmt.Fprintf(os.Stderr, "! react: %v\n", err)
		}
	case "/del":
		if len(parts) < 2 {
			fmt.Println("usage: /del <msg-id>")
			return
		}
		if err := ctrl.Delete(ctx, parts[1]); err != nil {
			fmt.Fprintf(os.Stderr, "! delete: %v\n", err)
		}
	case "/edit":
		if len(parts) < 3 {
			fmt.Println("usage: /edit <msg-id> <text>")
			return
		}
		ctrl.StartEdit(parts[1])
		if err := ctrl.SaveEdit(ctx, parts[2]); err != nil {
			fmt.Fprintf(os.Stderr, "! edit: %v\n", err)
		}
	default:
		fmt.Printf("unknown command %s\n", parts[0])
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func fatal(format string, v ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", v...)
	os.Exit(1)
}

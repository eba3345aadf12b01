package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"chatsync/internal/api"
	"chatsync/internal/auth"
	"chatsync/internal/models"
	"chatsync/internal/session"
	"chatsync/internal/storage"
	"chatsync/internal/ws"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const joinHelp = `Commands:
  <text>              send a message
  /reply <id> [text]  reply to a message, or set the target for the next one
  /cancel             drop the pending reply target
  /unsend <id>        retract one of your messages
  /file <path>        upload a file
  /sticker <id>       send a sticker
  /stickers           list the sticker catalog
  /read <id>          send a read receipt
  /members            list loaded members
  /more               load the next page of members
  /quit               leave`

func newJoinCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "join <room>",
		Short: "Join a room and chat line by line",
		Long:  "Join a room and chat line by line.\n\n" + joinHelp,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd, opts, args[0])
		},
	}
}

func runJoin(cmd *cobra.Command, opts *options, roomID string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, logger, err := opts.load(false)
	if err != nil {
		return err
	}

	var recorder session.Recorder
	if cfg.Transcript != "" {
		archive, err := storage.NewBboltStorage(cfg.Transcript)
		if err != nil {
			return err
		}
		defer func() { _ = archive.Close() }()
		recorder = archive
	}

	tokens := auth.StaticToken(cfg.Token)
	client := api.New(ctx, api.Config{
		APIBase:  cfg.APIBase,
		ChatBase: cfg.ChatBase,
		Tokens:   tokens,
		Logger:   logger,
	})

	changed := make(chan struct{}, 1)
	sess, err := session.New(session.Config{
		RoomID: roomID,
		User:   models.User{ID: cfg.UserID, Username: cfg.Username},
		Tokens: tokens,
		API:    client,
		WS: ws.Config{
			BaseURL:        cfg.WSBase,
			ConnectTimeout: cfg.ConnectTimeout,
			Heartbeat:      cfg.Heartbeat,
			MaxReconnect:   maxReconnect(cfg.MaxReconnect),
		},
		AssetBase:      cfg.AssetBase,
		MaxMessages:    cfg.MaxMessages,
		MemberPageSize: cfg.MemberPageSize,
		Recorder:       recorder,
		Logger:         logger,
		OnChange: func(session.State) {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return err
	}

	if err := sess.Join(ctx); err != nil {
		return err
	}
	defer sess.Disconnect()

	out := &syncWriter{w: cmd.OutOrStdout()}
	printf(out, "* joined %s, /quit to leave\n", roomID)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return printLoop(gCtx, sess, changed, out)
	})
	g.Go(func() error {
		defer cancel()
		return inputLoop(gCtx, sess, cmd.InOrStdin(), out)
	})
	return g.Wait()
}

// maxReconnect maps CHAT_MAX_RECONNECT=0 to "never reconnect".
func maxReconnect(n int) int {
	if n == 0 {
		return ws.NoReconnect
	}
	return n
}

// printLoop prints the timeline and connection changes as they happen.
func printLoop(ctx context.Context, sess *session.Session, changed <-chan struct{}, out io.Writer) error {
	p := newPrinter(out, sess.Member)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
		p.update(sess.State())
	}
}

// printer prints each confirmed message once, in timeline order, and a
// notice when a printed message is unsent.
type printer struct {
	out    io.Writer
	member func(userID string) (models.RoomMember, bool)

	shown     []string
	printed   map[string]bool
	unsent    map[string]bool
	connected bool
	lastErr   error
}

func newPrinter(out io.Writer, member func(string) (models.RoomMember, bool)) *printer {
	return &printer{
		out:     out,
		member:  member,
		printed: make(map[string]bool),
		unsent:  make(map[string]bool),
	}
}

func (p *printer) update(st session.State) {
	if st.Connected != p.connected {
		p.connected = st.Connected
		if p.connected {
			printf(p.out, "* connected\n")
		}
	}
	if st.Err != nil && st.Err != p.lastErr {
		printf(p.out, "* connection error: %v\n", st.Err)
	}
	p.lastErr = st.Err

	current := make(map[string]bool, len(st.Messages))
	for _, m := range st.Messages {
		current[m.ID] = true
	}
	// The window drops its oldest messages first, so printed ids missing
	// before the first kept one were evicted; later ones were removed.
	firstKept := len(p.shown)
	for i, id := range p.shown {
		if current[id] {
			firstKept = i
			break
		}
	}
	kept := make([]string, 0, len(p.shown))
	for i, id := range p.shown {
		if current[id] {
			kept = append(kept, id)
			continue
		}
		if i > firstKept && !p.unsent[id] {
			printf(p.out, "* [%s] was unsent\n", id)
		}
		delete(p.printed, id)
		delete(p.unsent, id)
	}
	p.shown = kept

	for _, m := range st.Messages {
		if m.IsTemp {
			continue
		}
		if p.printed[m.ID] {
			if m.Deleted && !p.unsent[m.ID] {
				p.unsent[m.ID] = true
				printf(p.out, "* [%s] was unsent\n", m.ID)
			}
			continue
		}
		p.printed[m.ID] = true
		p.unsent[m.ID] = m.Deleted
		p.shown = append(p.shown, m.ID)
		printf(p.out, "%s\n", formatMessage(m))
	}

	if len(st.TypingUsers) > 0 {
		names := make([]string, 0, len(st.TypingUsers))
		for _, id := range st.TypingUsers {
			if m, ok := p.member(id); ok {
				names = append(names, m.User.DisplayName())
			} else {
				names = append(names, id)
			}
		}
		printf(p.out, "* typing: %s\n", strings.Join(names, ", "))
	}
}

func inputLoop(ctx context.Context, sess *session.Session, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := handleLine(ctx, sess, line, out); err != nil {
			printf(out, "! %v\n", err)
		}
	}
}

func handleLine(ctx context.Context, sess *session.Session, line string, out io.Writer) error {
	if !strings.HasPrefix(line, "/") {
		_, err := sess.Send(line)
		return err
	}

	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch command {
	case "/reply":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" {
			return fmt.Errorf("usage: /reply <id> [text]")
		}
		if err := sess.SetReplyTo(id); err != nil {
			return err
		}
		if text = strings.TrimSpace(text); text == "" {
			printf(out, "* next message replies to %s, /cancel to drop\n", id)
			return nil
		}
		_, err := sess.Send(text)
		return err
	case "/unsend":
		return sess.Unsend(rest)
	case "/read":
		return sess.MarkRead(rest)
	case "/file":
		f, err := os.Open(rest)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = sess.SendFile(ctx, filepath.Base(rest), f)
		return err
	case "/sticker":
		_, err := sess.SendSticker(ctx, rest)
		return err
	case "/stickers":
		stickers, err := sess.Stickers(ctx)
		if err != nil {
			return err
		}
		for _, s := range stickers {
			printf(out, "  %s %s\n", s.ID, s.Image)
		}
		return nil
	case "/cancel":
		sess.ClearReply()
		return nil
	case "/members":
		for _, m := range sess.Members() {
			printf(out, "  @%s %s\n", m.User.Username, m.User.DisplayName())
		}
		loaded, total, loading := sess.MemberStats()
		if loading {
			printf(out, "  %d of %d members, loading more\n", loaded, total)
		} else {
			printf(out, "  %d of %d members\n", loaded, total)
		}
		return nil
	case "/more":
		return sess.LoadMoreMembers(ctx)
	case "/help":
		printf(out, "%s\n", joinHelp)
		return nil
	}
	return fmt.Errorf("unknown command %s, try /help", command)
}

func formatMessage(m models.Message) string {
	var body string
	switch {
	case m.Deleted:
		body = "[message unsent]"
	case m.Variant == models.VariantJoin:
		return fmt.Sprintf("* %s joined", m.Sender.DisplayName())
	case m.Variant == models.VariantLeave:
		return fmt.Sprintf("* %s left", m.Sender.DisplayName())
	case m.File != nil:
		body = fmt.Sprintf("[file %s] %s", m.File.Name, m.File.URL)
	case m.Sticker != nil:
		body = fmt.Sprintf("[sticker %s]", m.Sticker.ID)
	case m.Evoucher != nil:
		body = fmt.Sprintf("[evoucher] %s %s", m.Text, m.Evoucher.ClaimURL)
	default:
		body = m.Text
	}
	if m.ReplyTo != nil {
		quoted := m.ReplyTo.Text
		if m.ReplyTo.NotFound {
			quoted = "?"
		}
		body = fmt.Sprintf("(re %s: %s) %s", m.ReplyTo.ID, quoted, body)
	}
	return fmt.Sprintf("%s [%s] %s: %s", m.Timestamp.Local().Format("15:04"), m.ID, m.Sender.DisplayName(), body)
}

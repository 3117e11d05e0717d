// Command copychat is a terminal front end for the copydesk proxy.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"copydesk/internal/attachment"
	"copydesk/internal/backend"
	"copydesk/internal/chat"
	"copydesk/internal/config"
	"copydesk/internal/logger"
	"copydesk/internal/models"
	"copydesk/internal/service/feedback"
)

const usage = `commands:
  /attach <path...>      queue files for the next message
  /detach <n>            drop queued file n (from 1)
  /type <%s>
  /platform <%s>
  /rate up|down [note]   rate the last reply
  /new                   start over
  /quit`

func main() {
	cfg, err := config.Load(os.Getenv("COPYDESK_CONFIG"))
	if err != nil {
		color.Red("load config: %v", err)
		os.Exit(1)
	}
	zlog := logger.NewFileOnly(cfg.Log.File)
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := backend.NewClient(cfg.BasicConfig.ProxyURL, backend.ProxyEndpoints,
		time.Duration(cfg.Backend.RequestTimeout)*time.Second)
	// ratings go to the proxy in the background; the proxy journals them
	ratings := feedback.NewService(client, nil, cfg.Feedback, zlog.Named("feedback"))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ratings.Stop(shutdownCtx); err != nil {
			zlog.Warn("pending ratings dropped", zap.Error(err))
		}
	}()

	encoder := attachment.NewEncoder(zlog,
		attachment.WithMaxSize(int64(cfg.Attachments.MaxFileMB)<<20),
		attachment.WithConcurrency(cfg.Attachments.Concurrency))
	view := newRenderer(color.Output)
	session := chat.NewSession(client, encoder, zlog,
		chat.WithObserver(view.observe),
		chat.WithFeedback(ratings))

	cli := &app{ctx: ctx, session: session, view: view, out: color.Output}
	cli.banner()
	cli.loop(os.Stdin)
	cli.wait()
}

type app struct {
	ctx     context.Context
	session *chat.Session
	view    *renderer
	out     io.Writer
	turns   sync.WaitGroup
}

func (a *app) banner() {
	sel := a.session.Snapshot().Selection
	color.New(color.Bold).Fprintf(a.out, "copychat · %s for %s · /help for commands\n",
		sel.ContentType.DisplayName(), sel.Platform.DisplayName())
}

func (a *app) wait() {
	a.turns.Wait()
}

func (a *app) loop(in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		if a.ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "/") {
			if quit := a.command(line); quit {
				return
			}
			continue
		}
		a.send(line)
	}
}

// send runs the turn in the background so commands stay responsive; a send
// while a reply is streaming is dropped.
func (a *app) send(text string) {
	if strings.TrimSpace(text) == "" && len(a.session.Snapshot().Pending) == 0 {
		return
	}
	a.turns.Add(1)
	go func() {
		defer a.turns.Done()
		if !a.session.Send(a.ctx, text) {
			noticeColor.Fprintln(a.out, "still replying, message not sent")
		}
	}()
}

func (a *app) command(line string) (quit bool) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintf(a.out, usage+"\n", joinValues(models.ContentTypes()), joinValues(models.Platforms()))
	case "/attach":
		a.attach(args)
	case "/detach":
		n, err := strconv.Atoi(strings.Join(args, ""))
		pending := a.session.Snapshot().Pending
		if err != nil || n < 1 || n > len(pending) {
			apologyColor.Fprintf(a.out, "usage: /detach <1..%d>\n", len(pending))
			return false
		}
		a.session.RemoveFile(n - 1)
		a.showPending()
	case "/type":
		ct, err := models.ParseContentType(strings.Join(args, ""))
		if err != nil {
			apologyColor.Fprintln(a.out, err)
			return false
		}
		a.session.SetContentType(ct)
	case "/platform":
		p, err := models.ParsePlatform(strings.Join(args, ""))
		if err != nil {
			apologyColor.Fprintln(a.out, err)
			return false
		}
		a.session.SetPlatform(p)
	case "/rate":
		a.rate(args)
	case "/new":
		if !a.session.NewChat() {
			noticeColor.Fprintln(a.out, "wait for the reply to finish first")
			return false
		}
		a.view.reset()
		a.banner()
	default:
		apologyColor.Fprintf(a.out, "unknown command %s, try /help\n", cmd)
	}
	return false
}

func (a *app) attach(paths []string) {
	if len(paths) == 0 {
		apologyColor.Fprintln(a.out, "usage: /attach <path...>")
		return
	}
	files := make([]attachment.File, 0, len(paths))
	for _, p := range paths {
		f, err := attachment.OpenPath(p)
		if err != nil {
			apologyColor.Fprintf(a.out, "skip %s: %v\n", p, err)
			continue
		}
		files = append(files, f)
	}
	added := a.session.AddFiles(a.ctx, files)
	if added < len(files) {
		noticeColor.Fprintf(a.out, "%d of %d files skipped (type not allowed or over %d MB)\n",
			len(files)-added, len(files), attachment.MaxFileSize>>20)
	}
	a.showPending()
}

func (a *app) showPending() {
	pending := a.session.Snapshot().Pending
	if len(pending) == 0 {
		attachColor.Fprintln(a.out, "no files queued")
		return
	}
	for i, f := range pending {
		attachColor.Fprintf(a.out, "  %d. %s (%s, %d bytes)\n", i+1, f.Name, f.Type, f.Size)
	}
}

func (a *app) rate(args []string) {
	if len(args) == 0 {
		apologyColor.Fprintln(a.out, "usage: /rate up|down [note]")
		return
	}
	var rating models.Rating
	switch strings.ToLower(args[0]) {
	case "up", "+", "positive":
		rating = models.RatingPositive
	case "down", "-", "negative":
		rating = models.RatingNegative
	default:
		apologyColor.Fprintln(a.out, "usage: /rate up|down [note]")
		return
	}
	reply, ok := chat.LastReply(a.session.Snapshot().Messages)
	if !ok {
		noticeColor.Fprintln(a.out, "nothing to rate yet")
		return
	}
	err := a.session.Rate(a.ctx, reply.ID, rating, strings.Join(args[1:], " "))
	switch {
	case errors.Is(err, chat.ErrAlreadyRated):
		noticeColor.Fprintln(a.out, "you already rated this reply")
		return
	case err != nil:
		apologyColor.Fprintf(a.out, "rating not sent: %v\n", err)
		return
	}
	attachColor.Fprintln(a.out, "thanks, feedback queued")
}

func joinValues[T ~string](vals []T) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = string(v)
	}
	return strings.Join(parts, "|")
}

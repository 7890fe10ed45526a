package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"

	"github.com/sipeed/miraiclaw/pkg/attachments"
	"github.com/sipeed/miraiclaw/pkg/bus"
	"github.com/sipeed/miraiclaw/pkg/mirai"
	"github.com/sipeed/miraiclaw/pkg/usage"
)

const consoleHelp = `Commands:
  friends                      list friends
  groups                       list groups
  members <group-id>           list members of a group
  send <chat-id> <text>        send text; chat-id is a QQ number or group:<id>
  image <chat-id> <path> [txt] send a local image with optional text
  stats [all]                  message traffic for today, or the last 30 days
  cached [chat-id]             list downloaded inbound images
  resend <chat-id> <id> [txt]  send a downloaded image by its cache id
  help                         show this help
  quit                         leave
`

type sendFunc func(ctx context.Context, msg bus.OutboundMessage) error

type console struct {
	session *mirai.Session
	send    sendFunc
	traffic *usage.Store
	store   *attachments.Store
	rl      *readline.Instance
	out     io.Writer
}

func newConsole(session *mirai.Session, send sendFunc) (*console, error) {
	completer := readline.NewPrefixCompleter(
		readline.PcItem("friends"),
		readline.PcItem("groups"),
		readline.PcItem("members"),
		readline.PcItem("send"),
		readline.PcItem("image"),
		readline.PcItem("stats", readline.PcItem("all")),
		readline.PcItem("cached"),
		readline.PcItem("resend"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "miraiclaw> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".miraiclaw_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, fmt.Errorf("start console: %w", err)
	}
	return &console{session: session, send: send, rl: rl, out: rl.Stdout()}, nil
}

func (c *console) Close() error {
	return c.rl.Close()
}

func (c *console) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.rl.Close()
	}()

	fmt.Fprint(c.out, consoleHelp)
	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := c.execute(ctx, line)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// execute runs one console line and reports whether the console should exit.
func (c *console) execute(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprint(c.out, consoleHelp)
		return false, nil
	case "friends":
		return false, c.listFriends(ctx)
	case "groups":
		return false, c.listGroups(ctx)
	case "members":
		if len(args) != 1 {
			return false, errors.New("usage: members <group-id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid group id %q", args[0])
		}
		return false, c.listMembers(ctx, id)
	case "send":
		if len(args) < 2 {
			return false, errors.New("usage: send <chat-id> <text>")
		}
		return false, c.send(ctx, bus.OutboundMessage{
			ChatID:  args[0],
			Content: restOfLine(line, 2),
		})
	case "image":
		if len(args) < 2 {
			return false, errors.New("usage: image <chat-id> <path> [text]")
		}
		if _, err := os.Stat(args[1]); err != nil {
			return false, err
		}
		return false, c.send(ctx, bus.OutboundMessage{
			ChatID:  args[0],
			Content: restOfLine(line, 3),
			Media:   []string{args[1]},
		})
	case "stats":
		all := len(args) == 1 && args[0] == "all"
		if len(args) > 1 || (len(args) == 1 && !all) {
			return false, errors.New("usage: stats [all]")
		}
		return false, c.printStats(all)
	case "cached":
		if len(args) > 1 {
			return false, errors.New("usage: cached [chat-id]")
		}
		chatID := ""
		if len(args) == 1 {
			chatID = args[0]
		}
		return false, c.listCached(chatID)
	case "resend":
		if len(args) < 2 {
			return false, errors.New("usage: resend <chat-id> <id> [text]")
		}
		path, err := c.cachedPath(args[1])
		if err != nil {
			return false, err
		}
		return false, c.send(ctx, bus.OutboundMessage{
			ChatID:  args[0],
			Content: restOfLine(line, 3),
			Media:   []string{path},
		})
	}
	return false, fmt.Errorf("unknown command %q, try help", cmd)
}

// restOfLine returns line with its first n fields removed, keeping the
// spacing of what remains.
func restOfLine(line string, n int) string {
	rest := strings.TrimSpace(line)
	for i := 0; i < n && rest != ""; i++ {
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = strings.TrimLeft(rest[idx:], " \t")
	}
	return rest
}

func (c *console) listFriends(ctx context.Context) error {
	friends, err := c.session.GetFriends(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNICKNAME\tREMARK")
	for _, f := range friends {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", f.ID, f.Nickname, f.Remark)
	}
	return tw.Flush()
}

func (c *console) listGroups(ctx context.Context) error {
	groups, err := c.session.GetGroups(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tBOT ROLE")
	for _, g := range groups {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", g.ID, g.Name, g.Permission)
	}
	return tw.Flush()
}

func (c *console) listMembers(ctx context.Context, groupID int64) error {
	members, err := c.session.GetMembers(ctx, &mirai.Group{ID: groupID})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tROLE")
	for _, m := range members {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", m.ID, m.MemberName, m.Role)
	}
	return tw.Flush()
}

func (c *console) printStats(all bool) error {
	if c.traffic == nil {
		return errors.New("traffic is only recorded while the channel is enabled")
	}
	filter := usage.Filter{}
	label := "last 30 days"
	if !all {
		filter.DayKey = c.traffic.TodayKey()
		label = filter.DayKey
	}
	records := c.traffic.Query(filter)

	fmt.Fprintf(c.out, "%s: %s\n", label, usage.Summary(usage.AggregateRecords(records)))
	if len(records) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAT\tIN\tOUT\tFAILED\tIMAGES")
	for _, ct := range usage.ChatBreakdown(records) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", ct.ChatID, ct.Inbound, ct.Outbound, ct.Failed, ct.Images)
	}
	return tw.Flush()
}

func (c *console) listCached(chatID string) error {
	if c.store == nil {
		return errors.New("inbound images are not downloaded, enable channel.download_media")
	}
	records := c.store.List(chatID)
	fmt.Fprintf(c.out, "%d cached images under %s\n", len(records), c.store.RootPath())
	if len(records) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHAT\tSENDER\tTYPE\tSIZE\tRECEIVED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.ChatID, r.SenderID, r.MIMEType, usage.HumanBytes(r.SizeBytes),
			r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

// cachedPath resolves a cache id to its stored file, refusing paths that
// point outside the attachment root.
func (c *console) cachedPath(id string) (string, error) {
	if c.store == nil {
		return "", errors.New("inbound images are not downloaded, enable channel.download_media")
	}
	rec, ok := c.store.GetByID(id)
	if !ok {
		return "", fmt.Errorf("no cached image %q", id)
	}
	if !c.store.IsInRoot(rec.StoredPath) {
		return "", fmt.Errorf("cached image %q is outside %s", id, c.store.RootPath())
	}
	if _, err := os.Stat(rec.StoredPath); err != nil {
		return "", err
	}
	return rec.StoredPath, nil
}

// printInbound writes inbound messages to the console until ctx is done or
// the bus closes.
func (c *console) printInbound(ctx context.Context, mb *bus.MessageBus) {
	for {
		msg, ok := mb.ConsumeInbound(ctx)
		if !ok {
			return
		}
		sender := msg.Metadata["sender_name"]
		if sender == "" {
			sender = msg.SenderID
		}
		fmt.Fprintf(c.out, "[%s] %s: %s\n", msg.ChatID, sender, msg.Content)
		for _, path := range msg.Media {
			fmt.Fprintf(c.out, "    saved image: %s\n", path)
		}
	}
}

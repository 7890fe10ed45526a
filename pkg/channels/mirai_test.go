package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/miraiclaw/pkg/attachments"
	"github.com/sipeed/miraiclaw/pkg/bus"
	"github.com/sipeed/miraiclaw/pkg/config"
	"github.com/sipeed/miraiclaw/pkg/usage"
)

// stubGateway serves queued events one per fetch and records sends.
type stubGateway struct {
	server *httptest.Server

	mu       sync.Mutex
	events   []string
	sends    []map[string]any
	uploads  int
	released bool
}

func newStubGateway(t *testing.T) *stubGateway {
	t.Helper()
	g := &stubGateway{}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"session":"S"}`)
	})
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"msg":"success"}`)
	})
	mux.HandleFunc("/release", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.released = true
		g.mu.Unlock()
		fmt.Fprint(w, `{"code":0,"msg":"success"}`)
	})
	mux.HandleFunc("/fetchLatestMessage", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if len(g.events) == 0 {
			fmt.Fprint(w, `{"code":0,"data":[]}`)
			return
		}
		evt := g.events[0]
		g.events = g.events[1:]
		fmt.Fprintf(w, `{"code":0,"data":[%s]}`, evt)
	})
	mux.HandleFunc("/uploadImage", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.uploads++
		g.mu.Unlock()
		fmt.Fprint(w, `{"imageId":"{UP}.png","url":"http://example.invalid/up"}`)
	})
	sendHandler := func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		body["endpoint"] = strings.TrimPrefix(r.URL.Path, "/")
		g.mu.Lock()
		g.sends = append(g.sends, body)
		g.mu.Unlock()
		fmt.Fprint(w, `{"code":0,"msg":"success","messageId":77}`)
	}
	mux.HandleFunc("/sendFriendMessage", sendHandler)
	mux.HandleFunc("/sendGroupMessage", sendHandler)
	mux.HandleFunc("/img", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2)))
		w.Write(buf.Bytes())
	})

	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func (g *stubGateway) queue(events ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, events...)
}

func (g *stubGateway) sent() []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]any(nil), g.sends...)
}

func (g *stubGateway) config(t *testing.T) *config.Config {
	t.Helper()
	u, err := url.Parse(g.server.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Gateway.Host = host
	cfg.Gateway.Port = port
	cfg.Gateway.AuthKey = "key"
	cfg.Gateway.QQ = 10001
	cfg.Session.PollIntervalMS = 10
	return cfg
}

func friendEvent(sourceID, senderID int64, text string) string {
	return fmt.Sprintf(`{"type":"FriendMessage",
		"messageChain":[{"type":"Source","id":%d,"time":1},{"type":"Plain","text":%q}],
		"sender":{"id":%d,"nickname":"n%d","remark":""}}`, sourceID, text, senderID, senderID)
}

func startChannel(t *testing.T, cfg *config.Config, store *attachments.Store) (*MiraiChannel, *bus.MessageBus) {
	t.Helper()
	mb := bus.NewMessageBus()
	ch, err := NewMiraiChannel(cfg, mb, store)
	require.NoError(t, err)
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() {
		ch.Stop(context.Background())
		mb.Close()
	})
	return ch, mb
}

func consume(t *testing.T, mb *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok, "no inbound message")
	return msg
}

func assertNoInbound(t *testing.T, mb *bus.MessageBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	assert.False(t, ok, "unexpected inbound message %+v", msg)
}

func TestMiraiChannelPublishesFriendMessages(t *testing.T) {
	g := newStubGateway(t)
	g.queue(friendEvent(1, 42, "hello"), friendEvent(1, 42, "hello"), friendEvent(2, 42, "again"))
	ch, mb := startChannel(t, g.config(t), nil)
	assert.True(t, ch.IsRunning())

	first := consume(t, mb)
	assert.Equal(t, "mirai", first.Channel)
	assert.Equal(t, "42", first.SenderID)
	assert.Equal(t, "42", first.ChatID)
	assert.Equal(t, "hello", first.Content)
	assert.Equal(t, "1", first.Metadata["message_id"])
	assert.Equal(t, "n42", first.Metadata["sender_name"])

	// The repeated source id is dropped.
	second := consume(t, mb)
	assert.Equal(t, "again", second.Content)
	assertNoInbound(t, mb)
}

func TestMiraiChannelGroupChatID(t *testing.T) {
	g := newStubGateway(t)
	g.queue(`{"type":"GroupMessage",
		"messageChain":[{"type":"Source","id":5,"time":1},{"type":"Plain","text":"hi all"}],
		"sender":{"id":55,"memberName":"bob","permission":"MEMBER","group":{"id":900,"name":"devs","permission":"OWNER"}}}`)
	_, mb := startChannel(t, g.config(t), nil)

	msg := consume(t, mb)
	assert.Equal(t, "group:900", msg.ChatID)
	assert.Equal(t, "55", msg.SenderID)
	assert.Equal(t, "devs", msg.Metadata["group_name"])
	assert.Equal(t, "MEMBER", msg.Metadata["sender_role"])
}

func TestMiraiChannelAllowList(t *testing.T) {
	g := newStubGateway(t)
	cfg := g.config(t)
	cfg.Channel.AllowFrom = config.FlexibleStringSlice{"7"}
	g.queue(friendEvent(1, 42, "blocked"), friendEvent(2, 7, "allowed"))
	_, mb := startChannel(t, cfg, nil)

	msg := consume(t, mb)
	assert.Equal(t, "allowed", msg.Content)
	assertNoInbound(t, mb)
}

func TestMiraiChannelCachesInboundImages(t *testing.T) {
	g := newStubGateway(t)
	cfg := g.config(t)
	cfg.Channel.DownloadMedia = true
	store := attachments.NewStore(t.TempDir())
	g.queue(fmt.Sprintf(`{"type":"FriendMessage",
		"messageChain":[{"type":"Source","id":3,"time":1},{"type":"Image","imageId":"{IN}.png","url":%q}],
		"sender":{"id":42,"nickname":"a","remark":""}}`, g.server.URL+"/img"))
	_, mb := startChannel(t, cfg, store)

	msg := consume(t, mb)
	assert.Equal(t, "[Image]", msg.Content)
	require.Len(t, msg.Media, 1)
	_, err := os.Stat(msg.Media[0])
	assert.NoError(t, err)

	rec, ok := store.GetByImageID("{IN}.png")
	require.True(t, ok)
	assert.Equal(t, msg.Media[0], rec.StoredPath)
}

func TestMiraiChannelSendRoutesByChatID(t *testing.T) {
	g := newStubGateway(t)
	ch, _ := startChannel(t, g.config(t), nil)
	ctx := context.Background()

	require.NoError(t, ch.Send(ctx, bus.OutboundMessage{Channel: "mirai", ChatID: "42", Content: "to friend"}))

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))))
	imgPath := filepath.Join(t.TempDir(), "pic.png")
	require.NoError(t, os.WriteFile(imgPath, buf.Bytes(), 0644))
	require.NoError(t, ch.Send(ctx, bus.OutboundMessage{Channel: "mirai", ChatID: "group:900", Content: "to group", Media: []string{imgPath}}))

	sends := g.sent()
	require.Len(t, sends, 2)
	assert.Equal(t, "sendFriendMessage", sends[0]["endpoint"])
	assert.EqualValues(t, 42, sends[0]["target"])
	assert.Equal(t, "sendGroupMessage", sends[1]["endpoint"])
	assert.EqualValues(t, 900, sends[1]["target"])
	assert.Len(t, sends[1]["messageChain"], 2)

	g.mu.Lock()
	assert.Equal(t, 1, g.uploads)
	g.mu.Unlock()

	assert.Error(t, ch.Send(ctx, bus.OutboundMessage{ChatID: "group:abc", Content: "x"}))
	assert.Error(t, ch.Send(ctx, bus.OutboundMessage{ChatID: "42"}))
}

func TestMiraiChannelStopReleasesSession(t *testing.T) {
	g := newStubGateway(t)
	mb := bus.NewMessageBus()
	defer mb.Close()
	ch, err := NewMiraiChannel(g.config(t), mb, nil)
	require.NoError(t, err)
	require.NoError(t, ch.Start(context.Background()))

	require.NoError(t, ch.Stop(context.Background()))
	assert.False(t, ch.IsRunning())
	assert.Nil(t, ch.Session())
	g.mu.Lock()
	assert.True(t, g.released)
	g.mu.Unlock()

	err = ch.Send(context.Background(), bus.OutboundMessage{ChatID: "42", Content: "late"})
	assert.Error(t, err)
	require.NoError(t, ch.Stop(context.Background()))
}

func TestMiraiChannelStopWithFullBusReleasesSession(t *testing.T) {
	g := newStubGateway(t)
	const pending = 105
	for i := 1; i <= pending; i++ {
		g.queue(friendEvent(int64(i), 42, "backlog"))
	}
	mb := bus.NewMessageBus()
	defer mb.Close()
	ch, err := NewMiraiChannel(g.config(t), mb, nil)
	require.NoError(t, err)
	require.NoError(t, ch.Start(context.Background()))

	// Nobody consumes, so the poll loop ends up blocked on a full inbound buffer.
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.events) < pending-100
	}, 3*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.Stop(stopCtx))
	g.mu.Lock()
	assert.True(t, g.released)
	g.mu.Unlock()
}

func TestMiraiChannelStartFailsOnBadAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":-1}`)
	}))
	defer srv.Close()

	g := &stubGateway{server: srv}
	mb := bus.NewMessageBus()
	defer mb.Close()
	ch, err := NewMiraiChannel(g.config(t), mb, nil)
	require.NoError(t, err)

	assert.Error(t, ch.Start(context.Background()))
	assert.False(t, ch.IsRunning())
}

func TestParseChatID(t *testing.T) {
	id, isGroup, err := ParseChatID("group:900")
	require.NoError(t, err)
	assert.Equal(t, int64(900), id)
	assert.True(t, isGroup)

	id, isGroup, err = ParseChatID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.False(t, isGroup)

	for _, bad := range []string{"", "group:", "group:-1", "abc", "0"} {
		_, _, err := ParseChatID(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "group:900", GroupChatID(900))
}

func TestBuildChainSkipsNonImageMedia(t *testing.T) {
	chain, err := BuildChain(bus.OutboundMessage{Content: "hi", Media: []string{"notes.txt", "pic.jpg"}})
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "Plain", chain[0].Kind())
	assert.Equal(t, "Image", chain[1].Kind())

	_, err = BuildChain(bus.OutboundMessage{Media: []string{"notes.txt"}})
	assert.Error(t, err)
}

func TestMiraiChannelRecordsTraffic(t *testing.T) {
	g := newStubGateway(t)
	g.queue(friendEvent(1, 42, "hello"))

	mb := bus.NewMessageBus()
	ch, err := NewMiraiChannel(g.config(t), mb, nil)
	require.NoError(t, err)
	traffic := usage.NewStore(t.TempDir())
	ch.SetTrafficStore(traffic)
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() {
		ch.Stop(context.Background())
		mb.Close()
	})

	consume(t, mb)
	assert.Eventually(t, func() bool {
		return len(traffic.Query(usage.Filter{Direction: usage.Inbound})) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, ch.Send(ctx, bus.OutboundMessage{ChatID: "42", Content: "hi back"}))
	assert.Error(t, ch.Send(ctx, bus.OutboundMessage{ChatID: "group:abc", Content: "x"}))

	out := traffic.Query(usage.Filter{Direction: usage.Outbound})
	require.Len(t, out, 2)
	assert.Equal(t, "mirai", out[0].Channel)
	assert.Equal(t, 7, out[0].Chars)
	assert.False(t, out[0].Failed)
	assert.True(t, out[1].Failed)

	agg := usage.AggregateRecords(traffic.Query(usage.Filter{ChatID: "42"}))
	assert.Equal(t, 2, agg.Messages)
	assert.Equal(t, 1, agg.Inbound)
}

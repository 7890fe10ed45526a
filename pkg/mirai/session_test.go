package mirai

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/miraiclaw/pkg/message"
)

func TestNewValidatesConfig(t *testing.T) {
	valid := Config{Host: "127.0.0.1", Port: 8080, AuthKey: "key", QQ: 1}
	_, err := New(valid)
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"missing host":      func(c *Config) { c.Host = "" },
		"port out of range": func(c *Config) { c.Port = 70000 },
		"missing auth key":  func(c *Config) { c.AuthKey = "" },
		"missing qq":        func(c *Config) { c.QQ = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestConnect(t *testing.T) {
	g := newFakeGateway(t)
	var authBody, verifyBody map[string]any
	g.handle("auth", func(w http.ResponseWriter, r *http.Request) {
		authBody = decodeBody(t, r)
		jsonReply(map[string]any{"code": 0, "session": testSessionKey})(w, r)
	})
	g.handle("verify", func(w http.ResponseWriter, r *http.Request) {
		verifyBody = decodeBody(t, r)
		jsonReply(map[string]any{"code": 0, "msg": "success"})(w, r)
	})

	s, err := New(g.config(t))
	require.NoError(t, err)
	assert.Equal(t, Disconnected, s.State())

	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })

	assert.Equal(t, Connected, s.State())
	assert.Equal(t, []string{"auth", "verify"}, g.callLog())
	assert.Equal(t, "INITKEYabcdef", authBody["authKey"])
	assert.Equal(t, testSessionKey, verifyBody["sessionKey"])
	assert.EqualValues(t, 10001, verifyBody["qq"])

	key, err := s.sessionKey("test")
	require.NoError(t, err)
	assert.Equal(t, testSessionKey, key)
}

func TestConnectInvalidAuthKey(t *testing.T) {
	g := newFakeGateway(t)
	g.handle("auth", jsonReply(map[string]any{"code": -1, "msg": "auth key wrong"}))

	s, err := New(g.config(t))
	require.NoError(t, err)

	err = s.Connect(context.Background())
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr), "got %v", err)
	assert.Equal(t, Disconnected, s.State())
	assert.Zero(t, g.callsTo("verify"))
}

func TestConnectVerificationFailure(t *testing.T) {
	g := newFakeGateway(t)
	g.handle("verify", jsonReply(map[string]any{"code": 2, "msg": "bot not found"}))

	s, err := New(g.config(t))
	require.NoError(t, err)

	err = s.Connect(context.Background())
	var verr *VerificationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, 2, verr.Code)
	assert.Equal(t, "bot not found", verr.Message)
	assert.Equal(t, Disconnected, s.State())
}

func TestConnectMissingSessionKey(t *testing.T) {
	g := newFakeGateway(t)
	g.handle("auth", jsonReply(map[string]any{"code": 0}))

	s, err := New(g.config(t))
	require.NoError(t, err)

	var malformed *MalformedResponseError
	require.True(t, errors.As(s.Connect(context.Background()), &malformed))
	assert.Equal(t, "auth", malformed.Endpoint)
}

func TestConnectTransportErrors(t *testing.T) {
	t.Run("non-2xx status", func(t *testing.T) {
		g := newFakeGateway(t)
		g.handle("auth", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		})
		s, err := New(g.config(t))
		require.NoError(t, err)

		var terr *TransportError
		require.True(t, errors.As(s.Connect(context.Background()), &terr))
		assert.Equal(t, http.StatusBadGateway, terr.StatusCode)
		assert.Equal(t, "upstream down", terr.Body)
	})

	t.Run("undecodable body", func(t *testing.T) {
		g := newFakeGateway(t)
		g.handle("auth", rawReply("<html>"))
		s, err := New(g.config(t))
		require.NoError(t, err)

		var malformed *MalformedResponseError
		require.True(t, errors.As(s.Connect(context.Background()), &malformed))
	})
}

func TestDisconnectWhenDisconnectedMakesNoCall(t *testing.T) {
	g := newFakeGateway(t)
	s, err := New(g.config(t))
	require.NoError(t, err)

	s.Disconnect(context.Background())
	require.NoError(t, s.Close())
	assert.Empty(t, g.callLog())
}

func TestDisconnectReleasesSession(t *testing.T) {
	g := newFakeGateway(t)
	var releaseBody map[string]any
	g.handle("release", func(w http.ResponseWriter, r *http.Request) {
		releaseBody = decodeBody(t, r)
		jsonReply(map[string]any{"code": 0, "msg": "success"})(w, r)
	})
	s := g.connect(t)

	s.Disconnect(context.Background())
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, testSessionKey, releaseBody["sessionKey"])
	assert.EqualValues(t, 10001, releaseBody["qq"])

	s.Disconnect(context.Background())
	assert.Equal(t, 1, g.callsTo("release"))
}

func TestDisconnectSwallowsReleaseFailure(t *testing.T) {
	g := newFakeGateway(t)
	g.handle("release", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	s := g.connect(t)

	s.Disconnect(context.Background())
	assert.Equal(t, Disconnected, s.State())

	_, err := s.PollEvent(context.Background())
	var nc *NotConnectedError
	assert.True(t, errors.As(err, &nc))
}

func TestCloseIsBoundedByReleaseTimeout(t *testing.T) {
	g := newFakeGateway(t)
	unblock := make(chan struct{})
	t.Cleanup(func() { close(unblock) })
	g.handle("release", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-unblock:
		case <-r.Context().Done():
		}
	})

	cfg := g.config(t)
	cfg.ReleaseTimeout = 50 * time.Millisecond
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Close())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, Disconnected, s.State())
}

func TestOperationsRequireConnection(t *testing.T) {
	g := newFakeGateway(t)
	s, err := New(g.config(t))
	require.NoError(t, err)
	ctx := context.Background()

	var nc *NotConnectedError

	_, err = s.PollEvent(ctx)
	assert.True(t, errors.As(err, &nc))
	_, err = s.GetFriends(ctx)
	assert.True(t, errors.As(err, &nc))
	_, err = s.GetGroups(ctx)
	assert.True(t, errors.As(err, &nc))
	_, err = s.GetMembers(ctx, &Group{ID: 1})
	assert.True(t, errors.As(err, &nc))
	_, err = s.SendFriendMessage(ctx, Friend{ID: 1}, message.Chain{message.NewPlain("x")})
	assert.True(t, errors.As(err, &nc))
	_, err = s.SendGroupMessage(ctx, &Group{ID: 1}, message.Chain{message.NewPlain("x")})
	assert.True(t, errors.As(err, &nc))

	assert.Empty(t, g.callLog())
}

func TestWithReleasesOnEveryExit(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		g := newFakeGateway(t)
		boom := errors.New("boom")
		err := With(context.Background(), g.config(t), func(s *Session) error {
			assert.Equal(t, Connected, s.State())
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, g.callsTo("release"))
	})

	t.Run("panic", func(t *testing.T) {
		g := newFakeGateway(t)
		assert.Panics(t, func() {
			_ = With(context.Background(), g.config(t), func(s *Session) error {
				panic("handler exploded")
			})
		})
		assert.Equal(t, 1, g.callsTo("release"))
	})

	t.Run("cancelled context", func(t *testing.T) {
		g := newFakeGateway(t)
		ctx, cancel := context.WithCancel(context.Background())
		err := With(ctx, g.config(t), func(s *Session) error {
			cancel()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, g.callsTo("release"))
	})
}

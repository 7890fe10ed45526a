package mirai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sipeed/miraiclaw/pkg/logger"
)

const defaultReleaseTimeout = 5 * time.Second

var validate = validator.New()

// Config describes how to reach the gateway and which account to bind.
type Config struct {
	Host    string `validate:"required,hostname_rfc1123|ip"`
	Port    int    `validate:"required,min=1,max=65535"`
	AuthKey string `validate:"required"`
	QQ      int64  `validate:"required,gt=0"`

	// HTTPClient is used for every request. Nil means http.DefaultClient.
	HTTPClient *http.Client
	// ReleaseTimeout bounds the release call made by Close. Zero means 5s.
	ReleaseTimeout time.Duration
}

// sessionState is the session key and connection state, written only by
// Connect and Disconnect.
type sessionState struct {
	mu    sync.RWMutex
	key   string
	state ConnectionState
}

func (s *sessionState) snapshot() (string, ConnectionState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key, s.state
}

func (s *sessionState) set(key string, state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	s.state = state
}

// Session is one authenticated session against a gateway.
//
// The session key and state are guarded internally, so a poll loop and
// senders may share a Session. Connect and Disconnect must not race with
// each other.
type Session struct {
	cfg       Config
	transport *Transport
	state     sessionState
}

// New validates cfg and returns a disconnected Session.
func New(cfg Config) (*Session, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("mirai: invalid config: %w", err)
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = defaultReleaseTimeout
	}
	baseURL := "http://" + cfg.Host + ":" + strconv.Itoa(cfg.Port)
	return &Session{
		cfg:       cfg,
		transport: NewTransport(baseURL, cfg.HTTPClient),
	}, nil
}

// Open creates a Session and connects it. The caller must Close it.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// With opens a session, runs fn with it and releases the session on every
// exit path, including a panic in fn or cancellation of ctx.
func With(ctx context.Context, cfg Config, fn func(*Session) error) error {
	s, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func (s *Session) State() ConnectionState {
	_, state := s.state.snapshot()
	return state
}

// QQ returns the account the session is bound to.
func (s *Session) QQ() int64 {
	return s.cfg.QQ
}

// Connect authenticates with the auth key and binds the issued session key
// to the configured account. Calling it while connected authenticates again.
func (s *Session) Connect(ctx context.Context) error {
	var auth authResponse
	if err := s.transport.PostJSON(ctx, "auth", authRequest{AuthKey: s.cfg.AuthKey}, &auth); err != nil {
		return fmt.Errorf("mirai: auth: %w", err)
	}
	if auth.Code == codeInvalidAuthKey {
		return &AuthError{Code: auth.Code}
	}
	if auth.Session == "" {
		return &MalformedResponseError{Endpoint: "auth", Err: errors.New("missing session key")}
	}

	var verify statusResponse
	if err := s.transport.PostJSON(ctx, "verify", sessionRequest{SessionKey: auth.Session, QQ: s.cfg.QQ}, &verify); err != nil {
		return fmt.Errorf("mirai: verify: %w", err)
	}
	if verify.Code != 0 {
		return &VerificationError{Code: verify.Code, Message: verify.Msg}
	}

	s.state.set(auth.Session, Connected)
	logger.InfoCF("mirai", "Session connected", map[string]interface{}{
		"gateway": s.transport.BaseURL(),
		"qq":      s.cfg.QQ,
	})
	return nil
}

// Disconnect releases the remote session. It makes no request unless the
// session is connected, and always leaves it disconnected; a failed release
// is logged, not returned.
func (s *Session) Disconnect(ctx context.Context) {
	key, state := s.state.snapshot()
	if state != Connected {
		return
	}

	var release statusResponse
	err := s.transport.PostJSON(ctx, "release", sessionRequest{SessionKey: key, QQ: s.cfg.QQ}, &release)
	s.state.set("", Disconnected)

	switch {
	case err != nil:
		logger.WarnCF("mirai", "Session release failed", map[string]interface{}{
			"error": err.Error(),
		})
	case release.Code != 0:
		logger.WarnCF("mirai", "Session release rejected", map[string]interface{}{
			"code": release.Code,
			"msg":  release.Msg,
		})
	default:
		logger.InfoCF("mirai", "Session released", map[string]interface{}{
			"qq": s.cfg.QQ,
		})
	}
}

// Close disconnects, waiting at most the configured release timeout. It
// blocks while the release request is in flight.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReleaseTimeout)
	defer cancel()
	s.Disconnect(ctx)
	return nil
}

// sessionKey returns the key for an authenticated call, or a
// *NotConnectedError naming op.
func (s *Session) sessionKey(op string) (string, error) {
	key, state := s.state.snapshot()
	if state != Connected || key == "" {
		return "", &NotConnectedError{Op: op}
	}
	return key, nil
}

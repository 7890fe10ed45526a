// miraiclaw connects to a mirai-api-http gateway as one bot account and
// offers an interactive console for inspecting rosters and sending
// messages. With the channel enabled it also polls the gateway and prints
// inbound friend and group messages as they arrive.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/sipeed/miraiclaw/pkg/attachments"
	"github.com/sipeed/miraiclaw/pkg/bus"
	"github.com/sipeed/miraiclaw/pkg/channels"
	"github.com/sipeed/miraiclaw/pkg/config"
	"github.com/sipeed/miraiclaw/pkg/logger"
	"github.com/sipeed/miraiclaw/pkg/mirai"
	"github.com/sipeed/miraiclaw/pkg/usage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".miraiclaw", "config.json")
}

func run() error {
	var configPath string
	var envFile string
	var debug bool
	var initOnly bool

	flagSet := pflag.NewFlagSet("miraiclaw", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the JSON config file")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (missing file is ignored)")
	flagSet.BoolVar(&debug, "debug", false, "log at debug level")
	flagSet.BoolVar(&initOnly, "init", false, "write a default config to --config and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if initOnly {
		if err := initConfig(configPath); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s, set gateway.auth_key and gateway.qq before connecting\n", configPath)
		return nil
	}

	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := configureLogging(cfg, debug); err != nil {
		return err
	}
	defer logger.DisableFileLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.Channel.Enabled {
		return runBare(ctx, cfg)
	}
	return runChannel(ctx, cfg)
}

// initConfig writes the default config to path. An existing file is left
// untouched.
func initConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return config.SaveConfig(path, config.DefaultConfig())
}

// loadEnvFile loads KEY=VALUE pairs from path without overriding variables
// that are already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	logger.DebugCF("cli", "Loaded env file", map[string]interface{}{"path": path})
	return nil
}

func configureLogging(cfg *config.Config, debug bool) error {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)

	if cfg.Logging.FileEnabled {
		if err := logger.EnableFileLoggingWithRotation(
			cfg.LogFilePath(),
			cfg.Logging.RotationEnabled,
			cfg.Logging.MaxSizeMB,
			cfg.Logging.MaxAgeDays,
		); err != nil {
			return fmt.Errorf("enable file logging: %w", err)
		}
	}
	return nil
}

// runChannel starts the polling channel, prints inbound messages and routes
// console sends through the message bus.
func runChannel(ctx context.Context, cfg *config.Config) error {
	mb := bus.NewMessageBus()
	defer mb.Close()

	var store *attachments.Store
	if cfg.Channel.DownloadMedia {
		store = attachments.NewStore(cfg.WorkspacePath())
	}

	ch, err := channels.NewMiraiChannel(cfg, mb, store)
	if err != nil {
		return err
	}
	traffic := usage.NewStore(cfg.WorkspacePath())
	ch.SetTrafficStore(traffic)
	if err := ch.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ch.Stop(stopCtx); err != nil {
			logger.WarnCF("cli", "Channel stop failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	mb.RegisterHandler(ch.Name(), ch.Send)
	go mb.DispatchOutbound(ctx)

	con, err := newConsole(ch.Session(), func(ctx context.Context, msg bus.OutboundMessage) error {
		msg.Channel = ch.Name()
		return mb.PublishOutbound(ctx, msg)
	})
	if err != nil {
		return err
	}
	defer con.Close()
	con.traffic = traffic
	con.store = store

	go con.printInbound(ctx, mb)
	return con.Run(ctx)
}

// runBare opens a session without the poll loop; the console sends
// directly.
func runBare(ctx context.Context, cfg *config.Config) error {
	logger.InfoC("cli", "Channel disabled, inbound messages will not be shown")
	return mirai.With(ctx, cfg.MiraiConfig(), func(session *mirai.Session) error {
		con, err := newConsole(session, func(ctx context.Context, msg bus.OutboundMessage) error {
			chain, err := channels.BuildChain(msg)
			if err != nil {
				return err
			}
			_, err = channels.SendChain(ctx, session, msg.ChatID, chain)
			return err
		})
		if err != nil {
			return err
		}
		defer con.Close()
		return con.Run(ctx)
	})
}

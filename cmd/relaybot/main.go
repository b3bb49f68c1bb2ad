package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"clawrelay/client"
	"clawrelay/protocol"
	"clawrelay/server"
)

// relaybot 示例机器人：
//
//	agent 模式：加入世界，定时提交 -command 并打印结果与听到的话
//	mutator 模式：作为游戏端接管命令，直接回显成功结果
func main() {
	var (
		addr     string
		world    string
		key      string
		name     string
		mode     string
		command  string
		interval time.Duration
	)
	flag.StringVar(&addr, "addr", "localhost:8080", "relay address")
	flag.StringVar(&world, "world", server.DefaultWorld, "world to join")
	flag.StringVar(&key, "key", "", "shared key")
	flag.StringVar(&name, "name", "relaybot", "display name")
	flag.StringVar(&mode, "mode", "agent", "agent or mutator")
	flag.StringVar(&command, "command", "look", "command submitted by agents")
	flag.DurationVar(&interval, "interval", 10*time.Second, "agent command interval")
	flag.Parse()

	log, err := server.NewLogger(server.LogConfig{Level: "info", Console: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	q := url.Values{"world": {world}}
	if key != "" {
		q.Set("key", key)
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws", RawQuery: q.Encode()}

	identify := &protocol.Inbound{Type: protocol.KindIdentify, Name: name}
	if mode == protocol.RoleMutator {
		identify.Role = protocol.RoleMutator
	}

	var c *client.Client
	c = client.New(client.Options{
		URL:      u.String(),
		Identify: identify,
		Logger:   log,
		OnMessage: func(kind string, data []byte) {
			if mode == protocol.RoleMutator {
				echoCommand(c, log, kind, data)
				return
			}
			printEvent(log, kind, data)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mode != protocol.RoleMutator && command != "" {
		go submitLoop(ctx, c, log, command, interval)
	}
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("client stopped: %v", err)
	}
}

func submitLoop(ctx context.Context, c *client.Client, log *zap.SugaredLogger, command string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.Send(protocol.Inbound{Type: protocol.KindCommand, Command: command})
			if err != nil {
				log.Debugf("submit skipped: %v", err)
			}
		}
	}
}

func echoCommand(c *client.Client, log *zap.SugaredLogger, kind string, data []byte) {
	if kind != protocol.KindCommand {
		return
	}
	var cmd protocol.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Warnf("bad command frame: %v", err)
		return
	}
	ok := true
	log.Infof("command from %s: %s", cmd.AgentName, cmd.Command)
	err := c.Send(protocol.Inbound{
		Type:    protocol.KindResult,
		Token:   cmd.Token,
		Success: &ok,
		Message: "done: " + strings.TrimSpace(cmd.Command),
	})
	if err != nil {
		log.Warnf("sending result: %v", err)
	}
}

func printEvent(log *zap.SugaredLogger, kind string, data []byte) {
	switch kind {
	case protocol.KindState:
		return
	case protocol.KindHeard:
		var h protocol.Heard
		if json.Unmarshal(data, &h) == nil {
			log.Infof("%s (%.0f away): %s", h.Speaker, h.Distance, h.Text)
			return
		}
	case protocol.KindResult:
		var r protocol.Result
		if json.Unmarshal(data, &r) == nil {
			log.Infof("result success=%t: %s", r.Success, r.Message)
			return
		}
	}
	log.Infof("%s: %s", kind, data)
}

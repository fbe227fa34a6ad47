package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/media"
)

var errQuit = errors.New("quit requested")

const commandTimeout = 10 * time.Second

// console построчные команды пользователя
type console struct {
	mgr    *call.Manager
	in     io.Reader
	out    io.Writer
	logger *zap.Logger
}

func newConsole(mgr *call.Manager, in io.Reader, out io.Writer, logger *zap.Logger) *console {
	return &console{mgr: mgr, in: in, out: out, logger: logger.Named("console")}
}

func (c *console) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("commands: dial <user> [audio|video], answer, hangup, prewarm [audio|video], status, history, quit\n")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				// stdin закрыт: агент продолжает работать без консоли
				<-ctx.Done()
				return ctx.Err()
			}
			if err := c.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch fields[0] {
	case "dial":
		if len(fields) < 2 {
			return errors.New("usage: dial <user> [audio|video]")
		}
		kind, err := parseKind(fields[2:])
		if err != nil {
			return err
		}
		callID, err := c.mgr.Dial(ctx, fields[1], fields[1], kind)
		if err != nil {
			return err
		}
		c.printf("dialing %s (call %s)\n", fields[1], callID)
	case "answer":
		return c.mgr.Answer(ctx)
	case "hangup":
		return c.mgr.HangUp(ctx)
	case "prewarm":
		kind, err := parseKind(fields[1:])
		if err != nil {
			return err
		}
		return c.mgr.Prewarm(ctx, kind)
	case "status":
		info, ok := c.mgr.Current()
		if !ok {
			c.printf("idle\n")
			return nil
		}
		return c.dump(info)
	case "history":
		for _, t := range c.mgr.History() {
			c.printf("%s %s -> %s %s\n", t.Timestamp.Format(time.TimeOnly), t.From, t.To, t.CallID)
		}
	case "quit", "exit":
		return errQuit
	default:
		return errors.Errorf("unknown command %q", fields[0])
	}
	return nil
}

func (c *console) dump(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	c.printf("%s\n", data)
	return nil
}

func (c *console) printf(format string, args ...any) {
	if _, err := fmt.Fprintf(c.out, format, args...); err != nil {
		c.logger.Debug("console write failed", zap.Error(err))
	}
}

func parseKind(args []string) (media.Kind, error) {
	if len(args) == 0 {
		return media.Audio, nil
	}
	kind := media.Kind(args[0])
	if !kind.Valid() {
		return "", errors.Errorf("unknown media kind %q", args[0])
	}
	return kind, nil
}

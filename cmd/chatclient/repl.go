package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ashureev/supportchat/internal/domain"
)

var errQuit = errors.New("quit requested")

// commander is the slice of the engine the prompt drives.
type commander interface {
	SendMessage(ctx context.Context, text string) (domain.Message, error)
	RetryMessage(ctx context.Context, id int64) error
	EndChat(ctx context.Context) error
	ContinueLater(ctx context.Context) error
}

const helpText = `commands:
  <text>        send a message
  /retry <id>   retry a failed message
  /end          end the conversation
  /later        continue the conversation later and quit
  /quit         quit without ending the conversation`

// runCommand executes one prompt line. It returns errQuit when the client should exit.
func runCommand(ctx context.Context, c commander, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := c.SendMessage(ctx, line); err != nil {
			fmt.Fprintf(out, "! not sent: %v\n", err)
		}
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/retry":
		id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil {
			fmt.Fprintln(out, "! usage: /retry <id>")
			return nil
		}
		if err := c.RetryMessage(ctx, id); err != nil {
			fmt.Fprintf(out, "! retry #%d: %v\n", id, err)
		}
	case "/end":
		if err := c.EndChat(ctx); err != nil {
			fmt.Fprintf(out, "! end: %v\n", err)
		}
	case "/later":
		if err := c.ContinueLater(ctx); err != nil {
			fmt.Fprintf(out, "! later: %v\n", err)
			return nil
		}
		return errQuit
	case "/quit":
		return errQuit
	case "/help":
		fmt.Fprintln(out, helpText)
	default:
		fmt.Fprintf(out, "! unknown command %s (try /help)\n", cmd)
	}
	return nil
}

// readLines feeds stdin lines into a channel. It is never joined: a blocked
// terminal read cannot be cancelled.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

// commandLoop runs prompt lines until ctx ends, input ends or the user quits.
func commandLoop(ctx context.Context, c commander, lines <-chan string, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := runCommand(ctx, c, line, out); err != nil {
				return err
			}
		}
	}
}

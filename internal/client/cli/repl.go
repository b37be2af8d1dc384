package cli

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	isLoggedIn() bool
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	Whoami(ctx context.Context) error
	Info(ctx context.Context) error
	Renew(ctx context.Context) error
	Request(ctx context.Context, method string, args []string) error
	Raw(ctx context.Context, args []string) error
	Ping(ctx context.Context) error
	Watch(ctx context.Context) error
}

var requestMethods = map[string]string{
	"get":    http.MethodGet,
	"post":   http.MethodPost,
	"put":    http.MethodPut,
	"patch":  http.MethodPatch,
	"delete": http.MethodDelete,
}

// runREPL starts a simple read–eval–print loop for the fleetsession CLI.
//
// It reads a line from reader, parses the first token as the command, and
// dispatches to methods on 'a'. Unknown commands are reported back to the
// user. The loop exits on EOF, when ctx is done, or when the user types
// "exit" or "quit". Command prompts share reader, so a body or password
// typed after a command is consumed by that command.
//
// Commands available to everyone: help, login, info, ping, watch, exit.
// Signed-in users also get whoami, renew, logout, raw and the request
// verbs get/post/put/patch/delete <endpoint> [json].
//
// Errors returned by command handlers are ignored here; handlers print
// their own messages.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		if ctx.Err() != nil {
			return
		}
		printlnFn(fmt.Sprintf("fs %s> ", statusFn()))
		line, err := readLine(reader)
		if err != nil {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		if method, ok := requestMethods[cmd]; ok {
			if !a.isLoggedIn() {
				printlnFn("Please login first")
				continue
			}
			_ = a.Request(ctx, method, args)
			continue
		}

		switch cmd {
		case "help":
			if a.isLoggedIn() {
				printlnFn("Available commands: get, post, put, patch, delete, raw, whoami, info, renew, ping, watch, logout, exit")
			} else {
				printlnFn("Available commands: login, info, ping, watch, exit")
			}

		case "login":
			_ = a.Login(ctx)

		case "logout":
			_ = a.Logout(ctx)

		case "whoami":
			_ = a.Whoami(ctx)

		case "info":
			_ = a.Info(ctx)

		case "renew":
			_ = a.Renew(ctx)

		case "raw":
			_ = a.Raw(ctx, args)

		case "ping":
			_ = a.Ping(ctx)

		case "watch":
			_ = a.Watch(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}

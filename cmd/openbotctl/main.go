package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/jdelaire/openbot/core/control"
)

const usage = `usage: openbotctl [-socket path] <command>

commands:
  stats           dispatch counters
  handlers        registered handlers
  enable <id>     enable a handler
  disable <id>    disable a handler
`

func main() {
	godotenv.Load()

	fs := flag.NewFlagSet("openbotctl", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	socket := fs.String("socket", os.Getenv("OPENBOT_CONTROL_SOCKET"), "control socket path")
	fs.Parse(os.Args[1:])

	os.Exit(run(*socket, fs.Args(), os.Stdout, os.Stderr))
}

func run(socket string, args []string, stdout, stderr io.Writer) int {
	if socket == "" {
		fmt.Fprintln(stderr, "no control socket: pass -socket or set OPENBOT_CONTROL_SOCKET")
		return 2
	}
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var payload any
	switch action := args[0]; action {
	case control.ActionStats, control.ActionHandlers:
	case control.ActionEnable, control.ActionDisable:
		if len(args) != 2 {
			fmt.Fprintf(stderr, "%s requires a handler id\n", action)
			return 2
		}
		payload = control.TogglePayload{ID: args[1]}
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", action)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := control.Send(ctx, socket, args[0], payload)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	if !resp.OK {
		fmt.Fprintf(stderr, "error: %s\n", resp.Error)
		return 1
	}

	if len(resp.Data) == 0 {
		fmt.Fprintln(stdout, "ok")
		return 0
	}
	var out bytes.Buffer
	if err := json.Indent(&out, resp.Data, "", "  "); err != nil {
		out.Reset()
		out.Write(resp.Data)
	}
	fmt.Fprintln(stdout, out.String())
	return 0
}

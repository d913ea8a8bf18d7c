// Command relayerctl is the operator-facing control tool for a running
// relayer, mirroring the teacher's own lncli: a thin urfave/cli wrapper
// around the relayer's admin HTTP surface (pkg/adminserver) instead of a
// gRPC API, since this relayer exposes no RPC service of its own.
package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[relayerctl] %v\n", err)
	os.Exit(1)
}

// statusSnapshot mirrors adminserver.StatusSnapshot without importing the
// server package, so this binary has no compile-time dependency on the
// relayer's own internals beyond the wire format.
type statusSnapshot struct {
	Name           string            `json:"name"`
	Cursors        map[string]uint64 `json:"cursors"`
	LastBreakerErr *breakerEvent     `json:"last_breaker_event,omitempty"`
	Generations    uint64            `json:"generations"`
}

type breakerEvent struct {
	Kind   int    `json:"Kind"`
	Side   string `json:"Side"`
	Reason string `json:"Reason"`
}

func main() {
	app := cli.NewApp()
	app.Name = "relayerctl"
	app.Version = "0.1"
	app.Usage = "control plane for a running most-relayer instance"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "addr",
			Value: "http://127.0.0.1:9090",
			Usage: "base URL of the relayer's admin server",
		},
		cli.BoolFlag{
			Name:  "insecure",
			Usage: "skip TLS certificate verification when addr uses https",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		if ctx.GlobalBool("insecure") {
			tlsConf := &tls.Config{InsecureSkipVerify: true}
			http.DefaultTransport.(*http.Transport).TLSClientConfig = tlsConf
			websocket.DefaultDialer.TLSClientConfig = tlsConf
		}
		return nil
	}
	app.Commands = []cli.Command{
		statusCommand,
		cursorCommand,
		watchCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

var statusCommand = cli.Command{
	Name:  "status",
	Usage: "print the relayer's current status snapshot",
	Action: func(ctx *cli.Context) error {
		var snap statusSnapshot
		if err := getJSON(ctx.GlobalString("addr")+"/status", &snap); err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Field", "Value"})
		t.AppendRow(table.Row{"name", snap.Name})
		t.AppendRow(table.Row{"generations", snap.Generations})
		for chain, block := range snap.Cursors {
			t.AppendRow(table.Row{"cursor:" + chain, block})
		}
		if snap.LastBreakerErr != nil {
			t.AppendRow(table.Row{"last_breaker_event", fmt.Sprintf(
				"kind=%d side=%s reason=%s",
				snap.LastBreakerErr.Kind, snap.LastBreakerErr.Side, snap.LastBreakerErr.Reason,
			)})
		}
		t.Render()
		return nil
	},
}

var cursorCommand = cli.Command{
	Name:  "cursor",
	Usage: "inspect or seed a relayer cursor",
	Subcommands: []cli.Command{
		{
			Name:      "get",
			Usage:     "print the persisted cursor for a chain",
			ArgsUsage: "<eth|azero>",
			Action: func(ctx *cli.Context) error {
				chain, err := requireChainArg(ctx)
				if err != nil {
					return err
				}
				var resp struct {
					Chain string `json:"chain"`
					Block uint64 `json:"block"`
				}
				url := fmt.Sprintf("%s/cursor?chain=%s", ctx.GlobalString("addr"), chain)
				if err := getJSON(url, &resp); err != nil {
					return err
				}
				fmt.Printf("%s: %d\n", resp.Chain, resp.Block)
				return nil
			},
		},
		{
			Name:      "set",
			Usage:     "seed the persisted cursor for a chain (spec.md §6's override_*_cache flags, made operable at runtime)",
			ArgsUsage: "<eth|azero> <block>",
			Action: func(ctx *cli.Context) error {
				chain, err := requireChainArg(ctx)
				if err != nil {
					return err
				}
				if ctx.Args().Get(1) == "" {
					return fmt.Errorf("missing <block> argument")
				}
				block, err := strconv.ParseUint(ctx.Args().Get(1), 10, 64)
				if err != nil {
					return fmt.Errorf("invalid block number: %w", err)
				}

				body, err := json.Marshal(struct {
					Chain string `json:"chain"`
					Block uint64 `json:"block"`
				}{Chain: chain, Block: block})
				if err != nil {
					return err
				}

				resp, err := http.Post(ctx.GlobalString("addr")+"/cursor", "application/json", strings.NewReader(string(body)))
				if err != nil {
					return fmt.Errorf("post cursor: %w", err)
				}
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					msg, _ := io.ReadAll(resp.Body)
					return fmt.Errorf("set cursor: %s: %s", resp.Status, msg)
				}
				fmt.Printf("%s cursor set to %d\n", chain, block)
				return nil
			},
		},
	},
}

var watchCommand = cli.Command{
	Name:  "watch",
	Usage: "stream circuit-breaker events as they're published",
	Action: func(ctx *cli.Context) error {
		wsURL := toWebsocketURL(ctx.GlobalString("addr")) + "/status/stream"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", wsURL, err)
		}
		defer conn.Close()

		fmt.Printf("watching %s, ctrl-c to exit\n", wsURL)
		for {
			var ev breakerEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return fmt.Errorf("stream closed: %w", err)
			}
			fmt.Printf("kind=%d side=%s reason=%s\n", ev.Kind, ev.Side, ev.Reason)
		}
	},
}

func requireChainArg(ctx *cli.Context) (string, error) {
	chain := ctx.Args().First()
	if chain != "eth" && chain != "azero" {
		return "", fmt.Errorf(`chain argument must be "eth" or "azero", got %q`, chain)
	}
	return chain, nil
}

func getJSON(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %s: %s", url, resp.Status, msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toWebsocketURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "https://"):
		return "wss://" + strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		return "ws://" + strings.TrimPrefix(addr, "http://")
	default:
		return "ws://" + addr
	}
}

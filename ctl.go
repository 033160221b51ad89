package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/peterje/muxhost/internal/config"
	"github.com/peterje/muxhost/internal/control"
)

type ctlOptions struct {
	root    *rootOptions
	socket  string
	url     string
	timeout time.Duration
}

// connect dials the websocket endpoint when --url is set, the unix socket
// otherwise.
func (o *ctlOptions) connect(ctx context.Context) (*control.Client, error) {
	if o.url != "" {
		return control.DialWebSocket(ctx, o.url)
	}
	socket := o.socket
	if socket == "" {
		socket = config.LoadOrDefault(o.root.configPath).Control.SocketPath
	}
	return control.Dial(socket)
}

// run opens a client, applies the timeout and hands both to fn.
func (o *ctlOptions) run(cmd *cobra.Command, fn func(context.Context, *control.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	c, err := o.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func newCtlCmd(root *rootOptions) *cobra.Command {
	opts := &ctlOptions{root: root}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Talk to a running host over its control socket",
	}
	cmd.PersistentFlags().StringVar(&opts.socket, "socket", "", "control socket path (default from config)")
	cmd.PersistentFlags().StringVar(&opts.url, "url", "", "websocket control endpoint, e.g. ws://127.0.0.1:8765/ws/control")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(
		simpleCtl(opts, "ping", "Check the host is alive", func(ctx context.Context, c *control.Client, out io.Writer) error {
			if err := c.Ping(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "pong")
			return nil
		}),
		simpleCtl(opts, "create", "Open a terminal session", func(ctx context.Context, c *control.Client, out io.Writer) error {
			id, err := c.Create(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, id)
			return nil
		}),
		simpleCtl(opts, "list", "List terminal sessions", func(ctx context.Context, c *control.Client, out io.Writer) error {
			list, err := c.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, list)
		}),
		simpleCtl(opts, "spawn", "Start the backend", func(ctx context.Context, c *control.Client, _ io.Writer) error {
			return c.Spawn(ctx)
		}),
		simpleCtl(opts, "port", "Print the backend port (0 when unknown)", func(ctx context.Context, c *control.Client, out io.Writer) error {
			port, err := c.Port(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, port)
			return nil
		}),
		simpleCtl(opts, "health", "Probe the backend", func(ctx context.Context, c *control.Client, out io.Writer) error {
			ok, err := c.Health(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, ok)
			return nil
		}),
		simpleCtl(opts, "terminate", "Kill the backend", func(ctx context.Context, c *control.Client, _ io.Writer) error {
			return c.Terminate(ctx)
		}),
		simpleCtl(opts, "status", "Print the backend status", func(ctx context.Context, c *control.Client, out io.Writer) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, st)
		}),
		newCtlWriteCmd(opts),
		newCtlReadCmd(opts),
		newCtlResizeCmd(opts),
		newCtlCloseCmd(opts),
	)
	return cmd
}

func simpleCtl(opts *ctlOptions, use, short string, fn func(context.Context, *control.Client, io.Writer) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(ctx context.Context, c *control.Client) error {
				return fn(ctx, c, cmd.OutOrStdout())
			})
		},
	}
}

func newCtlWriteCmd(opts *ctlOptions) *cobra.Command {
	var noNewline bool
	cmd := &cobra.Command{
		Use:   "write <id> <text>...",
		Short: "Send text to a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			data := strings.Join(args[1:], " ")
			if !noNewline {
				data += "\n"
			}
			return opts.run(cmd, func(ctx context.Context, c *control.Client) error {
				return c.Write(ctx, id, []byte(data))
			})
		},
	}
	cmd.Flags().BoolVarP(&noNewline, "no-newline", "n", false, "do not append a newline")
	return cmd
}

func newCtlReadCmd(opts *ctlOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "read <id>",
		Short: "Print pending session output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, c *control.Client) error {
				deadline := time.Now().Add(wait)
				for {
					data, err := c.Read(ctx, id)
					if err != nil {
						return err
					}
					cmd.OutOrStdout().Write(data)
					if !time.Now().Before(deadline) {
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep reading for this long")
	return cmd
}

func newCtlResizeCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resize <id> <cols> <rows>",
		Short: "Change a session's terminal size",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			cols, err := parseDimension("cols", args[1])
			if err != nil {
				return err
			}
			rows, err := parseDimension("rows", args[2])
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, c *control.Client) error {
				return c.Resize(ctx, id, cols, rows)
			})
		},
	}
}

func newCtlCloseCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Close a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, c *control.Client) error {
				return c.CloseSession(ctx, id)
			})
		},
	}
}

func parseSessionID(raw string) (uint32, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid session id %q", raw)
	}
	return uint32(id), nil
}

func parseDimension(name, raw string) (uint16, error) {
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return uint16(n), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

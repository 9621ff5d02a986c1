package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/rpcbridge"
	"pkt.systems/rpcbridge/client"
	"pkt.systems/rpcbridge/internal/jsonutil"
	"pkt.systems/rpcbridge/tlsutil"
)

const (
	clientServerKey   = "client.server"
	clientBearerKey   = "client.bearer"
	clientCAKey       = "client.ca"
	clientInsecureKey = "client.insecure"
	clientTimeoutKey  = "client.timeout"
)

type clientCLIConfig struct {
	server   string
	bearer   string
	caPath   string
	insecure bool
	timeout  time.Duration
}

// addClientConnectionFlags registers the flags shared by the commands that
// talk to a running bridge.
func addClientConnectionFlags(cmd *cobra.Command) *clientCLIConfig {
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", "http://"+rpcbridge.DefaultListen+"/", "bridge endpoint for call, status and wait")
	flags.String("bearer", "", "bearer key sent to the bridge")
	flags.String("ca", "", "PEM file with the CA that signed the bridge certificate")
	flags.Bool("insecure", false, "skip TLS certificate verification")
	flags.Duration("timeout", 0, "HTTP timeout per request (default: the client default)")
	for key, name := range map[string]string{
		clientServerKey:   "server",
		clientBearerKey:   "bearer",
		clientCAKey:       "ca",
		clientInsecureKey: "insecure",
		clientTimeoutKey:  "timeout",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return &clientCLIConfig{}
}

func (c *clientCLIConfig) load() error {
	if _, err := loadConfigFile(); err != nil {
		return err
	}
	c.server = strings.TrimSpace(viper.GetString(clientServerKey))
	c.bearer = viper.GetString(clientBearerKey)
	c.caPath = strings.TrimSpace(viper.GetString(clientCAKey))
	c.insecure = viper.GetBool(clientInsecureKey)
	c.timeout = viper.GetDuration(clientTimeoutKey)
	return nil
}

func (c *clientCLIConfig) newClient(extra ...client.Option) (*client.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	opts := []client.Option{client.WithBearer(c.bearer), client.WithHTTPTimeout(c.timeout)}
	if c.caPath != "" {
		path, err := expandPath(c.caPath)
		if err != nil {
			return nil, fmt.Errorf("expand --ca: %w", err)
		}
		pool, err := tlsutil.LoadCertPool(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithRootCAs(pool))
	}
	if c.insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	opts = append(opts, extra...)
	return client.New(c.server, opts...)
}

func newCallCommand(cfg *clientCLIConfig) *cobra.Command {
	var (
		method       string
		params       string
		id           string
		data         string
		rpcErr       bool
		retries      int
		retryBackoff time.Duration
		retryUnavail bool
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Send one JSON-RPC request and print the reply",
		Long: `Send one JSON-RPC request through the bridge and print the consumer's reply.

The body is taken from --data ("-" reads stdin) or built from --method,
--params and --id. It is compacted and validated before it is sent.`,
		Example: `  rpcbridge call --method ping --id 1
  rpcbridge call --method add --params '[1, 2]' --id 2
  echo '{"jsonrpc":"2.0","method":"ping","id":7}' | rpcbridge call --data -
  rpcbridge call --method reload --retries 10 --retry-unavailable`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := buildCallBody(cmd.InOrStdin(), data, method, params, id)
			if err != nil {
				return err
			}
			opts := []client.Option{
				client.WithFailureRetries(retries),
				client.WithRetryBackoff(retryBackoff, 0),
			}
			if retryUnavail {
				opts = append(opts, client.WithRetryOnUnavailable())
			}
			cli, err := cfg.newClient(opts...)
			if err != nil {
				return err
			}
			resp, err := cli.Call(cmd.Context(), body)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\n", resp.Body); err != nil {
				return err
			}
			if rpcErr {
				if e := resp.RPCError(); e != nil {
					return e
				}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&method, "method", "m", "", "JSON-RPC method")
	flags.StringVarP(&params, "params", "p", "", "JSON params (array or object)")
	flags.StringVar(&id, "id", "", "request id; numbers stay numeric, anything else is sent as a string")
	flags.StringVarP(&data, "data", "d", "", "raw request body, or - for stdin")
	flags.BoolVar(&rpcErr, "fail-on-error", false, "exit non-zero when the reply is a JSON-RPC error")
	flags.IntVar(&retries, "retries", 0, "retry this many times when the bridge cannot be reached (-1 retries until interrupted)")
	flags.DurationVar(&retryBackoff, "retry-backoff", 0, "delay before the first retry, doubled after each (default: the client default)")
	flags.BoolVar(&retryUnavail, "retry-unavailable", false, "also retry when the bridge replies that the consumer was unavailable, interrupted or shutting down")
	return cmd
}

// buildCallBody returns the compacted request body for call.
func buildCallBody(stdin io.Reader, data, method, params, id string) ([]byte, error) {
	switch {
	case data != "" && method != "":
		return nil, errors.New("--data and --method are mutually exclusive")
	case data == "-":
		body, err := jsonutil.CompactReader(stdin, rpcbridge.DefaultMaxPayloadBytes)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return body, nil
	case data != "":
		return jsonutil.Compact([]byte(data), 0)
	case method == "":
		return nil, errors.New("either --method or --data is required")
	}

	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
		ID      json.RawMessage `json:"id,omitempty"`
	}{JSONRPC: "2.0", Method: method}
	if params != "" {
		compact, err := jsonutil.Compact([]byte(params), 0)
		if err != nil {
			return nil, fmt.Errorf("--params: %w", err)
		}
		req.Params = compact
	}
	if id != "" {
		if _, err := strconv.ParseFloat(id, 64); err == nil {
			req.ID = json.RawMessage(id)
		} else {
			quoted, err := json.Marshal(id)
			if err != nil {
				return nil, err
			}
			req.ID = quoted
		}
	}
	return json.Marshal(req)
}

func newStatusCommand(cfg *clientCLIConfig) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the bridge status document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.newClient()
			if err != nil {
				return err
			}
			st, err := cli.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func printStatus(out io.Writer, st *client.Status, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	rss := "n/a"
	if st.RSSBytes > 0 {
		rss = humanize.IBytes(st.RSSBytes)
	}
	_, err := fmt.Fprintf(out,
		"bridge: %s\navailability: %s\npid: %d\nversion: %s\nuptime: %s\nrss: %s\nwaiting: %d\npending: %t\nserved: replied=%d timed_out=%d interrupted=%d shutting_down=%d rejected=%d\n",
		st.Bridge, st.Availability, st.PID, st.Version, st.Uptime, rss, st.Waiting, st.Pending,
		st.Served.Replied, st.Served.TimedOut, st.Served.Interrupted, st.Served.ShuttingDown, st.Served.Rejected)
	return err
}

func newWaitCommand(cfg *clientCLIConfig) *cobra.Command {
	var (
		deadline time.Duration
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until the consumer claims availability",
		Long: `Poll the status route until the consumer behind the bridge is available.
Connection errors are retried until --for elapses, so wait can be started
before the bridge itself.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.newClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if deadline > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, deadline)
				defer cancel()
			}
			start := time.Now()
			st, err := cli.WaitAvailable(ctx, interval)
			if err != nil {
				return fmt.Errorf("wait for %s: %w", cli.Endpoint(), err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "available after %s (pid %d)\n", time.Since(start).Truncate(time.Millisecond), st.PID)
			return err
		},
	}
	cmd.Flags().DurationVar(&deadline, "for", 30*time.Second, "give up after this long (0 waits forever)")
	cmd.Flags().DurationVar(&interval, "interval", 250*time.Millisecond, "poll interval")
	return cmd
}


// Command atlsconnect dials a DStack-orchestrated TDX confidential VM
// over attested TLS and prints the resulting attestation report.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/atls-project/atls"
	"github.com/atls-project/atls/atlslog"
	"github.com/atls-project/atls/policy"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		policyPath string
		policyDev  bool
		alpn       []string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "atlsconnect <host:port> <server-name>",
		Short: "Connect to a DStack TDX confidential VM over attested TLS",
		Long: `atlsconnect performs an attested TLS handshake against a DStack-orchestrated
Intel TDX confidential VM and prints the resulting attestation report as JSON.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, serverName := args[0], args[1]

			var p *policy.DstackTDX
			switch {
			case policyDev:
				p = policy.Dev()
			case policyPath != "":
				data, err := os.ReadFile(policyPath)
				if err != nil {
					return fmt.Errorf("reading policy file: %w", err)
				}
				p, err = policy.Load(data)
				if err != nil {
					return err
				}
			default:
				p = policy.Default()
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			dialer := net.Dialer{}
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return fmt.Errorf("dialing %s: %w", addr, err)
			}

			tlsConn, report, err := atls.Connect(ctx, conn, serverName, p, alpn)
			if err != nil {
				return fmt.Errorf("atls connect: %w", err)
			}
			defer tlsConn.Close()

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&policyPath, "policy", "", "path to a JSON policy document")
	flags.BoolVar(&policyDev, "dev", false, "use the relaxed development policy preset (NEVER in production)")
	flags.StringSliceVar(&alpn, "alpn", nil, "ALPN protocols to offer, e.g. h2,http/1.1")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "overall dial+handshake+verify timeout")

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the atlsconnect version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("atlsconnect (development build)")
		},
	}
}

func init() {
	// Keep the default zap production logger; atlslog.SetLogger lets an
	// embedding deployment swap it for something else before Connect runs.
	_ = atlslog.L()
}

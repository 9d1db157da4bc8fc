package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	devboxv1 "github.com/antonkrylov/devbox/internal/api/devboxv1"
	"github.com/antonkrylov/devbox/internal/client"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Print connection diagnostics and check the control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			conn := root.conn
			exe, _ := os.Executable()
			fmt.Fprintf(out, "rl_executable=%s\n", strings.TrimSpace(exe))
			fmt.Fprintf(out, "config_path=%s\n", conn.ConfigPath)
			fmt.Fprintf(out, "config_present=%t\n", conn.Config != nil)
			if conn.ContextName != "" {
				fmt.Fprintf(out, "context=%s\n", conn.ContextName)
			}
			fmt.Fprintf(out, "api_addr=%s\n", conn.APIAddr)
			fmt.Fprintf(out, "tls=%t\n", conn.TLS)
			fmt.Fprintf(out, "timeout=%s\n", conn.Timeout)
			fmt.Fprintf(out, "poll_interval=%s\n", conn.PollInterval)
			if conn.Compression != "" {
				fmt.Fprintf(out, "compression=%s\n", conn.Compression)
			}

			_, grpcConn, err := client.DialDevboxService(conn.APIAddr, conn.SecurityMode())
			if err != nil {
				fmt.Fprintf(out, "dial_error=%s\n", err)
				return nil
			}
			defer grpcConn.Close()
			ctx, cancel := context.WithTimeout(context.Background(), conn.Timeout)
			defer cancel()
			start := time.Now()
			if err := client.WaitReady(ctx, grpcConn); err != nil {
				fmt.Fprintf(out, "connect_error=%s state=%s\n", err, grpcConn.GetState())
				return nil
			}
			fmt.Fprintf(out, "connect_latency=%s\n", time.Since(start).Round(time.Millisecond))
			start = time.Now()
			resp, err := healthpb.NewHealthClient(grpcConn).Check(ctx, &healthpb.HealthCheckRequest{Service: devboxv1.ServiceName})
			if err != nil {
				fmt.Fprintf(out, "health_error=%s\n", err)
				return nil
			}
			fmt.Fprintf(out, "health=%s\n", resp.GetStatus())
			fmt.Fprintf(out, "health_latency=%s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

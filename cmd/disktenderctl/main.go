package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/osdfleet/disktender/api/wire"
	"github.com/osdfleet/disktender/internal/log"
	"github.com/osdfleet/disktender/internal/security"
)

const requestTimeout = 24 * time.Hour // disk operations wait on backfill; do not cut them short

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "disktenderctl",
	Short: "Issue disk operations to a disktender daemon",
}

func init() {
	rootCmd.PersistentFlags().String("addr", "localhost:5555", "Daemon address")
	rootCmd.PersistentFlags().String("cert-dir", "/etc/disktender/certs", "Directory holding node.crt, node.key, ca.crt")
	rootCmd.PersistentFlags().String("server-name", "disktender", "Expected server certificate name")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		log.Init(log.Config{Level: log.Level(level)})
	})

	rootCmd.AddCommand(addCmd, listCmd, removeCmd, safeCmd, ticketsCmd)
}

// dial connects to the daemon with mutual TLS.
func dial(cmd *cobra.Command) (*grpc.ClientConn, *wire.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	certDir, _ := cmd.Flags().GetString("cert-dir")
	serverName, _ := cmd.Flags().GetString("server-name")

	identity, err := security.NewFileKeySource(certDir).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load client identity: %w", err)
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(security.ClientTLSConfig(identity, serverName))),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.CodecName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return conn, wire.NewClient(conn), nil
}

func printOperation(resp *wire.OperationResponse) {
	fmt.Printf("result:  %s\n", resp.Result)
	if resp.Outcome != "" {
		fmt.Printf("outcome: %s\n", resp.Outcome)
	}
	if resp.Safe != nil {
		fmt.Printf("safe:    %v\n", *resp.Safe)
	}
	if resp.Message != "" {
		fmt.Printf("message: %s\n", resp.Message)
	}
}

var addCmd = &cobra.Command{
	Use:   "add <device>",
	Short: "Provision an OSD on a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, client, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		req := &wire.AddRequest{Device: args[0]}
		if idStr, _ := cmd.Flags().GetString("osd-id"); idStr != "" {
			id, err := strconv.Atoi(idStr)
			if err != nil {
				return fmt.Errorf("parse --osd-id %q: %w", idStr, err)
			}
			req.OSDID = &id
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp, err := client.Add(ctx, req)
		if err != nil {
			return err
		}
		printOperation(resp)
		return nil
	},
}

func init() {
	addCmd.Flags().String("osd-id", "", "Desired OSD id (optional)")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the host's block devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, client, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		resp, err := client.List(ctx, &wire.ListRequest{})
		if err != nil {
			return err
		}
		if resp.Result != wire.ResultOK {
			return fmt.Errorf("list failed: %s", resp.Message)
		}
		for _, d := range resp.Disks {
			fmt.Printf("%-16s %-12s serial=%s partitions=%d\n", d.Path, d.Media, d.Serial, len(d.Partitions))
			for _, p := range d.Partitions {
				fmt.Printf("    %s  %q  lba %d-%d\n", p.UUID, p.Name, p.FirstLBA, p.LastLBA)
			}
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <device>",
	Short: "Evacuate and tear down the OSD on a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, client, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp, err := client.Remove(ctx, &wire.RemoveRequest{Device: args[0]})
		if err != nil {
			return err
		}
		printOperation(resp)
		return nil
	},
}

var safeCmd = &cobra.Command{
	Use:   "safe-to-remove <device>",
	Short: "Ask whether a device can be removed without jeopardizing data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, client, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		resp, err := client.SafeToRemove(ctx, &wire.SafeToRemoveRequest{Device: args[0]})
		if err != nil {
			return err
		}
		printOperation(resp)
		return nil
	},
}

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "List open repair tickets on the host",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, client, err := dial(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		resp, err := client.GetCreatedTickets(ctx, &wire.TicketsRequest{})
		if err != nil {
			return err
		}
		if resp.Result != wire.ResultOK {
			return fmt.Errorf("tickets query failed: %s", resp.Message)
		}
		for _, t := range resp.Tickets {
			fmt.Printf("%-14s %-16s state=%s host=%s\n", t.TrackingID, t.DevicePath, t.State, t.Hostname)
		}
		return nil
	},
}

// Command hawk-client is the client mode of spec §6's "two invocations
// only": it connects to a server node id and issues one of the five
// client-facing commands (collect, print, abort, completed, subscribe),
// mirroring the
// teacher's menu-driven client CLI translated into one-shot
// subcommands instead of an interactive loop.
package main

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/hawkdlm/hawkdlm/internal/config"
	"github.com/hawkdlm/hawkdlm/internal/dedup"
	"github.com/hawkdlm/hawkdlm/internal/ids"
	"github.com/hawkdlm/hawkdlm/internal/proto"
	"github.com/hawkdlm/hawkdlm/internal/transport"
	"github.com/spf13/cobra"
)

var (
	serverNodeID int
	configPath   string
)

func main() {
	root := &cobra.Command{
		Use:   "hawk-client",
		Short: "Query or drive a hawkdlm node",
	}
	root.PersistentFlags().IntVar(&serverNodeID, "server", 0, "the server node id to connect to (required)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the cluster YAML config file")
	_ = root.MarkPersistentFlagRequired("server")

	root.AddCommand(collectCmd(), printCmd(), abortCmd(), subscribeCmd(), completedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func collectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Request the server node's current aggregated wait-for graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			var reply proto.Envelope
			if err := client.Call(transport.ClientRecipientName+".CollectWFG", proto.Envelope{}, &reply); err != nil {
				return fmt.Errorf("hawk-client: collect: %w", err)
			}
			if len(reply.Adjacency) == 0 {
				fmt.Println("no wait-for edges reported")
				return nil
			}
			for waiter, holders := range reply.Adjacency {
				fmt.Printf("T%d waits for %v\n", waiter, holders)
			}
			return nil
		},
	}
}

func printCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print",
		Short: "Request the deadlock cycles detected so far",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			var reply proto.Envelope
			if err := client.Call(transport.ClientRecipientName+".PrintDeadlocks", proto.Envelope{}, &reply); err != nil {
				return fmt.Errorf("hawk-client: print: %w", err)
			}
			fmt.Printf("%d deadlocks recorded\n", reply.DeadlockCount)
			for _, cyc := range reply.Cycles {
				fmt.Printf("  cycle: %v\n", cyc)
			}
			return nil
		},
	}
}

func abortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <txn-id>",
		Short: "Request that the server abort the given transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txnID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("hawk-client: invalid transaction id %q: %w", args[0], err)
			}

			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			var reply proto.Ack
			req := proto.Envelope{Txn: ids.TransactionId(txnID)}
			if err := client.Call(transport.ClientRecipientName+".ResolveDeadlock", req, &reply); err != nil {
				return fmt.Errorf("hawk-client: abort: %w", err)
			}
			if !reply.OK {
				return fmt.Errorf("hawk-client: abort rejected: %s", reply.Error)
			}
			fmt.Printf("transaction %d aborted\n", txnID)
			return nil
		},
	}
}

func completedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completed",
		Short: "Request the server node's completed-transaction audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial()
			if err != nil {
				return err
			}
			defer client.Close()

			var reply proto.Envelope
			if err := client.Call(transport.ClientRecipientName+".PrintCompleted", proto.Envelope{}, &reply); err != nil {
				return fmt.Errorf("hawk-client: completed: %w", err)
			}
			if len(reply.Completed) == 0 {
				fmt.Println("no completed transactions recorded")
				return nil
			}
			for _, r := range reply.Completed {
				fmt.Printf("T%d (home %d): %s, %s\n", r.Txn, r.Home, r.Status, r.Finished.Sub(r.Start))
			}
			return nil
		},
	}
}

func subscribeCmd() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Listen for DEADLOCK_REPORT_TO_CLIENT pushes the coordinator sends after each round",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:0", "local address to listen on for pushed reports")
	return cmd
}

func runSubscribe(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("hawk-client: listen: %w", err)
	}
	defer ln.Close()

	if err := rpc.RegisterName("ReportSink", &reportSink{seen: dedup.New(time.Minute)}); err != nil {
		return fmt.Errorf("hawk-client: registering report sink: %w", err)
	}

	client, err := dial()
	if err != nil {
		return err
	}
	var ack proto.Ack
	subErr := client.Call(transport.ClientRecipientName+".Subscribe", ln.Addr().String(), &ack)
	client.Close()
	if subErr != nil {
		return fmt.Errorf("hawk-client: subscribe: %w", subErr)
	}
	if !ack.OK {
		return fmt.Errorf("hawk-client: subscribe rejected: %s", ack.Error)
	}

	fmt.Printf("subscribed at %s, waiting for deadlock reports (ctrl-C to stop)\n", ln.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}
		go rpc.ServeConn(conn)
	}
}

// reportSink is the net/rpc-visible push target hawk-client subscribe
// registers: the coordinator dials back and calls Deliver directly,
// mirroring the server side's own Service.Deliver entry point.
type reportSink struct {
	seen *dedup.Set
}

// Deliver prints a pushed deadlock report, dropping a redelivery of
// the same report (by correlation id) caused by the coordinator's own
// retry on a slow or dropped first attempt.
func (s *reportSink) Deliver(env proto.Envelope, reply *proto.Ack) error {
	*reply = proto.Ack{OK: true}
	if s.seen.Seen(env.CorrelationID) {
		return nil
	}
	fmt.Printf("%d deadlock(s) reported by node %d:\n", env.DeadlockCount, env.Sender)
	for _, cyc := range env.Cycles {
		fmt.Printf("  cycle: %v\n", cyc)
	}
	return nil
}

func dial() (*rpc.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("hawk-client: %w", err)
	}
	addr, ok := cfg.Peers[serverNodeID]
	if !ok {
		return nil, fmt.Errorf("hawk-client: no peer address configured for server node %d", serverNodeID)
	}
	client, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("hawk-client: dialing node %d (%s): %w", serverNodeID, addr, err)
	}
	return client, nil
}

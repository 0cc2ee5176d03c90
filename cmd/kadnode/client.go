package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/busybox42/kadnode/pkg/config"
	"github.com/busybox42/kadnode/pkg/crypto"
	"github.com/busybox42/kadnode/pkg/network"
	"github.com/busybox42/kadnode/pkg/protocol"
	"github.com/busybox42/kadnode/pkg/tor"
	"github.com/busybox42/kadnode/pkg/types"
)

// runClient sends a single command to target. Arguments for store,
// find_node and find_value are read from stdin.
func runClient(ctx context.Context, cfg config.Config, target, command string, stdin io.Reader, stdout io.Writer) error {
	switch command {
	case "ping", "store", "find_node", "find_value":
	default:
		return fmt.Errorf("unknown command %q (want ping, store, find_node or find_value)", command)
	}

	identity, err := crypto.GenerateIdentity(ctx, cfg.Difficulty, cfg.LogInterval, log)
	if err != nil {
		return err
	}

	var dialer network.Dialer
	if cfg.Tor {
		m, err := tor.Start(ctx, 0, "", log)
		if err != nil {
			return err
		}
		defer m.Close()
		if dialer, err = m.Dialer(); err != nil {
			return err
		}
	} else if dialer, _, err = network.DialerFor(cfg); err != nil {
		return err
	}

	// an empty address tells the peer not to add us to its table
	client := network.NewClient(identity, "", dialer, network.ConfigFrom(cfg), log)
	peer := types.NodeInfo{Address: target}
	reader := bufio.NewReader(stdin)
	prompt := func(label string) (string, error) {
		fmt.Fprintf(stdout, "%s: ", label)
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", fmt.Errorf("failed to read %s: %w", label, err)
		}
		return strings.TrimSpace(line), nil
	}

	switch command {
	case "ping":
		resp, err := client.Ping(ctx, peer)
		if err != nil {
			return err
		}
		id, _ := types.NodeIDFromBytes(resp.NodeID)
		fmt.Fprintf(stdout, "Pong from %s (online: %v)\n", id, resp.IsOnline)

	case "store":
		key, err := prompt("Key")
		if err != nil {
			return err
		}
		value, err := prompt("Value")
		if err != nil {
			return err
		}
		resp, err := client.Store(ctx, peer, []byte(key), []byte(value))
		if err != nil {
			return err
		}
		if !resp.Success {
			return errors.New("store was not accepted")
		}
		fmt.Fprintf(stdout, "Stored %q on %s\n", key, target)

	case "find_node":
		input, err := prompt("Target node id (hex)")
		if err != nil {
			return err
		}
		id, err := types.ParseNodeID(input)
		if err != nil {
			return err
		}
		resp, err := client.FindNode(ctx, peer, id, 0)
		if err != nil {
			return err
		}
		printNodes(stdout, protocol.FromWire(resp.Nodes))

	case "find_value":
		key, err := prompt("Key")
		if err != nil {
			return err
		}
		resp, err := client.FindValue(ctx, peer, []byte(key), 0)
		if err != nil {
			return err
		}
		if len(resp.Value) > 0 {
			fmt.Fprintf(stdout, "Value: %s\n", resp.Value)
			return nil
		}
		fmt.Fprintln(stdout, "Value not held by this node.")
		printNodes(stdout, protocol.FromWire(resp.Nodes))
	}
	return nil
}

func printNodes(w io.Writer, nodes []types.NodeInfo) {
	fmt.Fprintf(w, "Found %d nodes:\n", len(nodes))
	for _, n := range nodes {
		fmt.Fprintf(w, "  %s @ %s\n", n.ID, n.Address)
	}
}

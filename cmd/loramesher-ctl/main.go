// loramesher-ctl is a command-line client for a running node's
// Application API (spec.md §6.4), issuing one command per invocation
// over the same WebSocket protocol the API server speaks.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/agsys/loramesher/internal/api"
)

var (
	serverAddr string

	rootCmd = &cobra.Command{
		Use:   "loramesher-ctl",
		Short: "LoraMesher node admin CLI",
		Long:  "Issues Application API commands against a running loramesher-node over its admin WebSocket.",
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show network status",
		RunE:  showStatus,
	}

	routesCmd = &cobra.Command{
		Use:   "routes",
		Short: "Show the routing table",
		RunE:  showRoutes,
	}

	slotsCmd = &cobra.Command{
		Use:   "slots",
		Short: "Show the superframe slot table",
		RunE:  showSlots,
	}

	pingCmd = &cobra.Command{
		Use:   "ping [address]",
		Short: "Ping a node by 16-bit address (hex, e.g. 0x0002)",
		Args:  cobra.ExactArgs(1),
		RunE:  sendPing,
	}

	pingTimeout uint32
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "addr", "a", "ws://127.0.0.1:7200/ws", "Node admin WebSocket URL")
	pingCmd.Flags().Uint32VarP(&pingTimeout, "timeout", "t", 1000, "Ping timeout in milliseconds")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(slotsCmd)
	rootCmd.AddCommand(pingCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// dial opens the admin WebSocket and sends a single command, returning
// the matching result frame's raw payload.
func dial(cmdType api.MessageType, payload interface{}) (json.RawMessage, error) {
	conn, _, err := websocket.DefaultDialer.Dial(serverAddr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}
	defer conn.Close()

	var rawPayload json.RawMessage
	if payload != nil {
		rawPayload, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode command: %w", err)
		}
	}

	req := api.Message{Type: cmdType, ID: "ctl-1", Timestamp: time.Now().UnixMilli(), Payload: rawPayload}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp api.Message
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.Payload, nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	raw, err := dial(api.CmdGetNetworkStatus, nil)
	if err != nil {
		return err
	}
	var status api.NetworkStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("failed to parse status: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "STATE\t%s\n", status.State)
	fmt.Fprintf(w, "NETWORK MANAGER\t0x%04x\n", uint16(status.NetworkManager))
	fmt.Fprintf(w, "CURRENT SLOT\t%d\n", status.CurrentSlot)
	fmt.Fprintf(w, "SYNCHRONIZED\t%v\n", status.Synchronized)
	fmt.Fprintf(w, "CONNECTED NODES\t%d\n", status.ConnectedNodes)
	return w.Flush()
}

func showRoutes(cmd *cobra.Command, args []string) error {
	raw, err := dial(api.CmdGetRoutingTable, nil)
	if err != nil {
		return err
	}
	var routes []api.RouteView
	if err := json.Unmarshal(raw, &routes); err != nil {
		return fmt.Errorf("failed to parse routing table: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DESTINATION\tNEXT HOP\tHOPS\tLINK QUALITY")
	for _, r := range routes {
		fmt.Fprintf(w, "0x%04x\t0x%04x\t%d\t%d\n", uint16(r.Destination), uint16(r.NextHop), r.HopCount, r.LinkQuality)
	}
	return w.Flush()
}

func showSlots(cmd *cobra.Command, args []string) error {
	raw, err := dial(api.CmdGetSlotTable, nil)
	if err != nil {
		return err
	}
	var slots []string
	if err := json.Unmarshal(raw, &slots); err != nil {
		return fmt.Errorf("failed to parse slot table: %w", err)
	}
	for i, s := range slots {
		fmt.Printf("%4d  %s\n", i, s)
	}
	return nil
}

type pingCommandPayload struct {
	Dest      uint16 `json:"dest"`
	TimeoutMs uint32 `json:"timeout_ms"`
}

func sendPing(cmd *cobra.Command, args []string) error {
	var dest uint16
	if _, err := fmt.Sscanf(args[0], "0x%x", &dest); err != nil {
		if _, err := fmt.Sscanf(args[0], "%d", &dest); err != nil {
			return fmt.Errorf("invalid address %q: expected hex (0x0002) or decimal", args[0])
		}
	}

	raw, err := dial(api.CmdSendPing, pingCommandPayload{Dest: dest, TimeoutMs: pingTimeout})
	if err != nil {
		return err
	}
	fmt.Printf("ping to 0x%04x queued: %s\n", dest, string(raw))
	return nil
}

package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/moltbot/moltbroker/pkg/wire"
)

// clientTimeout bounds one round trip against a running broker.
const clientTimeout = 10 * time.Second

// sendRequest performs one wire round trip against a running broker and
// returns the decoded response object.
func sendRequest(addr string, req any) (map[string]any, error) {
	conn, err := net.DialTimeout("tcp", addr, clientTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to broker at %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(clientTimeout))

	if err := wire.WriteResponse(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	line, err := wire.ReadLine(conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// printJSON renders a response for the terminal.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

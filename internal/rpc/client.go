package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// ClientVersion is the version of this RPC client.
// Set by the CLI from its version before making RPC calls.
var ClientVersion = "0.0.0"

// Client represents an RPC client that connects to the daemon
type Client struct {
	conn       net.Conn
	socketPath string
	timeout    time.Duration
	dbPath     string // Expected database path for validation
	actor      string
}

// TryConnect attempts to connect to the daemon socket.
// Returns (nil, nil) if no daemon is running or it is unhealthy, so
// callers can fall back to direct storage access.
func TryConnect(socketPath string) (*Client, error) {
	return TryConnectWithTimeout(socketPath, 200*time.Millisecond)
}

// TryConnectWithTimeout attempts to connect using the given dial timeout.
func TryConnectWithTimeout(socketPath string, dialTimeout time.Duration) (*Client, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return nil, nil
	}
	if dialTimeout <= 0 {
		dialTimeout = 200 * time.Millisecond
	}

	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		// Stale socket from a crashed daemon.
		_ = os.Remove(socketPath)
		return nil, nil
	}

	client := &Client{
		conn:       conn,
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}

	health, err := client.Health()
	if err != nil || health.Status == statusUnhealthy {
		_ = conn.Close()
		return nil, nil
	}
	return client, nil
}

// Close closes the connection to the daemon
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SetTimeout sets the request timeout duration
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SetDatabasePath sets the expected database path for validation
func (c *Client) SetDatabasePath(dbPath string) {
	c.dbPath = dbPath
}

// SetActor sets the actor for audit trail
func (c *Client) SetActor(actor string) {
	c.actor = actor
}

// Execute sends an RPC request and waits for a response
func (c *Client) Execute(operation string, args interface{}) (*Response, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal args: %w", err)
	}

	req := Request{
		Operation:     operation,
		Args:          argsJSON,
		Actor:         c.actor,
		ClientVersion: ClientVersion,
		ExpectedDB:    c.dbPath,
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	writer := bufio.NewWriter(c.conn)
	if _, err := writer.Write(reqJSON); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("failed to write newline: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush: %w", err)
	}

	respLine, err := bufio.NewReader(c.conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !resp.Success {
		return &resp, fmt.Errorf("operation failed: %s", resp.Error)
	}
	return &resp, nil
}

// Ping verifies the daemon is alive
func (c *Client) Ping() error {
	_, err := c.Execute(OpPing, nil)
	return err
}

// Status retrieves daemon status metadata
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.Execute(OpStatus, nil)
	if err != nil {
		return nil, err
	}
	var status StatusResponse
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status response: %w", err)
	}
	return &status, nil
}

// Health sends a health check request
func (c *Client) Health() (*HealthResponse, error) {
	resp, err := c.Execute(OpHealth, nil)
	if err != nil && resp == nil {
		return nil, err
	}
	var health HealthResponse
	if err := json.Unmarshal(resp.Data, &health); err != nil {
		return nil, fmt.Errorf("failed to unmarshal health response: %w", err)
	}
	return &health, nil
}

// Shutdown sends a graceful shutdown request to the daemon
func (c *Client) Shutdown() error {
	_, err := c.Execute(OpShutdown, nil)
	return err
}

// Enqueue queues a field change via the daemon
func (c *Client) Enqueue(args *EnqueueArgs) (*Response, error) {
	return c.Execute(OpEnqueue, args)
}

// Flush drains the pending queue for a step via the daemon
func (c *Client) Flush(args *FlushArgs) (*Response, error) {
	return c.Execute(OpFlush, args)
}

// Resolve closes an open conflict via the daemon
func (c *Client) Resolve(args *ResolveArgs) (*Response, error) {
	return c.Execute(OpResolve, args)
}

// Conflicts lists open conflicts via the daemon
func (c *Client) Conflicts(args *ConflictsArgs) (*Response, error) {
	return c.Execute(OpConflicts, args)
}

// History retrieves the full change history for a field via the daemon
func (c *Client) History(args *HistoryArgs) (*Response, error) {
	return c.Execute(OpHistory, args)
}

// Stats retrieves session queue counters via the daemon
func (c *Client) Stats(args *StatsArgs) (*Response, error) {
	return c.Execute(OpStats, args)
}

// Audit retrieves recent flush records via the daemon
func (c *Client) Audit(args *AuditArgs) (*Response, error) {
	return c.Execute(OpAudit, args)
}

// Cleanup purges old processed changes and logs via the daemon
func (c *Client) Cleanup(args *CleanupArgs) (*Response, error) {
	return c.Execute(OpCleanup, args)
}

// SessionPut installs a session document via the daemon
func (c *Client) SessionPut(args *SessionPutArgs) (*Response, error) {
	return c.Execute(OpSessionPut, args)
}

// SessionShow retrieves a session document via the daemon
func (c *Client) SessionShow(args *SessionShowArgs) (*Response, error) {
	return c.Execute(OpSessionShow, args)
}

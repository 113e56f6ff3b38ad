// Copyright 2024 PrjFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/avast/retry-go/v4"

	"prjfs/internal/kextsim"
	"prjfs/internal/provider"
	"prjfs/internal/util"
)

// Request types
const (
	RequestStatus            = "status"
	RequestStop              = "stop"
	RequestReloadConfig      = "reload_config"         // Reload daemon config from disk
	RequestOfflineIORegister = "offline_io_register"   // Open an offline IO client
	RequestOfflineIODereg    = "offline_io_deregister" // Close the offline IO client
	RequestInject            = "inject"                // Run a filter hook on a vnode of the simulated mount
	RequestVnodes            = "vnodes"                // List live vnodes
)

// Request represents an IPC request
type Request struct {
	Type string `json:"type"`

	// Inject fields
	Event     string `json:"event,omitempty"`      // Message type name, e.g. hydrate-file
	Path      string `json:"path,omitempty"`       // Vnode path, created on first use
	Target    string `json:"target,omitempty"`     // Rename target
	VnodeType string `json:"vnode_type,omitempty"` // reg or dir when the vnode is created
	Pid       int32  `json:"pid,omitempty"`
	ProcName  string `json:"proc_name,omitempty"`
}

// VnodeInfo describes one live vnode
type VnodeInfo struct {
	Path      string `json:"path"`
	Inode     uint64 `json:"inode"`
	Vid       uint32 `json:"vid"`
	Type      string `json:"type"`
	IOCount   int32  `json:"io_count"`
	Recycling bool   `json:"recycling,omitempty"`
	LastEvent string `json:"last_event,omitempty"` // Last event type the provider handled for the path
}

// Response represents an IPC response
type Response struct {
	Success  bool              `json:"success"`
	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	PID      int               `json:"pid,omitempty"`
	Provider *provider.Stats   `json:"provider,omitempty"`
	Service  *kextsim.Status   `json:"service,omitempty"`
	LogLevel string            `json:"log_level,omitempty"`
	Events   map[string]uint64 `json:"events,omitempty"`
	Excluded uint64            `json:"excluded,omitempty"` // Events dropped by exclude patterns
	Vnodes   []VnodeInfo       `json:"vnodes,omitempty"`
}

func errorResponse(format string, args ...any) *Response {
	return &Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Server is the IPC server
type Server struct {
	listener net.Listener
	handler  func(*Request) *Response
	wg       sync.WaitGroup
}

// NewServer creates a new IPC server
func NewServer(handler func(*Request) *Response) *Server {
	return &Server{handler: handler}
}

// Start listens on SocketPath and serves in the background
func (s *Server) Start() error {
	os.Remove(SocketPath())

	listener, err := net.Listen("unix", SocketPath())
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener

	os.Chmod(SocketPath(), 0600)

	s.wg.Add(1)
	go s.accept()
	return nil
}

// Stop closes the listener and waits for in-flight requests
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(SocketPath())
	}
	s.wg.Wait()
}

// Serve runs the server until ctx is done
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // Server stopped
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}
	resp := s.handler(&req)
	json.NewEncoder(conn).Encode(resp)
}

// Client is the IPC client
type Client struct {
	conn net.Conn
}

// Connect connects to the daemon
func Connect() (*Client, error) {
	conn, err := net.Dial("unix", SocketPath())
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// ConnectWithRetry retries dialing while the socket is missing or
// refusing connections, which is normal while the daemon starts.
func ConnectWithRetry(ctx context.Context) (*Client, error) {
	opts := append(util.DefaultRetryOptions(ctx),
		retry.RetryIf(util.IsDialRetryable),
		retry.LastErrorOnly(true),
	)
	return util.RetryWithResult(ctx, Connect, opts...)
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends a request and returns the response
func (c *Client) Send(req *Request) (*Response, error) {
	if err := json.NewEncoder(c.conn).Encode(req); err != nil {
		return nil, err
	}

	var resp Response
	if err := json.NewDecoder(c.conn).Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("daemon closed connection")
		}
		return nil, err
	}
	return &resp, nil
}

// call sends req and turns an unsuccessful response into an error
func (c *Client) call(req *Request) (*Response, error) {
	resp, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("%s failed: %s", req.Type, resp.Error)
	}
	return resp, nil
}

// Status sends a status request
func (c *Client) Status() (*Response, error) {
	return c.call(&Request{Type: RequestStatus})
}

// Stop sends a stop request
func (c *Client) Stop() (*Response, error) {
	return c.call(&Request{Type: RequestStop})
}

// ReloadConfig requests the daemon to reload its configuration from disk
func (c *Client) ReloadConfig() error {
	_, err := c.call(&Request{Type: RequestReloadConfig})
	return err
}

// RegisterOfflineIO asks the daemon to hold an offline IO client open
func (c *Client) RegisterOfflineIO() error {
	_, err := c.call(&Request{Type: RequestOfflineIORegister})
	return err
}

// DeregisterOfflineIO releases the offline IO client
func (c *Client) DeregisterOfflineIO() error {
	_, err := c.call(&Request{Type: RequestOfflineIODereg})
	return err
}

// Inject runs a filter hook for event on path
func (c *Client) Inject(req *Request) (*Response, error) {
	req.Type = RequestInject
	return c.call(req)
}

// Vnodes lists the live vnodes of the simulated mount
func (c *Client) Vnodes() ([]VnodeInfo, error) {
	resp, err := c.call(&Request{Type: RequestVnodes})
	if err != nil {
		return nil, err
	}
	return resp.Vnodes, nil
}

// IsDaemonRunning checks if the daemon is running
func IsDaemonRunning() bool {
	client, err := Connect()
	if err != nil {
		return false
	}
	client.Close()
	return true
}

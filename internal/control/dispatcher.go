// Package control implements the control-plane dispatcher: it accepts
// connections on a local UNIX domain socket and routes newline-delimited
// JSON requests to Orchestrator operations.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/loykin/provisr/internal/ratelimit"
	"github.com/loykin/provisr/internal/supervisor"
)

// Request is a single control-plane message (§6).
type Request struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Response echoes the request id and reports success or a short error.
type Response struct {
	ID        string `json:"id"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Dispatcher owns the UNIX socket listener and routes requests to the
// Orchestrator. Each connection is served by its own goroutine; requests
// within a connection are handled sequentially, preserving the ordering
// guarantee that a client's own requests are observed in the order sent.
type Dispatcher struct {
	sockPath string
	orch     *supervisor.Orchestrator
	limiter  *ratelimit.Limiter
	log      *slog.Logger

	ln     net.Listener
	groups map[string][]string
}

func New(sockPath string, orch *supervisor.Orchestrator, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		sockPath: sockPath,
		orch:     orch,
		limiter:  ratelimit.New(ratelimit.LocalIPCPolicy),
		log:      log,
	}
}

// SetGroups wires named group membership (group name -> member process
// names) so "stop_group"/"status_group" requests can resolve members from
// the config file's groups. "start_group" does not use this map: its
// request carries the member configs.
func (d *Dispatcher) SetGroups(groups map[string][]string) {
	d.groups = groups
}

// Serve listens on the configured socket path until ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	_ = os.Remove(d.sockPath)
	ln, err := net.Listen("unix", d.sockPath)
	if err != nil {
		return err
	}
	d.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go d.serveConn(conn)
	}
}

func (d *Dispatcher) serveConn(conn net.Conn) {
	defer conn.Close()
	key := conn.RemoteAddr().String()
	if key == "" {
		key = "local"
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		resp := Response{Timestamp: time.Now().UnixMilli()}
		if err := json.Unmarshal(line, &req); err != nil {
			resp.Error = "malformed request"
			_ = enc.Encode(resp)
			continue
		}
		resp.ID = req.ID
		if !d.limiter.Check(key) {
			resp.Error = "rate limit exceeded"
			_ = enc.Encode(resp)
			continue
		}
		data, err := d.dispatch(req)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.Data = data
		}
		if err := enc.Encode(resp); err != nil {
			d.log.Warn("control: write failed", "error", err)
			return
		}
	}
}

func (d *Dispatcher) dispatch(req Request) (any, error) {
	switch req.Type {
	case "ping":
		return map[string]string{"pong": "ok"}, nil
	case "start":
		var cfg supervisor.Config
		if err := json.Unmarshal(req.Data, &cfg); err != nil {
			return nil, err
		}
		return d.orch.Start(cfg)
	case "stop":
		var body struct {
			ID    string `json:"id"`
			Force bool   `json:"force"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, err
		}
		return nil, d.orch.Stop(body.ID, body.Force)
	case "restart":
		var body struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, err
		}
		return nil, d.orch.Restart(body.ID)
	case "delete":
		var body struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, err
		}
		return nil, d.orch.Delete(body.ID)
	case "list":
		return d.orch.List(), nil
	case "status":
		var body struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, err
		}
		if body.Name != "" {
			return d.orch.GetByName(body.Name)
		}
		return d.orch.Get(body.ID)
	case "start_group":
		var body struct {
			Name    string              `json:"name"`
			Members []supervisor.Config `json:"members"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, err
		}
		return d.orch.StartGroup(supervisor.GroupSpec{Name: body.Name, Members: body.Members})
	case "stop_group":
		var body struct {
			Name  string `json:"name"`
			Force bool   `json:"force"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, err
		}
		members, ok := d.groups[body.Name]
		if !ok {
			return nil, fmt.Errorf("unknown group: %s", body.Name)
		}
		return nil, d.orch.StopGroup(members, body.Force)
	case "status_group":
		var body struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, err
		}
		members, ok := d.groups[body.Name]
		if !ok {
			return nil, fmt.Errorf("unknown group: %s", body.Name)
		}
		found, missing := d.orch.StatusGroup(members)
		return map[string]any{"found": found, "missing": missing}, nil
	case "status_match":
		var body struct {
			Pattern string `json:"pattern"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, err
		}
		return d.orch.StatusMatch(body.Pattern)
	case "stop_match":
		var body struct {
			Pattern string `json:"pattern"`
			Force   bool   `json:"force"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil {
			return nil, err
		}
		return nil, d.orch.StopMatch(body.Pattern, body.Force)
	case "shutdown":
		ctx, cancel := context.WithTimeout(context.Background(), supervisor.GracefulShutdownTimeout+supervisor.ForceKillTimeout)
		defer cancel()
		d.orch.Shutdown(ctx)
		return nil, nil
	default:
		return nil, errors.New("unknown request type: " + req.Type)
	}
}

package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/provisr/internal/supervisor"
	"github.com/stretchr/testify/require"
)

func TestDispatcherPing(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")
	orch := supervisor.New(nil, nil, nil, nil)
	d := New(sock, orch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Serve(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sock)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	req := Request{ID: "1", Type: "ping", Timestamp: time.Now().UnixMilli()}
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(payload, '\n'))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(bufio.NewReader(conn)).Decode(&resp))
	require.True(t, resp.Success)
	require.Equal(t, "1", resp.ID)
}

func TestDispatcherStartGroupAndStatusGroup(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")
	orch := supervisor.New(nil, nil, nil, nil)
	d := New(sock, orch, nil)
	d.SetGroups(map[string][]string{"web": {"a", "b"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Serve(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sock)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	members := []supervisor.Config{
		{Name: "a", Script: "-c", Interpreter: "/bin/sh", Args: []string{"sleep 5"}, Instances: "1"},
		{Name: "b", Script: "-c", Interpreter: "/bin/sh", Args: []string{"sleep 5"}, Instances: "1"},
	}
	data, err := json.Marshal(struct {
		Name    string              `json:"name"`
		Members []supervisor.Config `json:"members"`
	}{Name: "web", Members: members})
	require.NoError(t, err)
	req := Request{ID: "1", Type: "start_group", Data: data}
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(payload, '\n'))
	require.NoError(t, err)

	dec := json.NewDecoder(bufio.NewReader(conn))
	var resp Response
	require.NoError(t, dec.Decode(&resp))
	require.True(t, resp.Success, resp.Error)

	data2, err := json.Marshal(struct {
		Name string `json:"name"`
	}{Name: "web"})
	require.NoError(t, err)
	req2 := Request{ID: "2", Type: "status_group", Data: data2}
	payload2, err := json.Marshal(req2)
	require.NoError(t, err)
	_, err = conn.Write(append(payload2, '\n'))
	require.NoError(t, err)

	var resp2 Response
	require.NoError(t, dec.Decode(&resp2))
	require.True(t, resp2.Success, resp2.Error)
}

func TestDispatcherUnknownRequestType(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "daemon.sock")
	orch := supervisor.New(nil, nil, nil, nil)
	d := New(sock, orch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Serve(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sock)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	req := Request{ID: "2", Type: "bogus"}
	payload, _ := json.Marshal(req)
	_, err = conn.Write(append(payload, '\n'))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(bufio.NewReader(conn)).Decode(&resp))
	require.False(t, resp.Success)
	require.NotEmpty(t, resp.Error)
}

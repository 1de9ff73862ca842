package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/healloop/healloop/pkg/transports/ssh/sshtest"
	"golang.org/x/crypto/ssh"
)

func connectTestClient(t *testing.T, server *sshtest.Server) *Client {
	t.Helper()

	host, port := server.HostPort()
	config := DefaultConfig(host, sshtest.User)
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = sshtest.Password
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := sshtest.NewServer(t)
	client := connectTestClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	host, _ := server.HostPort()
	info := client.GetConnectionInfo()
	if info.Host != host {
		t.Errorf("expected host '%s', got '%s'", host, info.Host)
	}
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.ServerVersion == "" {
		t.Error("expected server version to be set")
	}

	// Connecting twice is a no-op
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("second connect failed: %v", err)
	}
}

func TestClientConnectBadPassword(t *testing.T) {
	server := sshtest.NewServer(t)
	host, port := server.HostPort()

	config := DefaultConfig(host, sshtest.User)
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !terr.IsAuthError {
		t.Errorf("expected auth error, got %+v", terr)
	}
}

func TestClientHealthCheck(t *testing.T) {
	client := connectTestClient(t, sshtest.NewServer(t))

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestClientDisconnect(t *testing.T) {
	client := connectTestClient(t, sshtest.NewServer(t))

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}

	_, err := client.Run(context.Background(), "true", nil, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestClientExecuteCommand(t *testing.T) {
	client := connectTestClient(t, sshtest.NewServer(t))
	ctx := context.Background()

	t.Run("successful command", func(t *testing.T) {
		stdout, stderr, err := client.ExecuteCommand(ctx, "echo test")
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if stdout != "test" {
			t.Errorf("expected stdout 'test', got '%s'", stdout)
		}
		if stderr != "" {
			t.Errorf("expected empty stderr, got '%s'", stderr)
		}
	})

	t.Run("command with stderr", func(t *testing.T) {
		stdout, stderr, err := client.ExecuteCommand(ctx, "echo error >&2")
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if stdout != "" {
			t.Errorf("expected empty stdout, got '%s'", stdout)
		}
		if stderr != "error" {
			t.Errorf("expected stderr 'error', got '%s'", stderr)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		_, _, err := client.ExecuteCommand(ctx, "echo broken >&2; exit 3")
		if err == nil {
			t.Fatal("expected error for non-zero exit")
		}
		if !strings.Contains(err.Error(), "code 3") || !strings.Contains(err.Error(), "broken") {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestClientRunExitCode(t *testing.T) {
	client := connectTestClient(t, sshtest.NewServer(t))

	var out bytes.Buffer
	code, err := client.Run(context.Background(), "echo one; echo two; exit 7", &out, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if code != 7 {
		t.Errorf("expected exit code 7, got %d", code)
	}
	if out.String() != "one\ntwo\n" {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestClientRunCanceled(t *testing.T) {
	client := connectTestClient(t, sshtest.NewServer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Run(ctx, "sleep 30", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("run took %v after cancellation", elapsed)
	}
}

func TestProcessKill(t *testing.T) {
	client := connectTestClient(t, sshtest.NewServer(t))

	proc, err := client.Start(context.Background(), "sleep 30", nil, nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := proc.Kill(); err != nil {
		t.Fatalf("kill failed: %v", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after kill")
	}

	if code, _ := proc.Wait(); code == 0 {
		t.Errorf("expected non-zero exit code after kill, got %d", code)
	}
}

func TestClientFiles(t *testing.T) {
	client := connectTestClient(t, sshtest.NewServer(t))
	ctx := context.Background()

	root := t.TempDir()
	target := filepath.Join(root, "app", "src", "page.tsx")
	content := []byte("export default function Page() { return null }\n")

	if err := client.WriteFile(ctx, target, content, 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	local, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if !bytes.Equal(local, content) {
		t.Errorf("content mismatch: %q", local)
	}

	read, err := client.ReadFile(ctx, target)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(read, content) {
		t.Errorf("read mismatch: %q", read)
	}

	sum := sha256.Sum256(content)
	checksum, err := client.Checksum(ctx, target)
	if err != nil {
		t.Fatalf("checksum failed: %v", err)
	}
	if checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("unexpected checksum %s", checksum)
	}

	if err := client.RemoveAll(filepath.Join(root, "app")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "app")); !os.IsNotExist(err) {
		t.Errorf("expected directory removed, stat err %v", err)
	}

	// Removing again is not an error
	if err := client.RemoveAll(filepath.Join(root, "app")); err != nil {
		t.Errorf("second remove failed: %v", err)
	}

	if _, err := client.ReadFile(ctx, filepath.Join(root, "missing")); err == nil {
		t.Error("expected error reading missing file")
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := sshtest.NewServer(t)
	host, port := server.HostPort()

	keyPath := filepath.Join(t.TempDir(), "test_key")

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := DefaultConfig(host, sshtest.User)
	config.Port = port
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = keyPath
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"plain", "'plain'"},
		{"/tmp/with space", "'/tmp/with space'"},
		{"it's", `'it'"'"'s'`},
	}

	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

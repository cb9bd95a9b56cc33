package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"EstateBonds/client"
	"EstateBonds/internal/coprocessor"
)

const (
	// committeeSize is the committee size every deployment runs with.
	committeeSize = 3

	// committeeThreshold is the number of signatures every result carries.
	committeeThreshold = 2

	// keyBits keeps Paillier key generation fast in tests.
	keyBits = 512

	// startTimeout bounds how long a process may take to come up.
	startTimeout = 30 * time.Second
)

// committeeSeed is fixed so the node can be told the committee keys up front.
var committeeSeed = bytes.Repeat([]byte{0x42}, 32)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Process is a running EstateBonds binary.
type Process struct {
	name   string             // name labels the process in failures
	cmd    *exec.Cmd          // cmd is the running process
	stdout *safeBuffer        // stdout captures process output
	stderr *safeBuffer        // stderr captures process errors
	cancel context.CancelFunc // cancel stops the process
	done   chan struct{}      // done closes when the process exits
}

// LogContains checks if the process logs contain a substring.
func (p *Process) LogContains(s string) bool {
	return strings.Contains(p.stdout.String(), s)
}

// Exited reports whether the process has stopped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop terminates the process and waits for it to exit.
func (p *Process) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
	}
}

// dump returns both output streams for failure messages.
func (p *Process) dump() string {
	return fmt.Sprintf("%s STDOUT:\n%s\n%s STDERR:\n%s", p.name, p.stdout.String(), p.name, p.stderr.String())
}

// Binaries are the compiled node and coprocessor executables.
type Binaries struct {
	Node        string
	Coprocessor string
}

// Deployment is a coordinator node backed by a standalone coprocessor.
type Deployment struct {
	t   *testing.T
	bin Binaries
	dir string

	coprocessor *Process
	node        *Process

	coprocessorAddr string            // coprocessorAddr is the relay address
	coprocessorKey  ed25519.PublicKey // coprocessorKey is the coprocessor's relay identity
	httpAddr        string            // httpAddr is the node's API address
	nodeKeyPath     string            // nodeKeyPath is the node's identity file

	Owner *client.Wallet // Owner is the wallet of the node key, the deployed owner
}

// NewDeployment builds both binaries and starts a coprocessor and a node wired to it.
// Both processes are stopped when the test ends.
func NewDeployment(t *testing.T, extraNodeArgs ...string) *Deployment {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	d := &Deployment{
		t:   t,
		bin: buildBinaries(t),
		dir: t.TempDir(),
	}

	d.startCoprocessor()

	ownerKey := writeKey(t, filepath.Join(d.dir, "node.key"))
	d.nodeKeyPath = filepath.Join(d.dir, "node.key")
	d.Owner = client.WalletFromKey(ownerKey)
	d.httpAddr = freeTCPAddr(t)

	d.StartNode(extraNodeArgs...)

	return d
}

// startCoprocessor launches the coprocessor with a pre-written relay key.
func (d *Deployment) startCoprocessor() {
	d.t.Helper()

	keyPath := filepath.Join(d.dir, "coprocessor.key")
	d.coprocessorKey = writeKey(d.t, keyPath).Public().(ed25519.PublicKey)
	d.coprocessorAddr = freeUDPAddr(d.t)

	d.coprocessor = startProcess(d.t, "coprocessor", d.bin.Coprocessor,
		"-listen", d.coprocessorAddr,
		"-key", keyPath,
		"-key-bits", fmt.Sprint(keyBits),
		"-committee-seed", hex.EncodeToString(committeeSeed),
		"-committee-size", fmt.Sprint(committeeSize),
		"-threshold", fmt.Sprint(committeeThreshold),
	)

	waitForLog(d.t, d.coprocessor, "starting EstateBonds coprocessor")
}

// StartNode launches the node against the running coprocessor and waits for its API.
func (d *Deployment) StartNode(extra ...string) {
	d.t.Helper()

	args := []string{
		"-data", filepath.Join(d.dir, "data"),
		"-http", d.httpAddr,
		"-key", d.nodeKeyPath,
		"-cooldown", "1",
		"-coprocessor", d.coprocessorAddr,
		"-coprocessor-key", hex.EncodeToString(d.coprocessorKey),
		"-committee", strings.Join(committeeKeys(d.t), ","),
		"-threshold", fmt.Sprint(committeeThreshold),
	}

	d.node = startProcess(d.t, "node", d.bin.Node, append(args, extra...)...)
	waitHealthy(d.t, d.node, d.Client())
}

// StopNode stops the node, leaving the coprocessor running.
func (d *Deployment) StopNode() {
	d.node.Stop()
	d.node = nil
}

// Client creates a client for the node's API.
func (d *Deployment) Client() *client.Client {
	return client.NewClient(d.httpAddr)
}

// committeeKeys returns the hex BLS keys the coprocessor derives from committeeSeed.
func committeeKeys(t *testing.T) []string {
	t.Helper()

	c, err := coprocessor.NewCommittee(committeeSeed, committeeSize, committeeThreshold)
	if err != nil {
		t.Fatalf("derive committee: %v", err)
	}

	var keys []string
	for _, pk := range c.PublicKeys() {
		keys = append(keys, hex.EncodeToString(pk))
	}

	return keys
}

// startProcess starts a binary with output captured.
func startProcess(t *testing.T, name, binary string, args ...string) *Process {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	p := &Process{
		name:   name,
		stdout: &safeBuffer{},
		stderr: &safeBuffer{},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.cmd = exec.CommandContext(ctx, binary, args...)
	p.cmd.Stdout = p.stdout
	p.cmd.Stderr = p.stderr

	if err := p.cmd.Start(); err != nil {
		cancel()
		t.Fatalf("start %s: %v", name, err)
	}

	go func() {
		p.cmd.Wait()
		close(p.done)
	}()

	t.Cleanup(p.Stop)

	return p
}

// waitForLog polls the process output until it contains s.
func waitForLog(t *testing.T, p *Process, s string) {
	t.Helper()

	deadline := time.Now().Add(startTimeout)

	for time.Now().Before(deadline) {
		if p.LogContains(s) {
			return
		}

		if p.Exited() {
			t.Fatalf("%s exited during startup:\n%s", p.name, p.dump())
		}

		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("%s did not log %q:\n%s", p.name, s, p.dump())
}

// waitHealthy polls /status until the node answers.
func waitHealthy(t *testing.T, p *Process, c *client.Client) {
	t.Helper()

	deadline := time.Now().Add(startTimeout)

	for time.Now().Before(deadline) {
		if _, err := c.Status(); err == nil {
			return
		}

		if p.Exited() {
			t.Fatalf("%s exited during startup:\n%s", p.name, p.dump())
		}

		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("%s API not ready:\n%s", p.name, p.dump())
}

// writeKey writes a fresh Ed25519 key file in the format the binaries load.
func writeKey(t *testing.T, path string) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	return priv
}

// freeTCPAddr returns a loopback TCP address that was free a moment ago.
func freeTCPAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve tcp port: %v", err)
	}
	defer l.Close()

	return l.Addr().String()
}

// freeUDPAddr returns a loopback UDP address that was free a moment ago.
func freeUDPAddr(t *testing.T) string {
	t.Helper()

	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	defer c.Close()

	return c.LocalAddr().String()
}

var (
	buildOnce sync.Once
	binDir    string // binDir holds the compiled binaries; removed by TestMain
	built     Binaries
	buildErr  error
)

// buildBinaries compiles both binaries once per test run.
func buildBinaries(t *testing.T) Binaries {
	t.Helper()

	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "estatebonds_bin_*")
		if err != nil {
			buildErr = err
			return
		}

		binDir = dir

		root := getProjectRoot(t)
		built = Binaries{
			Node:        filepath.Join(dir, "node"),
			Coprocessor: filepath.Join(dir, "coprocessor"),
		}

		for out, pkg := range map[string]string{built.Node: "./cmd/node", built.Coprocessor: "./cmd/coprocessor"} {
			cmd := exec.Command("go", "build", "-o", out, pkg)
			cmd.Dir = root

			if output, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("build %s: %v\n%s", pkg, err, output)
				return
			}
		}
	})

	if buildErr != nil {
		t.Fatalf("%v", buildErr)
	}

	return built
}

// getProjectRoot returns the project root directory (containing go.mod).
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}

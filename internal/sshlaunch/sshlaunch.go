// Package sshlaunch dials SSH sessions to a copy target's host, dedupes
// sessions against an already-open one to the same user@host:port (source
// and destination are frequently the same machine; two different names or
// addresses for one machine get separate sessions), and spawns the rcpd
// daemon binary over an established session, parsing its bootstrap line
// off stderr.
//
// The session-dial shape (ssh.ClientConfig construction, ssh-agent
// fallback to key-file auth) is adapted from backend/sftp's NewFs/sftp.go
// and ssh_internal.go; the per-target dedup lock is adapted from
// backend/sftp's stringLock.
package sshlaunch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/ssh"

	sshagent "github.com/xanzy/ssh-agent"

	"github.com/wykurz/rcp/internal/rlog"
)

var log = rlog.For("sshlaunch")

// Target identifies an SSH endpoint to launch a daemon on.
type Target struct {
	User string
	Host string
	Port string // defaults to "22"
	// KeyFile, if set, selects a specific ssh-agent identity (or falls
	// back to loading it directly) instead of trying every agent key.
	KeyFile string
}

func (t Target) addr() string {
	port := t.Port
	if port == "" {
		port = "22"
	}
	return net.JoinHostPort(t.Host, port)
}

func (t Target) dedupKey() string {
	return fmt.Sprintf("%s@%s", t.User, t.addr())
}

// sessionLock is a stringLock ported from backend/sftp/stringlock.go: it
// serializes concurrent Dial calls for the same target so two daemons
// launched to the same user@host:port share one SSH connection instead of
// racing to open two.
type sessionLock struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newSessionLock() *sessionLock {
	return &sessionLock{locks: make(map[string]chan struct{})}
}

func (l *sessionLock) Lock(id string) {
	l.mu.Lock()
	for {
		ch, ok := l.locks[id]
		if !ok {
			break
		}
		l.mu.Unlock()
		<-ch
		l.mu.Lock()
	}
	l.locks[id] = make(chan struct{})
	l.mu.Unlock()
}

func (l *sessionLock) Unlock(id string) {
	l.mu.Lock()
	ch, ok := l.locks[id]
	if !ok {
		panic("sshlaunch: Unlock before Lock")
	}
	close(ch)
	delete(l.locks, id)
	l.mu.Unlock()
}

// Pool dials and caches SSH client connections keyed by target, so that
// the master's "deduplicate SSH targets" step (spec §4.4 step 3) becomes
// "look up or dial" instead of always opening a fresh connection.
type Pool struct {
	clients *cache.Cache
	lock    *sessionLock
}

// NewPool builds a Pool. A cached session expires idleTTL after it was
// dialed; a Dial that finds it in the cache does not extend that time.
func NewPool(idleTTL time.Duration) *Pool {
	return &Pool{
		clients: cache.New(idleTTL, idleTTL/2),
		lock:    newSessionLock(),
	}
}

// Dial returns a shared *ssh.Client for target, dialing a new one only if
// none is cached yet. Concurrent Dial calls for the same target block on
// each other via sessionLock, matching stringLock's role in the teacher.
func (p *Pool) Dial(ctx context.Context, target Target) (*ssh.Client, error) {
	key := target.dedupKey()
	p.lock.Lock(key)
	defer p.lock.Unlock(key)

	if v, ok := p.clients.Get(key); ok {
		if c, ok := v.(*ssh.Client); ok {
			return c, nil
		}
	}
	client, err := dial(ctx, target)
	if err != nil {
		return nil, err
	}
	p.clients.Set(key, client, cache.DefaultExpiration)
	return client, nil
}

func dial(ctx context.Context, target Target) (*ssh.Client, error) {
	user := target.User
	if user == "" {
		if u := os.Getenv("USER"); u != "" {
			user = u
		}
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout(ctx),
		ClientVersion:   "SSH-2.0-rcp",
	}

	if auth, err := agentOrKeyAuth(target.KeyFile); err == nil {
		cfg.Auth = append(cfg.Auth, auth...)
	} else {
		log.Warnf("ssh-agent/key auth unavailable for %s: %v", target.addr(), err)
	}

	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", target.addr())
	if err != nil {
		return nil, fmt.Errorf("sshlaunch: dial %s: %w", target.addr(), err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.addr(), cfg)
	if err != nil {
		return nil, fmt.Errorf("sshlaunch: handshake %s: %w", target.addr(), err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func connectTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return 15 * time.Second
}

// agentOrKeyAuth mirrors backend/sftp's NewFs auth block: prefer a
// running ssh-agent, optionally narrowed to the identity matching
// keyFile's public key, falling back to loading the private key file
// directly.
func agentOrKeyAuth(keyFile string) ([]ssh.AuthMethod, error) {
	sshAgentClient, _, err := sshagent.New()
	if err != nil {
		return nil, fmt.Errorf("connect to ssh-agent: %w", err)
	}
	signers, err := sshAgentClient.Signers()
	if err != nil {
		return nil, fmt.Errorf("read ssh agent signers: %w", err)
	}
	if keyFile == "" {
		return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, nil
	}
	pubBytes, err := os.ReadFile(keyFile + ".pub")
	if err != nil {
		return nil, fmt.Errorf("read public key file %s.pub: %w", keyFile, err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key file %s.pub: %w", keyFile, err)
	}
	pubMarshaled := pub.Marshal()
	for _, s := range signers {
		if bytes.Equal(pubMarshaled, s.PublicKey().Marshal()) {
			return []ssh.AuthMethod{ssh.PublicKeys(s)}, nil
		}
	}
	return nil, fmt.Errorf("no ssh-agent identity matches %s.pub", keyFile)
}

// BootstrapInfo is what a freshly spawned rcpd prints to its stderr
// before it blocks waiting for the master's control connection.
type BootstrapInfo struct {
	TLS       bool
	Addr      string
	Fingerprint string // empty when TLS is false (--no-encryption)
}

// parseBootstrapLine parses "RCP_TLS <addr> <fp>" or "RCP_TCP <addr>".
func parseBootstrapLine(line string) (BootstrapInfo, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return BootstrapInfo{}, fmt.Errorf("sshlaunch: malformed bootstrap line %q", line)
	}
	switch fields[0] {
	case "RCP_TLS":
		if len(fields) != 3 {
			return BootstrapInfo{}, fmt.Errorf("sshlaunch: malformed RCP_TLS bootstrap line %q", line)
		}
		return BootstrapInfo{TLS: true, Addr: fields[1], Fingerprint: fields[2]}, nil
	case "RCP_TCP":
		return BootstrapInfo{TLS: false, Addr: fields[1]}, nil
	default:
		return BootstrapInfo{}, fmt.Errorf("sshlaunch: unrecognized bootstrap line %q", line)
	}
}

// Session wraps a spawned rcpd subprocess: its SSH session, and channels
// carrying its bootstrap info and eventual exit.
type Session struct {
	sshSession *ssh.Session
	Bootstrap  <-chan BootstrapInfo
	Err        <-chan error
}

// Spawn runs remoteBinary with args over client, scanning its stderr for
// exactly one bootstrap line within waitFor before returning. The daemon
// keeps running in the background; its exit result arrives on the
// returned Session's Err channel.
func Spawn(ctx context.Context, client *ssh.Client, remoteBinary string, args []string, waitFor time.Duration) (*Session, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshlaunch: open session: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("sshlaunch: stderr pipe: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("sshlaunch: stdin pipe: %w", err)
	}

	cmd := shellQuote(remoteBinary)
	for _, a := range args {
		cmd += " " + shellQuote(a)
	}
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return nil, fmt.Errorf("sshlaunch: start %s: %w", remoteBinary, err)
	}

	bootCh := make(chan BootstrapInfo, 1)
	errCh := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(stderr)
		var boot BootstrapInfo
		found := false
		for scanner.Scan() {
			line := scanner.Text()
			if b, perr := parseBootstrapLine(line); perr == nil {
				boot = b
				found = true
				bootCh <- boot
				break
			}
			log.Debugf("rcpd stderr: %s", line)
		}
		if !found {
			errCh <- fmt.Errorf("sshlaunch: rcpd exited before printing a bootstrap line")
			return
		}
		// Keep draining stderr so the remote process never blocks on a full pipe.
		go io.Copy(io.Discard, stderr)
		errCh <- sess.Wait()
	}()

	// stdin is held open for the lifetime of the session: its closure is
	// the daemon-side liveness watchdog (SPEC_FULL.md §5). We never write
	// to it; closing stdin is how the master signals it has gone away.
	_ = stdin

	select {
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	case <-time.After(waitFor):
		sess.Close()
		return nil, fmt.Errorf("sshlaunch: timed out waiting for bootstrap line")
	case info := <-bootCh:
		bootstrapOut := make(chan BootstrapInfo, 1)
		bootstrapOut <- info
		return &Session{sshSession: sess, Bootstrap: bootstrapOut, Err: errCh}, nil
	case err := <-errCh:
		sess.Close()
		return nil, err
	}
}

// CloseStdin closes the daemon's stdin, which is the master-liveness
// watchdog signal the daemon uses to notice the master has gone away.
func (s *Session) CloseStdin() error {
	return s.sshSession.Close()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

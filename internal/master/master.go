// Package master implements the orchestrator that brings up a source and
// a destination rcpd daemon over SSH, brokers their TLS identities and
// endpoints, and waits for both to report a result, per SPEC_FULL.md §4.4.
//
// TLS roles (resolved as an Open Question in DESIGN.md): for the
// master<->daemon control connection, the daemon is the TLS server with
// no client-auth requirement (trust already flows from the master having
// SSHed in and spawned the process itself) and the master is the client,
// pinning the daemon's fingerprint only. For the data plane, the source
// daemon is the TLS server requiring the destination's client certificate
// by fingerprint, and the destination is the client, exactly as spec.md
// §4.2's two server/client mode pairs describe.
package master

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/wykurz/rcp/internal/deploy"
	"github.com/wykurz/rcp/internal/pathspec"
	"github.com/wykurz/rcp/internal/protocol"
	"github.com/wykurz/rcp/internal/rlog"
	"github.com/wykurz/rcp/internal/sshlaunch"
	"github.com/wykurz/rcp/internal/summary"
	"github.com/wykurz/rcp/internal/tlsidentity"
	"github.com/wykurz/rcp/internal/wire"
)

var log = rlog.For("master")

// Options bundles the CLI-exposed tuning knobs relevant to orchestration.
type Options struct {
	DryRun          bool
	FailEarly       bool
	Overwrite       bool
	AutoDeployRcpd  bool
	RcpdPath        string // local path to the rcpd binary, for auto-deploy
	ConnectTimeout  time.Duration
	RemoteRcpdPath  string // remote rcpd path to exec when not auto-deploying
	KeepOldVersions int
}

// Result is what Run returns: the combined outcome of both daemons, with
// the destination's summary treated as authoritative (spec.md §9).
type Result struct {
	Err     error         // combined error text from either/both daemons, nil on success
	Summary *summary.Wire // nil when the destination sent no final report
}

// daemonEndpoint is what sshlaunch.Spawn + the control handshake learn
// about one running daemon.
type daemonEndpoint struct {
	client      *ssh.Client
	session     *sshlaunch.Session
	control     *wire.Wire
	identity    tlsidentity.Fingerprint
}

// Orchestrator runs one remote-copy invocation.
type Orchestrator struct {
	opts    Options
	sshPool *sshlaunch.Pool
}

// New builds an Orchestrator. sshIdleTTL bounds how long a dialed SSH
// session is kept around for target dedup (spec.md §4.4 step 3).
func New(opts Options, sshIdleTTL time.Duration) *Orchestrator {
	return &Orchestrator{opts: opts, sshPool: sshlaunch.NewPool(sshIdleTTL)}
}

// Run resolves srcSpec/dstSpec, launches both daemons, and blocks until
// both report a result (or either fails fatally).
func (o *Orchestrator) Run(ctx context.Context, srcSpec, dstSpec string) (*Result, error) {
	srcPath, err := pathspec.Parse(srcSpec, false)
	if err != nil {
		return nil, fmt.Errorf("master: parse source path: %w", err)
	}
	dstPath, err := pathspec.Parse(dstSpec, true)
	if err != nil {
		return nil, fmt.Errorf("master: parse destination path: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, o.opts.ConnectTimeout)
	defer cancel()

	srcEp, err := o.launch(dctx, srcPath, "source")
	if err != nil {
		return nil, fmt.Errorf("master: launch source daemon: %w", err)
	}
	dstEp, err := o.launch(dctx, dstPath, "destination")
	if err != nil {
		srcEp.control.Close()
		return nil, fmt.Errorf("master: launch destination daemon: %w", err)
	}

	resolvedSrc, err := srcPath.Resolve(remoteHomeResolver(srcEp.client, srcPath))
	if err != nil {
		return nil, err
	}
	resolvedDst, err := dstPath.Resolve(remoteHomeResolver(dstEp.client, dstPath))
	if err != nil {
		return nil, err
	}

	destFp, err := freshFingerprintHint(dstEp)
	if err != nil {
		return nil, err
	}
	if err := srcEp.control.SendControl(protocol.MasterToSource{
		SrcPath:             resolvedSrc,
		DstPath:             resolvedDst,
		DestCertFingerprint: destFp.String(),
		FailEarly:           o.opts.FailEarly,
		DryRun:              o.opts.DryRun,
	}); err != nil {
		return nil, fmt.Errorf("master: send MasterToSource: %w", err)
	}

	helloMsg, err := srcEp.control.RecvObject()
	if err != nil {
		return nil, fmt.Errorf("master: await SourceMasterHello: %w", err)
	}
	hello, ok := helloMsg.(*protocol.SourceMasterHello)
	if !ok {
		return nil, fmt.Errorf("master: expected SourceMasterHello, got %T", helloMsg)
	}

	if err := dstEp.control.SendControl(protocol.MasterToDestination{
		SourceControlAddr:    hello.ControlAddr,
		SourceDataAddr:       hello.DataAddr,
		ServerName:           hello.ServerName,
		SourceCertFingerprint: hello.CertFingerprint,
		Overwrite:            o.opts.Overwrite,
		FailEarly:            o.opts.FailEarly,
		DryRun:               o.opts.DryRun,
	}); err != nil {
		return nil, fmt.Errorf("master: send MasterToDestination: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	// The first error cancels gctx; closing both control connections then
	// unblocks whichever recvFinal is still waiting on the other daemon.
	go func() {
		<-gctx.Done()
		srcEp.control.Close()
		dstEp.control.Close()
	}()
	var srcResult, dstResult finalReport
	group.Go(func() error { return recvFinal(srcEp.control, &srcResult) })
	group.Go(func() error { return recvFinal(dstEp.control, &dstResult) })

	waitErr := group.Wait()

	srcEp.control.Close()
	dstEp.control.Close()
	srcEp.session.CloseStdin()
	dstEp.session.CloseStdin()

	combined := combineErrors(waitErr, srcResult, dstResult)
	var dstSummary *summary.Wire
	switch {
	case dstResult.success != nil:
		dstSummary = summary.FromWire(dstResult.success.Summary)
	case dstResult.failure != nil:
		dstSummary = summary.FromWire(dstResult.failure.Summary)
	}
	return &Result{Err: combined, Summary: dstSummary}, nil
}

type finalReport struct {
	success *protocol.RcpdSuccess
	failure *protocol.RcpdFailure
}

func recvFinal(w *wire.Wire, out *finalReport) error {
	msg, err := w.RecvObject()
	if err != nil {
		return fmt.Errorf("master: await daemon result: %w", err)
	}
	switch m := msg.(type) {
	case *protocol.RcpdSuccess:
		out.success = m
	case *protocol.RcpdFailure:
		out.failure = m
	default:
		return fmt.Errorf("master: unexpected final message %T", msg)
	}
	return nil
}

func combineErrors(waitErr error, src, dst finalReport) error {
	var parts []string
	if waitErr != nil {
		parts = append(parts, waitErr.Error())
	}
	if src.failure != nil {
		parts = append(parts, "source: "+src.failure.Error)
	}
	if dst.failure != nil {
		parts = append(parts, "destination: "+dst.failure.Error)
	}
	if len(parts) == 0 {
		return nil
	}
	msg := parts[0]
	for _, p := range parts[1:] {
		msg += "; " + p
	}
	return fmt.Errorf("%s", msg)
}

// launch dials (or reuses) an SSH session to p's host, optionally
// auto-deploys rcpd, spawns it with the given role, and dials its control
// listener once its bootstrap line is parsed.
func (o *Orchestrator) launch(ctx context.Context, p pathspec.Path, role string) (*daemonEndpoint, error) {
	if !p.IsRemote() {
		return nil, fmt.Errorf("master: local %s endpoints are not supported by the remote copy engine", role)
	}

	target := sshlaunch.Target{User: p.User, Host: p.Host, Port: p.Port}
	client, err := o.sshPool.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("master: ssh dial %s: %w", target.Addr(), err)
	}

	remoteBinary := o.opts.RemoteRcpdPath
	if o.opts.AutoDeployRcpd {
		home, err := deploy.RemoteHome(client)
		if err != nil {
			return nil, err
		}
		deployed, err := deploy.Deploy(client, o.opts.RcpdPath, home, "dev")
		if err != nil {
			return nil, err
		}
		deploy.CleanupOldVersions(client, home, o.opts.KeepOldVersions)
		remoteBinary = deployed
	}

	args := []string{"--role", role}
	sess, err := sshlaunch.Spawn(ctx, client, remoteBinary, args, o.opts.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("master: spawn rcpd (%s): %w", role, err)
	}
	boot := <-sess.Bootstrap

	fp, err := tlsidentity.ParseFingerprint(boot.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("master: parse %s daemon fingerprint: %w", role, err)
	}

	conn, err := net.DialTimeout("tcp", boot.Addr, o.opts.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("master: dial %s daemon control %s: %w", role, boot.Addr, err)
	}
	tlsConn := tlsClientHandshake(conn, boot.Addr, fp)

	return &daemonEndpoint{
		client:   client,
		session:  sess,
		control:  wire.New(tlsConn, protocol.Codec{}),
		identity: fp,
	}, nil
}

func tlsClientHandshake(conn net.Conn, addr string, fp tlsidentity.Fingerprint) net.Conn {
	cfg := tlsidentity.ClientConfigPinServer(fp)
	cfg.ServerName = addr
	return tls.Client(conn, cfg)
}

func remoteHomeResolver(client *ssh.Client, p pathspec.Path) pathspec.HomeResolver {
	if !p.IsRemote() {
		return nil
	}
	return func() (string, error) { return deploy.RemoteHome(client) }
}

// freshFingerprintHint is a placeholder accessor kept small and explicit:
// the destination's control-plane identity is whatever fingerprint its
// bootstrap line carried, already captured in daemonEndpoint.identity.
func freshFingerprintHint(ep *daemonEndpoint) (tlsidentity.Fingerprint, error) {
	return ep.identity, nil
}

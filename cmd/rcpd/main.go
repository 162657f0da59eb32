// Command rcpd is the daemon half of a remote copy: spawned over SSH by
// rcp with --role source or --role destination, it prints a bootstrap
// line on stderr, accepts the master's control connection, and then
// plays its role in the three-party protocol (SPEC_FULL.md §4.4-§4.7).
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/wykurz/rcp/internal/destengine"
	"github.com/wykurz/rcp/internal/pool"
	"github.com/wykurz/rcp/internal/preservestub"
	"github.com/wykurz/rcp/internal/protocol"
	"github.com/wykurz/rcp/internal/rlog"
	"github.com/wykurz/rcp/internal/sourceengine"
	"github.com/wykurz/rcp/internal/summary"
	"github.com/wykurz/rcp/internal/throttle"
	"github.com/wykurz/rcp/internal/tlsidentity"
	"github.com/wykurz/rcp/internal/wire"
)

var log = rlog.For("rcpd")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		role         string
		maxOpenFiles int64
		opsPerSec    float64
		iopsPerSec   float64
		chunkSize    int64
	)

	cmd := &cobra.Command{
		Use:   "rcpd",
		Short: "rcp remote-copy daemon (internal; spawned by rcp over SSH)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != "source" && role != "destination" {
				return fmt.Errorf("rcpd: --role must be source or destination, got %q", role)
			}
			throttles, err := throttle.NewSet(maxOpenFiles, opsPerSec, iopsPerSec, chunkSize)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go watchdog(cancel)
			return run(ctx, role, throttles)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&role, "role", "", "source or destination")
	flags.Int64Var(&maxOpenFiles, "max-open-files", 0, "Open-file throttle (0 = derive from RLIMIT_NOFILE)")
	flags.Float64Var(&opsPerSec, "ops-throttle", 0, "Operations/sec limit (0 = unlimited)")
	flags.Float64Var(&iopsPerSec, "iops-throttle", 0, "IO operations/sec limit (0 = unlimited)")
	flags.Int64Var(&chunkSize, "chunk-size", 1<<20, "Bytes per IO-throttle token")
	_ = cmd.MarkFlagRequired("role")

	return cmd
}

// watchdog is the daemon-side master-liveness check: once the master
// closes our stdin (directly, or by the SSH session exiting), we have no
// way to hear further instructions and must not linger.
func watchdog(cancel context.CancelFunc) {
	_, _ = io.Copy(io.Discard, os.Stdin)
	log.Warn("stdin closed, master is gone; exiting")
	cancel()
	os.Exit(1)
}

func run(ctx context.Context, role string, throttles *throttle.Set) error {
	identity, err := tlsidentity.Generate()
	if err != nil {
		return fmt.Errorf("rcpd: generate identity: %w", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("rcpd: listen: %w", err)
	}
	defer listener.Close()

	tlsListener := tls.NewListener(listener, tlsidentity.ServerConfigNoClientAuth(identity))
	fmt.Fprintf(os.Stderr, "RCP_TLS %s %s\n", listener.Addr().String(), identity.Fingerprint.String())

	conn, err := tlsListener.Accept()
	if err != nil {
		return fmt.Errorf("rcpd: accept master control connection: %w", err)
	}
	control := wire.New(conn, protocol.Codec{})
	defer control.Close()

	sum := summary.New()

	switch role {
	case "source":
		return runSource(ctx, control, identity, throttles, sum)
	default:
		return runDestination(ctx, control, identity, sum)
	}
}

func runSource(ctx context.Context, control *wire.Wire, identity *tlsidentity.Identity, throttles *throttle.Set, sum *summary.Summary) error {
	msg, err := control.RecvObject()
	if err != nil {
		return fmt.Errorf("rcpd: await MasterToSource: %w", err)
	}
	m, ok := msg.(*protocol.MasterToSource)
	if !ok {
		return fmt.Errorf("rcpd: expected MasterToSource, got %T", msg)
	}
	destFp, err := tlsidentity.ParseFingerprint(m.DestCertFingerprint)
	if err != nil {
		return fmt.Errorf("rcpd: parse destination fingerprint: %w", err)
	}

	dataListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("rcpd: listen data plane: %w", err)
	}
	defer dataListener.Close()
	tlsData := tls.NewListener(dataListener, tlsidentity.ServerConfigRequireClientFingerprint(identity, destFp))

	dataPool := pool.New(tlsData, 8, 4)
	defer dataPool.Shutdown()

	if err := control.SendControl(protocol.SourceMasterHello{
		ControlAddr:     dataListener.Addr().String(), // destination dials the data listener; control-side protocol runs over the same stream set
		DataAddr:        dataListener.Addr().String(),
		ServerName:      "rcp-source",
		CertFingerprint: identity.Fingerprint.String(),
	}); err != nil {
		return fmt.Errorf("rcpd: send SourceMasterHello: %w", err)
	}

	eng := sourceengine.New(sourceengine.Config{
		RootSrc:   m.SrcPath,
		RootDst:   "",
		FailEarly: m.FailEarly,
		DryRun:    m.DryRun,
	}, control, dataPool, throttles, sum)

	runErr := eng.Run(ctx)
	return reportFinal(control, runErr, sum)
}

func runDestination(ctx context.Context, control *wire.Wire, identity *tlsidentity.Identity, sum *summary.Summary) error {
	msg, err := control.RecvObject()
	if err != nil {
		return fmt.Errorf("rcpd: await MasterToDestination: %w", err)
	}
	m, ok := msg.(*protocol.MasterToDestination)
	if !ok {
		return fmt.Errorf("rcpd: expected MasterToDestination, got %T", msg)
	}
	sourceFp, err := tlsidentity.ParseFingerprint(m.SourceCertFingerprint)
	if err != nil {
		return fmt.Errorf("rcpd: parse source fingerprint: %w", err)
	}

	dataConn, err := tls.Dial("tcp", m.SourceDataAddr, tlsidentity.ClientConfigPinServerWithCert(identity, sourceFp))
	if err != nil {
		return fmt.Errorf("rcpd: dial source data plane: %w", err)
	}
	defer dataConn.Close()

	policy := preservestub.AsMetadataPolicy(defaultPreservePolicy{
		owner: m.PreserveOwner, group: m.PreserveGroup, mode: m.PreserveMode, times: m.PreserveTimes,
	})

	eng := destengine.New(destengine.Config{
		RootDst:      ".",
		Overwrite:    m.Overwrite,
		CompareAttrs: []destengine.CompareAttr{destengine.CompareSize, destengine.CompareMtime},
		FailEarly:    m.FailEarly,
		DryRun:       m.DryRun,
		Policy:       policy,
	}, control, sum)

	runErr := eng.Run(ctx, newSingleConnListener(dataConn))
	return reportFinal(control, runErr, sum)
}

type defaultPreservePolicy struct{ owner, group, mode, times bool }

func (p defaultPreservePolicy) ShouldSet(field string) bool {
	switch field {
	case "uid":
		return p.owner
	case "gid":
		return p.group
	case "mode":
		return p.mode
	case "mtime":
		return p.times
	default:
		return false
	}
}

// singleConnListener adapts a single already-dialed net.Conn (the
// destination's one outbound connection to the source's data plane) to
// the net.Listener interface destengine.Engine.Run expects, so it can
// reuse the same "accept, then spawn a file-receiver" loop the
// multi-connection pool case uses. Accept hands the connection out once;
// any further call blocks until Close unblocks it with io.EOF.
type singleConnListener struct {
	conn   net.Conn
	taken  chan struct{}
	closed chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, taken: make(chan struct{}, 1), closed: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case l.taken <- struct{}{}:
		return l.conn, nil
	default:
	}
	<-l.closed
	return nil, io.EOF
}
func (l *singleConnListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return l.conn.Close()
}
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// reportFinal sends the daemon's final control-stream message: RcpdSuccess
// if runErr is nil, RcpdFailure otherwise. The summary is attached either
// way so the master/user can see partial progress on a failed transfer.
func reportFinal(control *wire.Wire, runErr error, sum *summary.Summary) error {
	wireSum := sum.ToWire()
	if runErr != nil {
		if sendErr := control.SendControl(protocol.RcpdFailure{Error: runErr.Error(), Summary: wireSum}); sendErr != nil {
			log.Warnf("send RcpdFailure: %v", sendErr)
		}
		return runErr
	}
	if sendErr := control.SendControl(protocol.RcpdSuccess{Message: "transfer complete", Summary: wireSum}); sendErr != nil {
		return fmt.Errorf("rcpd: send RcpdSuccess: %w", sendErr)
	}
	return nil
}

// Package deploy auto-deploys the rcpd daemon binary to a remote host, as
// described in SPEC_FULL.md §4.8: upload via pkg/sftp to a uniquely-named
// temp path, then chmod/rename/checksum-verify over SSH exec so the
// atomicity guarantee rests entirely on POSIX rename(2), not on SFTP's
// weaker write semantics.
//
// Grounded on original_source/remote/src/deploy.rs: same temp-name
// scheme, same verify-then-cleanup ordering, same "cleanup is best
// effort, never fatal" rule. pkg/sftp replaces the original's
// base64-over-a-shell-pipe transfer; see DESIGN.md for why pkg/sftp
// (already a teacher dependency with no other natural home here) is a
// strict improvement over re-deriving a base64 pipe in Go.
package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/wykurz/rcp/internal/rlog"
)

var log = rlog.For("deploy")

const remoteBinDir = ".cache/rcp/bin"

// RemotePath returns the final deployed path of a given version under a
// remote $HOME.
func RemotePath(remoteHome, version string) string {
	return path.Join(remoteHome, remoteBinDir, fmt.Sprintf("rcpd-%s", version))
}

// Deploy uploads localBinaryPath to client's host at
// $HOME/.cache/rcp/bin/rcpd-{version}, verifies its checksum, and returns
// the final remote path. remoteHome is the target's $HOME (the caller
// obtains it via a preceding `echo $HOME` exec, matching path.go's
// needs_remote_home resolution in the original).
func Deploy(client *ssh.Client, localBinaryPath, remoteHome, version string) (string, error) {
	data, err := os.ReadFile(localBinaryPath)
	if err != nil {
		return "", fmt.Errorf("deploy: read local binary %s: %w", localBinaryPath, err)
	}
	wantSum := sha256Hex(data)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("deploy: open sftp session: %w", err)
	}
	defer sftpClient.Close()

	dir := path.Join(remoteHome, remoteBinDir)
	if err := sftpClient.MkdirAll(dir); err != nil {
		return "", fmt.Errorf("deploy: mkdir %s: %w", dir, err)
	}

	finalPath := RemotePath(remoteHome, version)
	tmpPath := path.Join(dir, fmt.Sprintf(".rcpd-%s.tmp.%d", version, os.Getpid()))

	if err := uploadUnique(sftpClient, tmpPath, data); err != nil {
		return "", err
	}

	if err := finalizeRemote(client, tmpPath, finalPath); err != nil {
		return "", err
	}

	if err := verifyRemoteChecksum(client, finalPath, wantSum); err != nil {
		return "", err
	}

	return finalPath, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func uploadUnique(sftpClient *sftp.Client, tmpPath string, data []byte) error {
	f, err := sftpClient.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("deploy: create remote temp file %s: %w", tmpPath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("deploy: write remote temp file %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("deploy: close remote temp file %s: %w", tmpPath, err)
	}
	return nil
}

// finalizeRemote chmods the uploaded temp file executable and atomically
// renames it into place via the remote shell: pkg/sftp's own Rename isn't
// guaranteed to be an atomic replace on every SFTP server, so the actual
// atomicity guarantee still comes from `mv -f`'s use of rename(2).
func finalizeRemote(client *ssh.Client, tmpPath, finalPath string) error {
	cmd := fmt.Sprintf("chmod 700 %s && mv -f %s %s", shQuote(tmpPath), shQuote(tmpPath), shQuote(finalPath))
	return runRemote(client, cmd)
}

func verifyRemoteChecksum(client *ssh.Client, finalPath, wantSum string) error {
	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("deploy: open session for checksum verify: %w", err)
	}
	defer sess.Close()
	out, err := sess.CombinedOutput(fmt.Sprintf("sha256sum %s", shQuote(finalPath)))
	if err != nil {
		return fmt.Errorf("deploy: sha256sum %s: %w (%s)", finalPath, err, strings.TrimSpace(string(out)))
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return fmt.Errorf("deploy: empty sha256sum output for %s", finalPath)
	}
	if fields[0] != wantSum {
		return fmt.Errorf("deploy: checksum mismatch for %s: want %s, got %s", finalPath, wantSum, fields[0])
	}
	return nil
}

// CleanupOldVersions removes all but the newest keep versions from
// remoteHome's rcpd bin directory. Best-effort: failures are logged, not
// returned, matching the cleanup-race tolerance in SPEC_FULL.md §4.8.
func CleanupOldVersions(client *ssh.Client, remoteHome string, keep int) {
	dir := path.Join(remoteHome, remoteBinDir)
	cmd := fmt.Sprintf("cd %s && ls -t rcpd-* 2>/dev/null | tail -n +%d | xargs -r rm -f", shQuote(dir), keep+1)
	if err := runRemote(client, cmd); err != nil {
		log.Warnf("cleanup of old rcpd versions in %s failed (non-fatal): %v", dir, err)
	}
}

// RemoteHome runs `echo $HOME` over client to learn the target's home
// directory, since sftp's working directory isn't guaranteed to be it.
func RemoteHome(client *ssh.Client) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("deploy: open session for $HOME: %w", err)
	}
	defer sess.Close()
	out, err := sess.CombinedOutput("echo $HOME")
	if err != nil {
		return "", fmt.Errorf("deploy: echo $HOME: %w", err)
	}
	home := strings.TrimSpace(string(out))
	if home == "" {
		return "", fmt.Errorf("deploy: remote $HOME is empty")
	}
	return home, nil
}

func runRemote(client *ssh.Client, cmd string) error {
	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("deploy: open session: %w", err)
	}
	defer sess.Close()
	out, err := sess.CombinedOutput(cmd)
	if err != nil {
		return fmt.Errorf("deploy: remote command %q: %w (%s)", cmd, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

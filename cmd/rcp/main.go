// Command rcp is the user-facing master: it parses a source and
// destination path spec, launches the rcpd daemons over SSH, and waits
// for the transfer to complete. The flags below cover part of the CLI
// table in spec.md §6; --overwrite-compare, --dereference, --preserve,
// --max-workers, --max-blocking-threads, --max-open-files, the throttle
// flags and the port-range flags are not accepted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wykurz/rcp/internal/master"
	"github.com/wykurz/rcp/internal/rlog"
	"github.com/wykurz/rcp/internal/version"
)

var log = rlog.For("rcp")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dryRun          bool
		failEarly       bool
		overwrite       bool
		autoDeploy      bool
		rcpdPath        string
		remoteRcpdPath  string
		connTimeoutSec  int
		keepOldVersions int
		verbosity       int
		printVersion    bool
	)

	cmd := &cobra.Command{
		Use:   "rcp SRC DST",
		Short: "Fast, parallel bulk file copy, locally or across two remote hosts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if printVersion {
				return emitVersion()
			}
			rlog.SetLevel(levelForVerbosity(verbosity))

			opts := master.Options{
				DryRun:          dryRun,
				FailEarly:       failEarly,
				Overwrite:       overwrite,
				AutoDeployRcpd:  autoDeploy,
				RcpdPath:        rcpdPath,
				RemoteRcpdPath:  remoteRcpdPath,
				ConnectTimeout:  time.Duration(connTimeoutSec) * time.Second,
				KeepOldVersions: keepOldVersions,
			}
			orch := master.New(opts, 10*time.Minute)
			result, err := orch.Run(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			if result.Err != nil {
				return result.Err
			}
			log.Info("transfer complete")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&dryRun, "dry-run", false, "Show what would be done without doing it")
	flags.BoolVar(&failEarly, "fail-early", false, "Abort the whole transfer on the first per-entry error")
	flags.BoolVar(&overwrite, "overwrite", false, "Allow replacing existing destination entries")
	flags.BoolVar(&autoDeploy, "auto-deploy-rcpd", false, "Transfer local rcpd binary if missing/mismatched")
	flags.StringVar(&rcpdPath, "rcpd-local-path", "", "Local rcpd binary to auto-deploy")
	flags.StringVar(&remoteRcpdPath, "rcpd-path", "rcpd", "Explicit remote daemon location")
	flags.IntVar(&connTimeoutSec, "remote-copy-conn-timeout-sec", 15, "Bootstrap/dial timeout")
	flags.IntVar(&keepOldVersions, "keep-old-rcpd-versions", 3, "Auto-deployed rcpd versions to retain")
	flags.CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v, -vv, -vvv)")
	flags.BoolVar(&printVersion, "protocol-version", false, "Emit version JSON and exit")

	return cmd
}

func levelForVerbosity(v int) logrus.Level {
	switch {
	case v >= 3:
		return logrus.TraceLevel
	case v == 2:
		return logrus.DebugLevel
	case v == 1:
		return logrus.InfoLevel
	default:
		return logrus.WarnLevel
	}
}

func emitVersion() error {
	out, err := json.Marshal(struct {
		Semantic    string `json:"semantic"`
		GitDescribe string `json:"git_describe"`
	}{
		Semantic:    version.Current.Semantic.String(),
		GitDescribe: version.Current.GitDescribe,
	})
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

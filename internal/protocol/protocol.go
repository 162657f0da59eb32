// Package protocol defines the message catalogue exchanged between the
// master and the two rcpd daemons, and between the daemons themselves, as
// described in SPEC_FULL.md §4.3. Every message is a plain Go struct with
// a Type() string used as its wire tag; internal/wire only ever sees the
// Codec below, never these types directly.
package protocol

import (
	"fmt"

	"github.com/wykurz/rcp/internal/metadata"
)

// Tagged is satisfied by every message type in this package.
type Tagged interface {
	Type() string
}

// RuntimeStats mirrors the coarse counters a daemon reports alongside its
// final result, independent of the destination's authoritative Summary.
type RuntimeStats struct {
	FilesProcessed int64 `json:"files_processed"`
	BytesProcessed int64 `json:"bytes_processed"`
	ElapsedMillis  int64 `json:"elapsed_millis"`
}

// --- Master <-> daemon bootstrap -------------------------------------------

// MasterToSource is sent once, over the control stream, to start the
// source daemon's walk.
type MasterToSource struct {
	SrcPath             string   `json:"src_path"`
	DstPath             string   `json:"dst_path"`
	DestCertFingerprint string   `json:"dest_cert_fingerprint"`
	FilterPatterns      []string `json:"filter_patterns,omitempty"`
	FailEarly           bool     `json:"fail_early"`
	DryRun              bool     `json:"dry_run"`
}

func (MasterToSource) Type() string { return "MasterToSource" }

// MasterToDestination is sent once the source's endpoints are known; it
// tells the destination daemon where to dial in to receive the skeleton
// and file streams.
type MasterToDestination struct {
	SourceControlAddr   string `json:"source_control_addr"`
	SourceDataAddr      string `json:"source_data_addr"`
	ServerName          string `json:"server_name"`
	SourceCertFingerprint string `json:"source_cert_fingerprint"`
	PreserveOwner       bool   `json:"preserve_owner"`
	PreserveGroup       bool   `json:"preserve_group"`
	PreserveMode        bool   `json:"preserve_mode"`
	PreserveTimes       bool   `json:"preserve_times"`
	Overwrite           bool   `json:"overwrite"`
	FailEarly           bool   `json:"fail_early"`
	DryRun              bool   `json:"dry_run"`
}

func (MasterToDestination) Type() string { return "MasterToDestination" }

// SourceMasterHello is the source daemon's reply once it has opened its
// data-plane listeners: the master relays these endpoints on to the
// destination inside MasterToDestination.
type SourceMasterHello struct {
	ControlAddr string `json:"control_addr"`
	DataAddr    string `json:"data_addr"`
	ServerName  string `json:"server_name"`
	CertFingerprint string `json:"cert_fingerprint"`
}

func (SourceMasterHello) Type() string { return "SourceMasterHello" }

// RcpdSuccess is a daemon's final report when it completed without a fatal
// error (individual skipped files/symlinks don't prevent Success).
type RcpdSuccess struct {
	Message string        `json:"message"`
	Summary SummaryWire   `json:"summary"`
	Stats   RuntimeStats  `json:"stats"`
}

func (RcpdSuccess) Type() string { return "RcpdSuccess" }

// RcpdFailure is a daemon's final report when a fatal, non-recoverable
// error occurred (e.g. transport died, root entry could not be read).
type RcpdFailure struct {
	Error   string       `json:"error"`
	Summary SummaryWire  `json:"summary"`
	Stats   RuntimeStats `json:"stats"`
}

func (RcpdFailure) Type() string { return "RcpdFailure" }

// SummaryWire is the wire-shape of internal/summary.Summary, duplicated
// here (rather than imported) to keep the protocol package free of a
// dependency on the counters implementation.
type SummaryWire struct {
	FilesCopied    int64 `json:"files_copied"`
	FilesUnchanged int64 `json:"files_unchanged"`
	FilesSkipped   int64 `json:"files_skipped"`
	SymlinksCopied int64 `json:"symlinks_copied"`
	DirsCreated    int64 `json:"dirs_created"`
	BytesCopied    int64 `json:"bytes_copied"`
	Errors         int64 `json:"errors"`
}

// --- Source -> Destination control stream ----------------------------------

// DirStub is an optional, non-essential pre-announcement of a directory's
// approximate entry count; the destination may ignore it entirely.
type DirStub struct {
	Src        string `json:"src"`
	Dst        string `json:"dst"`
	NumEntries int    `json:"num_entries"`
}

func (DirStub) Type() string { return "DirStub" }

// Directory announces a directory before any of its children are sent.
type Directory struct {
	Src      string            `json:"src"`
	Dst      string            `json:"dst"`
	Metadata metadata.Metadata `json:"metadata"`
	IsRoot   bool              `json:"is_root"`
}

func (Directory) Type() string { return "Directory" }

// Symlink announces a symlink entry, target verbatim (not resolved).
type Symlink struct {
	Src      string            `json:"src"`
	Dst      string            `json:"dst"`
	Target   string            `json:"target"`
	Metadata metadata.Metadata `json:"metadata"`
	IsRoot   bool              `json:"is_root"`
}

func (Symlink) Type() string { return "Symlink" }

// SymlinkSkipped announces a symlink whose metadata or target could not be
// read (vanished mid-walk, permission denied, ...).
type SymlinkSkipped struct {
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	IsRoot bool   `json:"is_root"`
}

func (SymlinkSkipped) Type() string { return "SymlinkSkipped" }

// DirectoryEmpty seals a directory's file count at zero: no File or
// FileSkipped message will ever reference it.
type DirectoryEmpty struct {
	Src         string `json:"src"`
	Dst         string `json:"dst"`
	KeepIfEmpty bool   `json:"keep_if_empty"`
}

func (DirectoryEmpty) Type() string { return "DirectoryEmpty" }

// FileSkipped announces a file that could not be opened for reading; it
// still counts toward dir_total_files so the directory tracker's count
// stays consistent.
type FileSkipped struct {
	Src           string `json:"src"`
	Dst           string `json:"dst"`
	DirTotalFiles int    `json:"dir_total_files"`
}

func (FileSkipped) Type() string { return "FileSkipped" }

// DirStructureComplete announces that the skeleton walk is fully
// enumerated; no further Directory/Symlink/DirectoryEmpty will follow.
// HasRootItem is false only when the root itself produced nothing at all
// (e.g. Lstat of the root never even ran); it is the source's own
// determination, since a root File is delivered over the data stream and
// the destination's control-stream reader never observes it directly.
type DirStructureComplete struct {
	HasRootItem bool `json:"has_root_item"`
}

func (DirStructureComplete) Type() string { return "DirStructureComplete" }

// SourceDone announces that the source has nothing further to send on the
// control stream (all directories reported, all data streams drained).
type SourceDone struct{}

func (SourceDone) Type() string { return "SourceDone" }

// --- Destination -> Source control stream ----------------------------------

// DirectoryCreated releases the source to start streaming files that
// belong to this directory.
type DirectoryCreated struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

func (DirectoryCreated) Type() string { return "DirectoryCreated" }

// DestinationDone signals graceful shutdown; the source may close the
// control stream and its data streams once it observes this.
type DestinationDone struct{}

func (DestinationDone) Type() string { return "DestinationDone" }

// --- Source -> Destination data stream -------------------------------------

// File is the header sent on a data stream immediately before exactly
// Size raw bytes of file content.
type File struct {
	Src           string            `json:"src"`
	Dst           string            `json:"dst"`
	Size          int64             `json:"size"`
	Metadata      metadata.Metadata `json:"metadata"`
	IsRoot        bool              `json:"is_root"`
	DirTotalFiles int               `json:"dir_total_files"`
}

func (File) Type() string { return "File" }

// --- Codec ------------------------------------------------------------------

// registry lists every message type this package knows how to decode,
// keyed by Type(). Codec below decodes against the whole registry on
// every stream.
var registry = map[string]func() Tagged{
	"MasterToSource":        func() Tagged { return new(MasterToSource) },
	"MasterToDestination":   func() Tagged { return new(MasterToDestination) },
	"SourceMasterHello":     func() Tagged { return new(SourceMasterHello) },
	"RcpdSuccess":           func() Tagged { return new(RcpdSuccess) },
	"RcpdFailure":           func() Tagged { return new(RcpdFailure) },
	"DirStub":               func() Tagged { return new(DirStub) },
	"Directory":             func() Tagged { return new(Directory) },
	"Symlink":               func() Tagged { return new(Symlink) },
	"SymlinkSkipped":        func() Tagged { return new(SymlinkSkipped) },
	"DirectoryEmpty":        func() Tagged { return new(DirectoryEmpty) },
	"FileSkipped":           func() Tagged { return new(FileSkipped) },
	"DirStructureComplete":  func() Tagged { return new(DirStructureComplete) },
	"SourceDone":            func() Tagged { return new(SourceDone) },
	"DirectoryCreated":      func() Tagged { return new(DirectoryCreated) },
	"DestinationDone":       func() Tagged { return new(DestinationDone) },
	"File":                  func() Tagged { return new(File) },
}

// Codec implements wire.Codec against the full message registry above. A
// single shared instance is safe for concurrent use; it holds no state.
type Codec struct{}

func (Codec) TypeOf(msg any) (string, error) {
	t, ok := msg.(Tagged)
	if !ok {
		return "", fmt.Errorf("protocol: %T does not implement Tagged", msg)
	}
	return t.Type(), nil
}

func (Codec) New(typ string) (any, error) {
	ctor, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown message type %q", typ)
	}
	return ctor(), nil
}

package workflows

import (
	"context"

	"github.com/tendant/imgpixel/internal/preview"
	"github.com/tendant/imgpixel/pkg/pipeline"
)

// State is the canonical workflow state
type State string

const (
	StateIdle       State = "idle"
	StateSelected   State = "selected"
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateError      State = "error"
)

// Phase tells which remote call a Processing state is waiting on
type Phase string

const (
	PhaseNone     Phase = ""
	PhaseRemoval  Phase = "removal"
	PhaseDownload Phase = "download"
)

// SourceFile is the user-selected raw image
type SourceFile struct {
	Name string
	Data []byte
	Hash uint64
}

// Export describes the most recent prepared download
type Export struct {
	OutputFile string                 `json:"output_file"`
	Filename   string                 `json:"filename"`
	Options    pipeline.ExportOptions `json:"options"`
	Location   string                 `json:"location,omitempty"`
}

// Snapshot is an immutable view of the workflow, published after every transition
type Snapshot struct {
	State      State                  `json:"state"`
	Phase      Phase                  `json:"phase,omitempty"`
	SourceName string                 `json:"source_name,omitempty"`
	SourceHash uint64                 `json:"source_hash,omitempty"`
	MasterFile string                 `json:"master_file,omitempty"`
	Original   *preview.Handle        `json:"original,omitempty"`
	Processed  *preview.Handle        `json:"processed,omitempty"`
	Options    pipeline.ExportOptions `json:"options"`
	Message    string                 `json:"message,omitempty"`
	Retryable  bool                   `json:"retryable"`
	LastExport *Export                `json:"last_export,omitempty"`
	Generation uint64                 `json:"generation"`
	Version    uint64                 `json:"version"`
}

// HasSource reports whether a file is selected
func (s Snapshot) HasSource() bool {
	return s.SourceName != ""
}

// CanRemoveBackground reports whether the removal affordance should be enabled
func (s Snapshot) CanRemoveBackground() bool {
	return s.HasSource() && s.State != StateProcessing
}

// CanDownload reports whether the download affordance should be enabled
func (s Snapshot) CanDownload() bool {
	return s.MasterFile != "" && s.State != StateProcessing
}

// DownloadResult is returned by a successful Download
type DownloadResult struct {
	Snapshot Snapshot
	Export   Export
}

// Remote is the remote processing service as seen by the coordinator
type Remote interface {
	RemoveBackground(ctx context.Context, fileName string, data []byte) (string, error)
	PrepareDownload(ctx context.Context, masterFile string, opts pipeline.ExportOptions) (string, error)
	DownloadURL(id string) string
}

// Saver performs the save-as side effect for a prepared export and returns
// where the file ended up
type Saver interface {
	Save(ctx context.Context, outputFile string, filename string) (string, error)
}

// Recorder keeps a history of removals and exports
type Recorder interface {
	RecordRemoval(ctx context.Context, sourceHash uint64, sourceName string, masterFile string) (int, error)
	RecordExport(ctx context.Context, masterFile string, outputFile string, opts pipeline.ExportOptions, filename string) error
}

package workflows

import "errors"

var (
	// ErrNoSource is returned when removal is requested with no selected file
	ErrNoSource = errors.New("no source file selected")

	// ErrNoMaster is returned when a download is requested before a successful removal
	ErrNoMaster = errors.New("no master artifact")

	// ErrBusy is returned when an action is requested while a remote call is in flight
	ErrBusy = errors.New("workflow is processing")

	// ErrSuperseded is returned when a response arrives after the workflow moved on
	ErrSuperseded = errors.New("response superseded by a newer selection")

	// ErrRemovalFailed wraps remote failures of the removal step
	ErrRemovalFailed = errors.New("background removal failed")

	// ErrDownloadFailed wraps remote failures of the export-preparation step
	ErrDownloadFailed = errors.New("download preparation failed")

	// ErrSaveFailed wraps failures while saving a prepared export; workflow state is unaffected
	ErrSaveFailed = errors.New("saving export failed")

	// ErrEmptyFile is returned when a selected file has no content
	ErrEmptyFile = errors.New("selected file is empty")
)

// User-facing messages
const (
	MessageSelectImage    = "Please select an image."
	MessageProcessFirst   = "Please process an image first."
	MessageRemovalFailed  = "Background removal failed. Please try again."
	MessageDownloadFailed = "Failed to download the image. Please try again."
)

package devboxv1

import "github.com/antonkrylov/devbox/internal/devbox"

// FromStart selects a devbox's whole log in GetLogsRequest.AfterSequence.
const FromStart int64 = -1

type CreateDevboxRequest struct {
	Name           string             `cbor:"name,omitempty"`
	BlueprintID    string             `cbor:"blueprint_id,omitempty"`
	Entrypoint     string             `cbor:"entrypoint,omitempty"`
	LaunchCommands []string           `cbor:"launch_commands,omitempty"`
	Env            map[string]string  `cbor:"env,omitempty"`
	Idle           *devbox.IdlePolicy `cbor:"idle,omitempty"`
}

// DevboxRef addresses one devbox in get, suspend, resume and shutdown calls.
type DevboxRef struct {
	ID string `cbor:"id"`
}

type ListDevboxesRequest struct {
	Status devbox.Status `cbor:"status,omitempty"`
	Limit  int           `cbor:"limit,omitempty"`
}

type ListDevboxesResponse struct {
	Devboxes []*devbox.Devbox `cbor:"devboxes"`
}

type StartExecutionRequest struct {
	DevboxID    string `cbor:"devbox_id"`
	Command     string `cbor:"command"`
	ShellName   string `cbor:"shell_name,omitempty"`
	AttachStdin bool   `cbor:"attach_stdin,omitempty"`
}

// SendStdinRequest delivers text or a signal to a running execution that was
// started with AttachStdin.
type SendStdinRequest struct {
	DevboxID    string            `cbor:"devbox_id"`
	ExecutionID string            `cbor:"execution_id"`
	Input       devbox.StdinInput `cbor:"input"`
}

type GetExecutionRequest struct {
	DevboxID    string `cbor:"devbox_id"`
	ExecutionID string `cbor:"execution_id"`
}

// GetLogsRequest asks for entries with a sequence above AfterSequence. Limit
// caps the page; zero means the server default.
type GetLogsRequest struct {
	DevboxID      string `cbor:"devbox_id"`
	AfterSequence int64  `cbor:"after_seq"`
	Limit         int    `cbor:"limit,omitempty"`
}

type GetLogsResponse struct {
	Entries []devbox.LogEntry `cbor:"entries"`
}

type ReadFileRequest struct {
	DevboxID string `cbor:"devbox_id"`
	Path     string `cbor:"path"`
}

type ReadFileResponse struct {
	Data []byte `cbor:"data"`
}

type WriteFileRequest struct {
	DevboxID string `cbor:"devbox_id"`
	Path     string `cbor:"path"`
	Data     []byte `cbor:"data"`
	Mode     uint32 `cbor:"mode,omitempty"`
}

type WriteFileResponse struct {
	Size int64 `cbor:"size"`
}

// Compression names accepted in ChannelHello.
const (
	CompressionNone = ""
	CompressionZstd = "zstd"
)

// ChannelHello opens a channel. The client sends it first; the server echoes it
// back once the target port is connected, with the compression it accepted.
type ChannelHello struct {
	DevboxID    string `cbor:"devbox_id"`
	Port        int    `cbor:"port"`
	Compression string `cbor:"compression,omitempty"`
}

// ChannelFrame is one message on an OpenChannel stream. EOF marks that the
// sender will write no more data.
type ChannelFrame struct {
	Hello *ChannelHello `cbor:"hello,omitempty"`
	Data  []byte        `cbor:"data,omitempty"`
	EOF   bool          `cbor:"eof,omitempty"`
}

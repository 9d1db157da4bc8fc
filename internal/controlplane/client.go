// Package controlplane is the typed client of the devbox control plane. It
// satisfies session.ControlPlane and turns transport failures into
// classified *devbox.Error values.
package controlplane

import (
	"context"
	"io"
	"log/slog"
	"os"

	devboxv1 "github.com/antonkrylov/devbox/internal/api/devboxv1"
	"github.com/antonkrylov/devbox/internal/devbox"
)

// Options tunes a Client.
type Options struct {
	// Compression requested for remote channels: "" or "zstd".
	Compression string
	// LogPageSize caps entries per GetLogs call; zero lets the server decide.
	LogPageSize int
	Logger      *slog.Logger
}

// Client calls DevboxService over a gRPC connection owned by the caller.
type Client struct {
	rpc    devboxv1.DevboxServiceClient
	opts   Options
	logger *slog.Logger
}

// New wraps rpc. A nil Options.Logger discards log output.
func New(rpc devboxv1.DevboxServiceClient, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{rpc: rpc, opts: opts, logger: logger}
}

func (c *Client) CreateDevbox(ctx context.Context, req *devboxv1.CreateDevboxRequest) (*devbox.Devbox, error) {
	d, err := c.rpc.CreateDevbox(ctx, req)
	if err != nil {
		return nil, classify(ctx, "create", "", err)
	}
	c.logger.Debug("devbox created", "devbox", d.ID, "status", d.Status)
	return d, nil
}

func (c *Client) GetDevbox(ctx context.Context, id string) (*devbox.Devbox, error) {
	d, err := c.rpc.GetDevbox(ctx, &devboxv1.DevboxRef{ID: id})
	if err != nil {
		return nil, classify(ctx, "get", id, err)
	}
	return d, nil
}

// ListDevboxes returns devboxes oldest first, optionally filtered by status.
// A positive limit keeps only the newest entries.
func (c *Client) ListDevboxes(ctx context.Context, status devbox.Status, limit int) ([]*devbox.Devbox, error) {
	resp, err := c.rpc.ListDevboxes(ctx, &devboxv1.ListDevboxesRequest{Status: status, Limit: limit})
	if err != nil {
		return nil, classify(ctx, "list", "", err)
	}
	return resp.Devboxes, nil
}

func (c *Client) SuspendDevbox(ctx context.Context, id string) (*devbox.Devbox, error) {
	d, err := c.rpc.SuspendDevbox(ctx, &devboxv1.DevboxRef{ID: id})
	if err != nil {
		return nil, classify(ctx, "suspend", id, err)
	}
	return d, nil
}

func (c *Client) ResumeDevbox(ctx context.Context, id string) (*devbox.Devbox, error) {
	d, err := c.rpc.ResumeDevbox(ctx, &devboxv1.DevboxRef{ID: id})
	if err != nil {
		return nil, classify(ctx, "resume", id, err)
	}
	return d, nil
}

func (c *Client) ShutdownDevbox(ctx context.Context, id string) (*devbox.Devbox, error) {
	d, err := c.rpc.ShutdownDevbox(ctx, &devboxv1.DevboxRef{ID: id})
	if err != nil {
		return nil, classify(ctx, "shutdown", id, err)
	}
	return d, nil
}

// StartExecution starts command; attachStdin keeps its stdin open for SendStdin.
func (c *Client) StartExecution(ctx context.Context, devboxID, command string, attachStdin bool) (*devbox.Execution, error) {
	ex, err := c.rpc.StartExecution(ctx, &devboxv1.StartExecutionRequest{DevboxID: devboxID, Command: command, AttachStdin: attachStdin})
	if err != nil {
		return nil, classify(ctx, "start execution", devboxID, err)
	}
	return ex, nil
}

func (c *Client) GetExecution(ctx context.Context, devboxID, executionID string) (*devbox.Execution, error) {
	ex, err := c.rpc.GetExecution(ctx, &devboxv1.GetExecutionRequest{DevboxID: devboxID, ExecutionID: executionID})
	if err != nil {
		return nil, classify(ctx, "get execution", devboxID, err)
	}
	return ex, nil
}

func (c *Client) SendStdin(ctx context.Context, devboxID, executionID string, in devbox.StdinInput) (*devbox.Execution, error) {
	ex, err := c.rpc.SendStdin(ctx, &devboxv1.SendStdinRequest{DevboxID: devboxID, ExecutionID: executionID, Input: in})
	if err != nil {
		return nil, classify(ctx, "send stdin", devboxID, err)
	}
	return ex, nil
}

// GetLogs returns one page of entries after afterSequence.
func (c *Client) GetLogs(ctx context.Context, devboxID string, afterSequence int64) ([]devbox.LogEntry, error) {
	resp, err := c.rpc.GetLogs(ctx, &devboxv1.GetLogsRequest{
		DevboxID:      devboxID,
		AfterSequence: afterSequence,
		Limit:         c.opts.LogPageSize,
	})
	if err != nil {
		return nil, classify(ctx, "logs", devboxID, err)
	}
	return resp.Entries, nil
}

func (c *Client) ReadFile(ctx context.Context, devboxID, path string) ([]byte, error) {
	resp, err := c.rpc.ReadFile(ctx, &devboxv1.ReadFileRequest{DevboxID: devboxID, Path: path})
	if err != nil {
		return nil, classify(ctx, "read file", devboxID, err)
	}
	return resp.Data, nil
}

// WriteFile replaces path inside the devbox and returns the bytes written.
func (c *Client) WriteFile(ctx context.Context, devboxID, path string, data []byte, mode os.FileMode) (int64, error) {
	resp, err := c.rpc.WriteFile(ctx, &devboxv1.WriteFileRequest{
		DevboxID: devboxID,
		Path:     path,
		Data:     data,
		Mode:     uint32(mode.Perm()),
	})
	if err != nil {
		return 0, classify(ctx, "write file", devboxID, err)
	}
	return resp.Size, nil
}

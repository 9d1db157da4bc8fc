package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	devboxv1 "github.com/antonkrylov/devbox/internal/api/devboxv1"
	"github.com/antonkrylov/devbox/internal/devbox"
	"github.com/antonkrylov/devbox/internal/session"
)

const (
	defaultWaitTimeout = 180 * time.Second
)

func newDevboxCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "devbox",
		Aliases: []string{"dbx"},
		Short:   "Devbox operations",
	}
	cmd.AddCommand(
		newCreateCmd(root),
		newListCmd(root),
		newGetCmd(root),
		newWaitCmd(root),
		newTransitionCmd(root, "suspend", "Suspend a running devbox"),
		newTransitionCmd(root, "resume", "Resume a suspended devbox"),
		newTransitionCmd(root, "shutdown", "Shut a devbox down"),
		newExecCmd(root),
		newExecAsyncCmd(root),
		newGetExecCmd(root),
		newSendStdinCmd(root),
		newLogsCmd(root),
		newTunnelCmd(root),
		newReadCmd(root),
		newWriteCmd(root),
	)
	return cmd
}

type createFlags struct {
	name           string
	blueprintID    string
	entrypoint     string
	launchCommands []string
	envVars        []string
	idleTime       int64
	idleAction     string
	wait           bool
}

func (f *createFlags) request() (*devboxv1.CreateDevboxRequest, error) {
	idle, err := idlePolicy(f.idleTime, f.idleAction)
	if err != nil {
		return nil, err
	}
	env, err := parseEnv(f.envVars)
	if err != nil {
		return nil, err
	}
	return &devboxv1.CreateDevboxRequest{
		Name:           f.name,
		BlueprintID:    f.blueprintID,
		Entrypoint:     f.entrypoint,
		LaunchCommands: f.launchCommands,
		Env:            env,
		Idle:           idle,
	}, nil
}

// idlePolicy requires idle time and action together.
func idlePolicy(seconds int64, action string) (*devbox.IdlePolicy, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	switch {
	case seconds == 0 && action == "":
		return nil, nil
	case seconds <= 0 || action == "":
		return nil, errors.New("--idle-time and --idle-action must be specified together")
	}
	switch devbox.IdleAction(action) {
	case devbox.IdleShutdown, devbox.IdleSuspend:
	default:
		return nil, fmt.Errorf("--idle-action must be shutdown or suspend, got %q", action)
	}
	return &devbox.IdlePolicy{IdleSeconds: seconds, OnIdle: devbox.IdleAction(action)}, nil
}

func newCreateCmd(root *rootOptions) *cobra.Command {
	f := &createFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a devbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			sess, cp, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := root.callContext()
			d, err := cp.CreateDevbox(ctx, req)
			cancel()
			if err != nil {
				return err
			}
			if f.wait {
				waitCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
				defer stop()
				d, err = sess.Lifecycle.AwaitState(waitCtx, d.ID, []devbox.Status{devbox.StatusRunning}, defaultWaitTimeout, root.conn.PollInterval)
				if err != nil {
					return err
				}
			}
			printDevbox(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "devbox name")
	cmd.Flags().StringVar(&f.blueprintID, "blueprint-id", "", "blueprint to create the devbox from")
	cmd.Flags().StringVar(&f.entrypoint, "entrypoint", "", "command started once the devbox is running")
	cmd.Flags().StringArrayVar(&f.launchCommands, "launch-command", nil, "command run while initializing (repeatable)")
	cmd.Flags().StringArrayVar(&f.envVars, "env", nil, "environment variable KEY=VALUE (repeatable)")
	cmd.Flags().Int64Var(&f.idleTime, "idle-time", 0, "seconds of inactivity before --idle-action")
	cmd.Flags().StringVar(&f.idleAction, "idle-action", "", "action on idle: shutdown or suspend")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "wait until the devbox is running")
	return cmd
}

func newListCmd(root *rootOptions) *cobra.Command {
	var statusFilter string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List devboxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st devbox.Status
			if statusFilter != "" {
				parsed, err := devbox.ParseStatus(statusFilter)
				if err != nil {
					return err
				}
				st = parsed
			}
			_, cp, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := root.callContext()
			defer cancel()
			list, err := cp.ListDevboxes(ctx, st, limit)
			if err != nil {
				return err
			}
			return printDevboxTable(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "only devboxes in this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "show at most this many of the newest devboxes")
	return cmd
}

func newGetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <devbox-id>",
		Short: "Show a devbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cp, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := root.callContext()
			defer cancel()
			d, err := cp.GetDevbox(ctx, args[0])
			if err != nil {
				return err
			}
			printDevbox(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

func newWaitCmd(root *rootOptions) *cobra.Command {
	var states []string
	var timeout, poll time.Duration
	cmd := &cobra.Command{
		Use:   "wait <devbox-id>",
		Short: "Wait until a devbox reaches one of the given states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := make([]devbox.Status, 0, len(states))
			for _, s := range states {
				st, err := devbox.ParseStatus(s)
				if err != nil {
					return err
				}
				targets = append(targets, st)
			}
			if poll == 0 {
				poll = root.conn.PollInterval
			}
			sess, _, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			d, err := sess.Lifecycle.AwaitState(ctx, args[0], targets, timeout, poll)
			if err != nil {
				var de *devbox.Error
				if errors.As(err, &de) && de.Devbox != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "last status: %s\n", de.Devbox.Status)
				}
				return err
			}
			printDevbox(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", []string{string(devbox.StatusRunning)}, "target states (repeatable)")
	cmd.Flags().DurationVar(&timeout, "wait-timeout", defaultWaitTimeout, "give up after this long")
	cmd.Flags().DurationVar(&poll, "poll-interval", 0, "poll interval; defaults to config or 3s")
	return cmd
}

func newTransitionCmd(root *rootOptions, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <devbox-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cp, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := root.callContext()
			defer cancel()
			var d *devbox.Devbox
			switch verb {
			case "suspend":
				d, err = cp.SuspendDevbox(ctx, args[0])
			case "resume":
				d, err = cp.ResumeDevbox(ctx, args[0])
			default:
				d, err = cp.ShutdownDevbox(ctx, args[0])
			}
			if err != nil {
				return err
			}
			printDevbox(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

// execFailedError carries a command's nonzero exit code out of rl.
type execFailedError struct{ code int }

func (e *execFailedError) Error() string { return "exit status " + strconv.Itoa(e.code) }

func newExecCmd(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec <devbox-id> -- <command...>",
		Short: "Run a command and wait for it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, _, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			ex, err := sess.Exec.RunSync(ctx, args[0], strings.Join(args[1:], " "), timeout)
			if err != nil {
				var de *devbox.Error
				if errors.As(err, &de) && de.Execution != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "execution %s still %s; poll it with get-exec\n", de.Execution.ID, de.Execution.Status)
				}
				return err
			}
			io.WriteString(cmd.OutOrStdout(), ex.Stdout)
			io.WriteString(cmd.ErrOrStderr(), ex.Stderr)
			if ex.Status == devbox.ExecFailed {
				return fmt.Errorf("execution %s failed", ex.ID)
			}
			if ex.ExitCode != nil && *ex.ExitCode != 0 {
				return &execFailedError{code: *ex.ExitCode}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "exec-timeout", 0, "stop waiting after this long (0 waits forever)")
	return cmd
}

func newExecAsyncCmd(root *rootOptions) *cobra.Command {
	var attach bool
	cmd := &cobra.Command{
		Use:   "exec-async <devbox-id> -- <command...>",
		Short: "Start a command without waiting",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, _, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := root.callContext()
			defer cancel()
			start := sess.Exec.StartAsync
			if attach {
				start = sess.Exec.StartAttached
			}
			ex, err := start(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printExecution(cmd.OutOrStdout(), ex)
			return nil
		},
	}
	cmd.Flags().BoolVar(&attach, "attach-stdin", false, "keep stdin open for send-stdin")
	return cmd
}

// stdinInput builds the send-stdin payload from its flags.
func stdinInput(text, signal string) (devbox.StdinInput, error) {
	in := devbox.StdinInput{Text: text}
	if signal != "" {
		sig, err := devbox.ParseStdinSignal(signal)
		if err != nil {
			return devbox.StdinInput{}, err
		}
		in.Signal = sig
	}
	return in, in.Validate()
}

func newSendStdinCmd(root *rootOptions) *cobra.Command {
	var text, signal string
	cmd := &cobra.Command{
		Use:   "send-stdin <devbox-id> <execution-id>",
		Short: "Send text or a signal to a running exec-async --attach-stdin command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := stdinInput(text, signal)
			if err != nil {
				return err
			}
			sess, _, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := root.callContext()
			defer cancel()
			ex, err := sess.Exec.SendStdin(ctx, args[0], args[1], in)
			if err != nil {
				return err
			}
			printExecution(cmd.OutOrStdout(), ex)
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "text to write to stdin")
	cmd.Flags().StringVar(&signal, "signal", "", "EOF or INTERRUPT")
	cmd.MarkFlagsMutuallyExclusive("text", "signal")
	cmd.MarkFlagsOneRequired("text", "signal")
	return cmd
}

func newGetExecCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get-exec <devbox-id> <execution-id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, _, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := root.callContext()
			defer cancel()
			ex, err := sess.Exec.Poll(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			printExecution(cmd.OutOrStdout(), ex)
			return nil
		},
	}
}

func newLogsCmd(root *rootOptions) *cobra.Command {
	var follow bool
	var after int64
	cmd := &cobra.Command{
		Use:   "logs <devbox-id>",
		Short: "Print devbox logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, _, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()
			out := cmd.OutOrStdout()
			if !follow {
				ctx, cancel := root.callContext()
				defer cancel()
				entries, err := sess.Logs.Drain(ctx, args[0], after)
				for _, e := range entries {
					fmt.Fprintln(out, formatLogEntry(e))
				}
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			for e, err := range sess.Logs.Tail(ctx, args[0], after) {
				if err != nil {
					if errors.Is(err, devbox.ErrCancelled) {
						return nil
					}
					return err
				}
				fmt.Fprintln(out, formatLogEntry(e))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new entries until the devbox ends")
	cmd.Flags().Int64Var(&after, "after", session.FromStart, "only entries with a sequence above this")
	return cmd
}

func newReadCmd(root *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "read <devbox-id> <path>",
		Short: "Read a file from a devbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cp, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := root.callContext()
			defer cancel()
			data, err := cp.ReadFile(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this local file instead of stdout")
	return cmd
}

func newWriteCmd(root *rootOptions) *cobra.Command {
	var input, mode string
	cmd := &cobra.Command{
		Use:   "write <devbox-id> <path>",
		Short: "Write a file into a devbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			perm, err := strconv.ParseUint(mode, 8, 32)
			if err != nil {
				return fmt.Errorf("invalid --mode %q: %w", mode, err)
			}
			var data []byte
			if input == "" || input == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(input)
			}
			if err != nil {
				return err
			}
			_, cp, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := root.callContext()
			defer cancel()
			n, err := cp.WriteFile(ctx, args[0], args[1], data, os.FileMode(perm))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", n, args[1])
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "local file to upload (stdin when empty)")
	cmd.Flags().StringVar(&mode, "mode", "0644", "file mode, octal")
	return cmd
}

func parseEnv(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		key, value, ok := strings.Cut(item, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env %q", item)
		}
		out[key] = value
	}
	return out, nil
}

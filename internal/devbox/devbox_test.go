package devbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	for _, s := range Statuses {
		want := s == StatusShutdown || s == StatusFailure
		assert.Equal(t, want, s.Terminal(), s)
	}
	assert.True(t, ExecCompleted.Terminal())
	assert.True(t, ExecFailed.Terminal())
	assert.False(t, ExecRunning.Terminal())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Running ")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s)

	_, err = ParseStatus("exploded")
	require.Error(t, err)
}

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("no such devbox")
	err := fmt.Errorf("wrapped: %w", E(KindNotFound, "get devbox", "dbx_1", cause))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Contains(t, err.Error(), "devbox dbx_1")
}

func TestKindOfContextErrors(t *testing.T) {
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindDeadlineExceeded, KindOf(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.True(t, IsTransient(ErrTransient))
}

func TestCloneIsDeep(t *testing.T) {
	end := time.Now()
	code := 3
	d := &Devbox{ID: "a", EndTime: &end, Env: map[string]string{"K": "V"}, LaunchCommands: []string{"x"}}
	c := d.Clone()
	c.Env["K"] = "changed"
	c.LaunchCommands[0] = "y"
	*c.EndTime = end.Add(time.Hour)
	assert.Equal(t, "V", d.Env["K"])
	assert.Equal(t, "x", d.LaunchCommands[0])
	assert.Equal(t, end, *d.EndTime)

	e := &Execution{ID: "e", ExitCode: &code}
	ec := e.Clone()
	*ec.ExitCode = 9
	assert.Equal(t, 3, *e.ExitCode)
}

func TestStdinInputValidate(t *testing.T) {
	assert.NoError(t, StdinInput{Text: "y\n"}.Validate())
	assert.NoError(t, StdinInput{Signal: StdinEOF}.Validate())
	assert.Error(t, StdinInput{}.Validate())
	assert.Error(t, StdinInput{Text: "x", Signal: StdinInterrupt}.Validate())
	assert.Error(t, StdinInput{Signal: "KILL"}.Validate())

	sig, err := ParseStdinSignal("interrupt")
	assert.NoError(t, err)
	assert.Equal(t, StdinInterrupt, sig)
}

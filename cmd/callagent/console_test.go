package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/media"
)

func TestConsoleCommands(t *testing.T) {
	f := newAgentFixture(t)
	var out bytes.Buffer
	c := newConsole(f.mgr, strings.NewReader(""), &out, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, c.exec(ctx, "status"))
	assert.Contains(t, out.String(), "idle")

	require.NoError(t, c.exec(ctx, "dial alice video"))
	assert.Contains(t, out.String(), "dialing alice")
	info, ok := f.mgr.Current()
	require.True(t, ok)
	assert.Equal(t, media.Video, info.Media)

	out.Reset()
	require.NoError(t, c.exec(ctx, "status"))
	assert.Contains(t, out.String(), `"peerUserId": "alice"`)

	require.NoError(t, c.exec(ctx, "hangup"))
	assert.Equal(t, call.StateIdle, f.mgr.State())

	assert.Error(t, c.exec(ctx, "dial"))
	assert.Error(t, c.exec(ctx, "dial alice screen"))
	assert.Error(t, c.exec(ctx, "fly"))
	assert.ErrorIs(t, c.exec(ctx, "quit"), errQuit)
	assert.NoError(t, c.exec(ctx, "   "))
}

func TestConsoleRunStopsOnQuit(t *testing.T) {
	f := newAgentFixture(t)
	var out bytes.Buffer
	c := newConsole(f.mgr, strings.NewReader("bogus\nquit\n"), &out, zaptest.NewLogger(t))

	err := c.run(context.Background())
	assert.ErrorIs(t, err, errQuit)
	assert.Contains(t, out.String(), `error: unknown command "bogus"`)
}

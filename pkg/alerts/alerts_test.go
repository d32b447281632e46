package alerts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755))
	return path
}

func TestNotifyNoAgents(t *testing.T) {
	d := NewExecDispatcher(nil, time.Second)
	assert.Equal(t, OutcomeNoAgents, d.Notify("node-1", 1, "health", "ok"))
}

func TestNotifyAllSucceeded(t *testing.T) {
	ok := writeAgent(t, "exit 0")
	d := NewExecDispatcher([]Agent{{Path: ok}, {Path: ok}}, 5*time.Second)
	assert.Equal(t, OutcomeAllSucceeded, d.Notify("node-1", 1, "health", "ok"))
}

func TestNotifySomeFailed(t *testing.T) {
	ok := writeAgent(t, "exit 0")
	bad := writeAgent(t, "exit 1")
	d := NewExecDispatcher([]Agent{{Path: ok}, {Path: bad}}, 5*time.Second)
	assert.Equal(t, OutcomeSomeFailed, d.Notify("node-1", 1, "health", "ok"))
}

func TestNotifyAllFailed(t *testing.T) {
	bad := writeAgent(t, "exit 1")
	d := NewExecDispatcher([]Agent{{Path: bad}}, 5*time.Second)
	assert.Equal(t, OutcomeAllFailed, d.Notify("node-1", 1, "health", "ok"))
}

func TestAgentEnvironment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.out")
	agent := writeAgent(t,
		`echo "$ATTRMESH_ALERT_NODE $ATTRMESH_ALERT_NODEID $ATTRMESH_ALERT_ATTRIBUTE_NAME=$ATTRMESH_ALERT_ATTRIBUTE_VALUE" > `+out)

	d := NewExecDispatcher([]Agent{{Path: agent}}, 5*time.Second)
	require.Equal(t, OutcomeAllSucceeded, d.Notify("node-1", 7, "fail-count-web", "3"))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "node-1 7 fail-count-web=3\n", string(data))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "all-succeeded", OutcomeAllSucceeded.String())
	assert.Equal(t, "some-failed", OutcomeSomeFailed.String())
	assert.Equal(t, "all-failed", OutcomeAllFailed.String())
	assert.Equal(t, "no-agents", OutcomeNoAgents.String())
}

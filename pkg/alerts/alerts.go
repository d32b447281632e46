package alerts

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/attrmesh/pkg/log"
)

// Outcome summarizes one alert dispatch across all configured recipients.
type Outcome int

const (
	// OutcomeNoAgents means nothing was configured to notify.
	OutcomeNoAgents Outcome = iota
	OutcomeAllSucceeded
	OutcomeSomeFailed
	OutcomeAllFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoAgents:
		return "no-agents"
	case OutcomeAllSucceeded:
		return "all-succeeded"
	case OutcomeSomeFailed:
		return "some-failed"
	case OutcomeAllFailed:
		return "all-failed"
	default:
		return "unknown"
	}
}

// Dispatcher is notified after every applied attribute change. The engine
// treats any outcome as non-fatal and never retries.
type Dispatcher interface {
	Notify(host string, nodeID uint32, name, value string) Outcome
}

// Agent is one alert recipient: an executable invoked with the attribute
// change described in its environment.
type Agent struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
}

// ExecDispatcher runs each configured agent with a bounded timeout.
type ExecDispatcher struct {
	agents  []Agent
	timeout time.Duration
	logger  zerolog.Logger
}

// NewExecDispatcher creates a dispatcher for the given agents. A zero
// timeout defaults to 30 seconds per agent.
func NewExecDispatcher(agents []Agent, timeout time.Duration) *ExecDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExecDispatcher{
		agents:  agents,
		timeout: timeout,
		logger:  log.WithComponent("alerts"),
	}
}

// Notify runs every agent and reports the aggregate outcome.
func (d *ExecDispatcher) Notify(host string, nodeID uint32, name, value string) Outcome {
	if len(d.agents) == 0 {
		return OutcomeNoAgents
	}

	failed := 0
	for _, agent := range d.agents {
		if err := d.runAgent(agent, host, nodeID, name, value); err != nil {
			d.logger.Warn().Err(err).
				Str("agent", agent.Path).
				Str("attribute", name).
				Msg("alert agent failed")
			failed++
		}
	}

	switch failed {
	case 0:
		return OutcomeAllSucceeded
	case len(d.agents):
		return OutcomeAllFailed
	default:
		return OutcomeSomeFailed
	}
}

func (d *ExecDispatcher) runAgent(agent Agent, host string, nodeID uint32, name, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, agent.Path, agent.Args...)
	cmd.Env = append(cmd.Environ(),
		"ATTRMESH_ALERT_KIND=attribute",
		"ATTRMESH_ALERT_NODE="+host,
		"ATTRMESH_ALERT_NODEID="+strconv.FormatUint(uint64(nodeID), 10),
		"ATTRMESH_ALERT_ATTRIBUTE_NAME="+name,
		"ATTRMESH_ALERT_ATTRIBUTE_VALUE="+value,
	)

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("agent timed out after %v", d.timeout)
	}
	if err != nil {
		return fmt.Errorf("agent failed: %w (output: %s)", err, output)
	}
	return nil
}

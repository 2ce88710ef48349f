package executor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/packet"
	"github.com/hupe1980/agentplan/plan"
)

// TaskStatus is the decided state of a task.
type TaskStatus string

// Task statuses.
const (
	StatusCompleted TaskStatus = "COMPLETED"
	StatusSkipped   TaskStatus = "SKIPPED"
	StatusFailed    TaskStatus = "FAILED"
)

// RunStatus is the state of a run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Metrics are cumulative run counters.
type Metrics struct {
	TasksCompleted  int `json:"tasksCompleted"`
	TasksSkipped    int `json:"tasksSkipped"`
	TasksFailed     int `json:"tasksFailed"`
	Retries         int `json:"retries"`
	Compensations   int `json:"compensations"`
	Deduplicated    int `json:"deduplicated"`
	ModelCalls      int `json:"modelCalls"`
	EstimatedTokens int `json:"estimatedTokens"`
	Checkpoints     int `json:"checkpoints"`
}

// State is the complete, checkpointed state of a run. It holds values
// only; live handles are rebuilt on resume.
type State struct {
	RunID   string         `json:"runId"`
	Status  RunStatus      `json:"status"`
	Goal    core.Goal      `json:"goal"`
	Context *packet.Packet `json:"context"`
	Plan    *plan.Plan     `json:"plan"`

	Outputs         map[string]any        `json:"outputs"`
	ExecutedTaskIDs []string              `json:"executedTaskIds"`
	TaskStatus      map[string]TaskStatus `json:"taskStatus"`
	IdemKeys        map[string]string     `json:"idemKeys"`
	PolicyResults   map[string]any        `json:"policyResults"`
	Attempts        map[string]int        `json:"attempts"`

	// Activated maps handler task ids to the failed task that routed to them.
	Activated map[string]string `json:"activated"`

	// Failure is set when the run halted.
	Failure *Failure `json:"failure,omitempty"`

	Ledger  []ledger.Entry `json:"ledger"`
	Metrics Metrics        `json:"metrics"`

	CheckpointSeq int64 `json:"checkpointSeq"`
}

// Failure records why a run halted.
type Failure struct {
	TaskID  string     `json:"taskId"`
	Class   ErrorClass `json:"class"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

func newState(runID string, goal core.Goal, pkt *packet.Packet, p *plan.Plan) *State {
	return &State{
		RunID:           runID,
		Status:          RunRunning,
		Goal:            goal,
		Context:         pkt,
		Plan:            p,
		Outputs:         map[string]any{},
		ExecutedTaskIDs: []string{},
		TaskStatus:      map[string]TaskStatus{},
		IdemKeys:        map[string]string{},
		PolicyResults:   map[string]any{},
		Attempts:        map[string]int{},
		Activated:       map[string]string{},
		Ledger:          []ledger.Entry{},
	}
}

// encode renders the state as canonical JSON.
func (s *State) encode() ([]byte, error) {
	b, err := util.CanonicalJSON(s)
	if err != nil {
		return nil, fmt.Errorf("encode run state: %w", err)
	}
	return b, nil
}

// LoadState verifies a checkpoint and decodes the run state it carries.
func LoadState(cp *core.Checkpoint) (*State, error) {
	if cp.Version != core.CheckpointVersion {
		return nil, fmt.Errorf("%w: %d (supported %d)", ErrCheckpointVersion, cp.Version, core.CheckpointVersion)
	}

	if err := cp.Verify(); err != nil {
		return nil, err
	}

	return decodeState(cp.State)
}

func decodeState(b []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: decode state: %v", core.ErrCheckpointCorrupt, err)
	}

	if s.RunID == "" || s.Plan == nil || s.Context == nil {
		return nil, fmt.Errorf("%w: incomplete state", core.ErrCheckpointCorrupt)
	}

	if s.Outputs == nil {
		s.Outputs = map[string]any{}
	}

	if s.TaskStatus == nil {
		s.TaskStatus = map[string]TaskStatus{}
	}

	if s.IdemKeys == nil {
		s.IdemKeys = map[string]string{}
	}

	if s.PolicyResults == nil {
		s.PolicyResults = map[string]any{}
	}

	if s.Attempts == nil {
		s.Attempts = map[string]int{}
	}

	if s.Activated == nil {
		s.Activated = map[string]string{}
	}

	if s.ExecutedTaskIDs == nil {
		s.ExecutedTaskIDs = []string{}
	}

	return &s, nil
}

func (s *State) decided(id string) bool {
	_, ok := s.TaskStatus[id]
	return ok
}

func (s *State) guardEnv() plan.GuardEnv {
	status := make(map[string]any, len(s.TaskStatus))
	for k, v := range s.TaskStatus {
		status[k] = string(v)
	}

	return plan.GuardEnv{
		Outputs: s.Outputs,
		Context: s.Context.Facts(),
		Policy:  s.PolicyResults,
		Status:  status,
	}
}

// Result is returned by Run and Resume.
type Result struct {
	RunID        string                `json:"runId"`
	Status       RunStatus             `json:"status"`
	Outputs      map[string]any        `json:"outputs"`
	TaskStatus   map[string]TaskStatus `json:"taskStatus"`
	Executed     []string              `json:"executedTaskIds"`
	Context      *packet.Packet        `json:"context"`
	Ledger       []ledger.Entry        `json:"ledger"`
	Metrics      Metrics               `json:"metrics"`
	Failure      *Failure              `json:"failure,omitempty"`
	CheckpointID string                `json:"checkpointId,omitempty"`
	Duration     time.Duration         `json:"duration"`
}

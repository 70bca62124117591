package pool

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"agentfleet/pkg/logx"
)

// Snapshot is one agent process as seen by a detector.
type Snapshot struct {
	AgentID      string   `yaml:"agent_id"`
	AgentType    string   `yaml:"agent_type"`
	PID          int      `yaml:"pid"`
	WorkingDir   string   `yaml:"working_dir"`
	Command      string   `yaml:"command"`
	TmuxSession  string   `yaml:"tmux_session"`
	Capabilities []string `yaml:"capabilities"`
	MaxCapacity  int      `yaml:"max_capacity"`
	AffinityTag  string   `yaml:"affinity_tag"`
	Priority     int      `yaml:"priority"`
}

// AgentDetector discovers running agent processes.
type AgentDetector interface {
	Detect(ctx context.Context) ([]Snapshot, error)
}

// FileDetector reads snapshots from a YAML file written by an external
// process scanner:
//
//	agents:
//	  - agent_id: coder-1
//	    agent_type: coder
//	    pid: 4242
//	    capabilities: [go, python]
type FileDetector struct {
	Path string
}

type snapshotFile struct {
	Agents []Snapshot `yaml:"agents"`
}

// Detect implements AgentDetector. A missing file means no agents.
func (d *FileDetector) Detect(_ context.Context) ([]Snapshot, error) {
	data, err := os.ReadFile(d.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	var f snapshotFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse snapshot file %s: %w", d.Path, err)
	}
	return f.Agents, nil
}

// SyncResult counts what a sync changed.
type SyncResult struct {
	Registered int
	Refreshed  int
	Failed     int
}

// Sync registers unknown (or deregistered) agents from snapshots and refreshes
// process info and heartbeat for known ones. Agents missing from the snapshot
// are left for MarkStale. A bad snapshot is logged and skipped.
func (p *Pool) Sync(ctx context.Context, snapshots []Snapshot) (SyncResult, error) {
	var res SyncResult
	for i := range snapshots {
		s := &snapshots[i]
		if s.AgentID == "" {
			res.Failed++
			continue
		}

		existing, err := p.Get(ctx, s.AgentID)
		switch {
		case errors.Is(err, ErrAgentNotFound):
			_, err = p.Register(ctx, RegisterRequest{
				AgentID:      s.AgentID,
				AgentType:    s.AgentType,
				MaxCapacity:  s.MaxCapacity,
				Capabilities: s.Capabilities,
				AffinityTag:  s.AffinityTag,
				Priority:     s.Priority,
				PID:          s.PID,
				WorkingDir:   s.WorkingDir,
				Command:      s.Command,
				TmuxSession:  s.TmuxSession,
			})
			if err != nil {
				p.logger.Warn("sync: register %s: %v", s.AgentID, err)
				res.Failed++
				continue
			}
			res.Registered++
		case err != nil:
			return res, err
		default:
			update := *existing
			update.PID = s.PID
			update.WorkingDir = s.WorkingDir
			update.Command = s.Command
			update.TmuxSession = s.TmuxSession
			if s.Capabilities != nil {
				update.Capabilities = s.Capabilities
			}
			if err := p.store.UpdateProcessInfo(ctx, &update, p.now().UTC()); err != nil {
				p.logger.Warn("sync: refresh %s: %v", s.AgentID, err)
				res.Failed++
				continue
			}
			res.Refreshed++
		}
	}
	logx.Debug(ctx, "pool", "sync: %d registered, %d refreshed, %d failed", res.Registered, res.Refreshed, res.Failed)
	return res, nil
}

// SyncFrom runs the detector and syncs its snapshots.
func (p *Pool) SyncFrom(ctx context.Context, d AgentDetector) (SyncResult, error) {
	snapshots, err := d.Detect(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	return p.Sync(ctx, snapshots)
}

var _ AgentDetector = (*FileDetector)(nil)

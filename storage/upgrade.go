package storage

import (
	"context"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/shardmap/proto"
)

// Version is the schema version of one store.
type Version struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

func (v Version) IsZero() bool { return v.Major == 0 && v.Minor == 0 }

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Store schema versions the client supports.
var (
	GlobalCurrentVersion = Version{Major: 1, Minor: 2}
	LocalCurrentVersion  = Version{Major: 1, Minor: 1}
)

// StepKind orders an upgrade step relative to the versioned middle steps.
type StepKind uint8

const (
	// StepInitial is always applied first.
	StepInitial StepKind = iota
	// StepVersioned is applied when current < step version <= target.
	StepVersioned
	// StepFinal is always applied last and records the target version.
	StepFinal
)

// Command is one named structural command inside an upgrade step. The
// store implementation interprets the names it understands.
type Command struct {
	Name string `json:"name"`
}

// UpgradeStep is one (version, command batch) element of the upgrade
// sequence.
type UpgradeStep struct {
	Kind     StepKind  `json:"kind"`
	Version  Version   `json:"version"`
	Commands []Command `json:"commands"`
}

// GlobalUpgradeSteps is the ordered upgrade sequence for the global store.
func GlobalUpgradeSteps() []UpgradeStep {
	return []UpgradeStep{
		{Kind: StepInitial, Commands: []Command{{Name: "ensure-columns"}}},
		{Kind: StepVersioned, Version: Version{1, 0}, Commands: []Command{{Name: "ensure-core-columns"}}},
		{Kind: StepVersioned, Version: Version{1, 1}, Commands: []Command{{Name: "ensure-operation-log"}}},
		{Kind: StepVersioned, Version: Version{1, 2}, Commands: []Command{{Name: "ensure-schema-infos"}}},
		{Kind: StepFinal, Version: GlobalCurrentVersion, Commands: []Command{{Name: "record-version"}}},
	}
}

// LocalUpgradeSteps is the ordered upgrade sequence for a local store.
func LocalUpgradeSteps() []UpgradeStep {
	return []UpgradeStep{
		{Kind: StepInitial, Commands: []Command{{Name: "ensure-columns"}}},
		{Kind: StepVersioned, Version: Version{1, 0}, Commands: []Command{{Name: "ensure-core-columns"}}},
		{Kind: StepVersioned, Version: Version{1, 1}, Commands: []Command{{Name: "ensure-local-mappings"}}},
		{Kind: StepFinal, Version: LocalCurrentVersion, Commands: []Command{{Name: "record-version"}}},
	}
}

// ApplyUpgrade brings one store from its recorded version up to target,
// applying the initial step, then every versioned step strictly above the
// recorded version up to target in increasing order, then the final step.
func ApplyUpgrade(ctx context.Context, conn Connection, target Version, steps []UpgradeStep) error {
	span := trace.SpanFromContextSafe(ctx)

	scope, err := conn.BeginScope(ctx, ReadWrite)
	if err != nil {
		return err
	}
	commit := false
	defer func() {
		_ = scope.Done(commit)
	}()

	res, err := scope.Execute(ctx, OpGetStoreVersion, &Request{})
	if err != nil {
		return err
	}
	current := res.StoreVersion

	var prev Version
	for _, step := range steps {
		switch step.Kind {
		case StepVersioned:
			if !prev.Less(step.Version) {
				return fmt.Errorf("upgrade steps out of order: %s after %s", step.Version, prev)
			}
			prev = step.Version
			if !current.Less(step.Version) || target.Less(step.Version) {
				continue
			}
		case StepFinal:
			step.Version = target
		}
		span.Debugf("applying upgrade step kind=%d version=%s", step.Kind, step.Version)
		stepCopy := step
		res, err = scope.Execute(ctx, OpApplyUpgradeStep, &Request{Step: &stepCopy})
		if err != nil {
			return err
		}
		if res.Code != proto.ResultSuccess {
			return fmt.Errorf("upgrade step %s failed with result %s", step.Version, res.Code)
		}
	}

	commit = true
	span.Infof("store upgraded from version %s to %s", current, target)
	return nil
}

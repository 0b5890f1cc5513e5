package events

import (
	"fmt"

	"github.com/loomworks/loom/pkg/metadata"
	"github.com/loomworks/loom/pkg/serdes"
)

// RegisterTypes registers the event envelope, every payload shape, and the
// metadata value shapes they embed. Adding a new event kind means adding a
// payload type and one line here; existing decode paths are untouched.
func RegisterTypes(r *serdes.Registry) error {
	if err := metadata.RegisterTypes(r); err != nil {
		return err
	}
	registrations := []struct {
		name      string
		prototype any
	}{
		{"Event", Event{}},
		{"Materialization", Materialization{}},
		{"Observation", Observation{}},
		{"ExpectationResult", ExpectationResult{}},
		{"StepSuccess", StepSuccess{}},
		{"StepFailure", StepFailure{Kind: FailureKindUser}},
		{"StepRetryRequested", StepRetryRequested{}},
		{"StepUpForRetry", StepUpForRetry{}},
		{"EngineEvent", EngineEvent{}},
	}
	for _, reg := range registrations {
		if err := r.Register(reg.name, reg.prototype); err != nil {
			return fmt.Errorf("events: register %s: %w", reg.name, err)
		}
	}
	return nil
}

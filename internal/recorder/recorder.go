// Package recorder collects the execution records and step outcomes a
// pipeline run emits. The engine only ever writes to a Recorder; sinks decide
// where the data ends up.
package recorder

import (
	"errors"
	"io"
	"sync"

	"github.com/lucasnoah/perfx/internal/pipeline"
)

// Recorder receives one record per invoked command and one outcome per
// terminal step.
type Recorder interface {
	AddCommand(rec pipeline.ExecutionRecord)
	AddStepResult(step string, outcome pipeline.StepOutcome)
}

// StepEntry pairs a step name with its recorded outcome.
type StepEntry struct {
	Step    string
	Outcome pipeline.StepOutcome
}

// Memory keeps everything in process. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	commands []pipeline.ExecutionRecord
	steps    []StepEntry
}

// NewMemory returns an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) AddCommand(rec pipeline.ExecutionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, rec)
}

func (m *Memory) AddStepResult(step string, outcome pipeline.StepOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, StepEntry{Step: step, Outcome: outcome})
}

// Commands returns a copy of the recorded execution records in order.
func (m *Memory) Commands() []pipeline.ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.ExecutionRecord(nil), m.commands...)
}

// Steps returns a copy of the recorded step outcomes in order.
func (m *Memory) Steps() []StepEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StepEntry(nil), m.steps...)
}

// Outcome returns the last outcome recorded for step.
func (m *Memory) Outcome(step string) (pipeline.StepOutcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.steps) - 1; i >= 0; i-- {
		if m.steps[i].Step == step {
			return m.steps[i].Outcome, true
		}
	}
	return pipeline.StepOutcome{}, false
}

// Multi fans every call out to each of its recorders in order.
type Multi []Recorder

func (m Multi) AddCommand(rec pipeline.ExecutionRecord) {
	for _, r := range m {
		r.AddCommand(rec)
	}
}

func (m Multi) AddStepResult(step string, outcome pipeline.StepOutcome) {
	for _, r := range m {
		r.AddStepResult(step, outcome)
	}
}

// Close closes every member that implements io.Closer and joins the errors.
func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if c, ok := r.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

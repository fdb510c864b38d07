package config

import (
	"encoding/json"
	"fmt"
)

// AdapterSettings is the client-sent settings overlay carried inside
// launch configurations and display-settings requests. Nil fields leave
// the current value unchanged.
type AdapterSettings struct {
	Expressions                *string `json:"expressions,omitempty"`
	ShowDisassembly            *string `json:"showDisassembly,omitempty"`
	DisplayFormat              *string `json:"displayFormat,omitempty"`
	DereferencePointers        *bool   `json:"dereferencePointers,omitempty"`
	SuppressMissingSourceFiles *bool   `json:"suppressMissingSourceFiles,omitempty"`
	EvaluateForHovers          *bool   `json:"evaluateForHovers,omitempty"`
	CommandCompletions         *bool   `json:"commandCompletions,omitempty"`
	ConsoleMode                *string `json:"consoleMode,omitempty"`
}

// ParseAdapterSettings decodes a settings overlay object.
func ParseAdapterSettings(raw json.RawMessage) (AdapterSettings, error) {
	var a AdapterSettings
	if len(raw) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, fmt.Errorf("parse adapter settings: %w", err)
	}
	return a, nil
}

// Apply merges the overlay onto the settings. Settings are unchanged
// when the merged result fails validation.
func (s *Settings) Apply(a AdapterSettings) error {
	merged := *s
	if a.Expressions != nil {
		merged.Expressions = *a.Expressions
	}
	if a.ShowDisassembly != nil {
		merged.ShowDisassembly = *a.ShowDisassembly
	}
	if a.DisplayFormat != nil {
		merged.DisplayFormat = *a.DisplayFormat
	}
	if a.DereferencePointers != nil {
		merged.DereferencePointers = *a.DereferencePointers
	}
	if a.SuppressMissingSourceFiles != nil {
		merged.SuppressMissingSources = *a.SuppressMissingSourceFiles
	}
	if a.EvaluateForHovers != nil {
		merged.EvaluateForHovers = *a.EvaluateForHovers
	}
	if a.CommandCompletions != nil {
		merged.CommandCompletions = *a.CommandCompletions
	}
	if a.ConsoleMode != nil {
		merged.ConsoleMode = *a.ConsoleMode
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	*s = merged
	return nil
}

package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Model is a registered model backed by a packaged runtime artifact
type Model struct {
	ID         string
	Name       string
	ModulePath string // Empty until the artifact upload completes
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ArgType tags the variant held by an InputArg
type ArgType string

const (
	ArgTypeText ArgType = "text"
	ArgTypeFile ArgType = "file"
)

// InputArg is one ordered argument of a job
type InputArg struct {
	JobID string
	Index int
	Type  ArgType
	Value string // Literal text or an object storage path
}

// ValidateInputArgs checks the argument tags and that indices run 0..n-1 without gaps or duplicates.
// The slice is sorted by index in place.
func ValidateInputArgs(args []InputArg) error {
	sort.SliceStable(args, func(i, j int) bool { return args[i].Index < args[j].Index })

	for i, arg := range args {
		if arg.Type != ArgTypeText && arg.Type != ArgTypeFile {
			return fmt.Errorf("argument %d: unknown type %q", arg.Index, arg.Type)
		}
		if arg.Type == ArgTypeFile && arg.Value == "" {
			return fmt.Errorf("argument %d: file argument needs a storage path", arg.Index)
		}
		if arg.Index != i {
			if i > 0 && args[i-1].Index == arg.Index {
				return fmt.Errorf("duplicate argument index %d", arg.Index)
			}
			return fmt.Errorf("argument indices must be contiguous from 0, missing %d", i)
		}
	}
	return nil
}

// ParseProgress parses a "status:current:total" shim line
func ParseProgress(line string) (ProgressSnapshot, error) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	if len(parts) != 3 {
		return ProgressSnapshot{}, fmt.Errorf("malformed progress line %q", line)
	}

	current, err := strconv.Atoi(parts[1])
	if err != nil {
		return ProgressSnapshot{}, fmt.Errorf("malformed progress count %q: %w", parts[1], err)
	}
	total, err := strconv.Atoi(parts[2])
	if err != nil {
		return ProgressSnapshot{}, fmt.Errorf("malformed progress total %q: %w", parts[2], err)
	}

	return ProgressSnapshot{Label: parts[0], Current: current, Total: total}, nil
}

package spec

import (
	"fmt"
	"strings"

	"ai-serving/core/models"

	"gopkg.in/yaml.v3"
)

// JobSpec represents the YAML job specification
type JobSpec struct {
	Job JobSpecJob `yaml:"job"`
}

// JobSpecJob represents the job section of the spec
type JobSpecJob struct {
	Model string       `yaml:"model"` // Model ID
	Args  []JobSpecArg `yaml:"args"`
}

// JobSpecArg is one argument. Exactly one of Text and File is set.
// Index defaults to the argument's position in the list.
type JobSpecArg struct {
	Index *int    `yaml:"index,omitempty"`
	Text  *string `yaml:"text,omitempty"`
	File  *string `yaml:"file,omitempty"` // Object storage path, usually from an upload
}

// ParseJobSpec parses a YAML job specification into a pending job and its arguments
func ParseJobSpec(specYAML string) (*models.Job, []models.InputArg, error) {
	var spec JobSpec
	if err := yaml.Unmarshal([]byte(specYAML), &spec); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	modelID := strings.TrimSpace(spec.Job.Model)
	if modelID == "" {
		return nil, nil, fmt.Errorf("job.model is required")
	}

	job := &models.Job{
		ModelID: modelID,
		Status:  models.JobStatusPending,
	}

	args := make([]models.InputArg, 0, len(spec.Job.Args))
	for i, a := range spec.Job.Args {
		arg, err := parseArg(i, a)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, arg)
	}

	if err := models.ValidateInputArgs(args); err != nil {
		return nil, nil, err
	}

	return job, args, nil
}

func parseArg(position int, a JobSpecArg) (models.InputArg, error) {
	arg := models.InputArg{Index: position}
	if a.Index != nil {
		arg.Index = *a.Index
	}

	switch {
	case a.Text != nil && a.File != nil:
		return arg, fmt.Errorf("argument %d: text and file are exclusive", position)
	case a.Text != nil:
		arg.Type = models.ArgTypeText
		arg.Value = *a.Text
	case a.File != nil:
		if *a.File == "" {
			return arg, fmt.Errorf("argument %d: empty file path", position)
		}
		arg.Type = models.ArgTypeFile
		arg.Value = *a.File
	default:
		return arg, fmt.Errorf("argument %d: one of text or file is required", position)
	}
	return arg, nil
}

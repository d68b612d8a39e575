package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"afo-engine/internal/domain"
)

// maxDefinitionFileSize caps a single YAML definition (1 MiB).
const maxDefinitionFileSize = 1 << 20

// DefinitionFile is the on-disk YAML form of a workflow. ID is optional;
// when set it is kept so reloading the same directory is idempotent.
type DefinitionFile struct {
	ID                  string `yaml:"id,omitempty"`
	CreateWorkflowInput `yaml:",inline"`
}

// Definition converts the file into a definition suitable for validation.
func (f DefinitionFile) Definition() domain.WorkflowDefinition {
	def := domain.WorkflowDefinition{
		ID:          f.ID,
		AgentID:     f.AgentID,
		Name:        f.Name,
		Description: f.Description,
		Trigger:     f.Trigger,
		Nodes:       domain.CloneNodes(f.Nodes),
		IsActive:    f.IsActive == nil || *f.IsActive,
	}
	if def.Nodes == nil {
		def.Nodes = []domain.Node{}
	}
	return def
}

// ParseDefinition decodes one YAML workflow document. Unknown keys are rejected.
func ParseDefinition(data []byte) (DefinitionFile, error) {
	var f DefinitionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return DefinitionFile{}, fmt.Errorf("parse workflow yaml: %w", err)
	}
	return f, nil
}

// LoadDefinitionFile reads and parses a single YAML definition.
func LoadDefinitionFile(path string) (DefinitionFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("stat workflow file %s: %w", path, err)
	}
	if info.Size() > maxDefinitionFileSize {
		return DefinitionFile{}, fmt.Errorf("workflow file %s too large (%d bytes, max %d)", path, info.Size(), maxDefinitionFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("read workflow file %s: %w", path, err)
	}
	f, err := ParseDefinition(data)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// LoadDefinitionDir parses every *.yaml / *.yml file in dir, in name order.
func LoadDefinitionDir(dir string) ([]DefinitionFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]DefinitionFile, 0, len(names))
	seen := make(map[string]string)
	for _, name := range names {
		path := filepath.Join(dir, name)
		f, err := LoadDefinitionFile(path)
		if err != nil {
			return nil, err
		}
		if f.ID != "" {
			if prev, dup := seen[f.ID]; dup {
				return nil, fmt.Errorf("duplicate workflow id %q in %s and %s", f.ID, prev, path)
			}
			seen[f.ID] = path
		}
		out = append(out, f)
	}
	return out, nil
}

// SeedWorkflows stores file definitions that are not already registered.
// It returns how many were created.
func (s *Service) SeedWorkflows(ctx context.Context, files []DefinitionFile) (int, error) {
	created := 0
	for _, f := range files {
		if f.ID == "" {
			if _, err := s.CreateWorkflow(ctx, f.CreateWorkflowInput); err != nil {
				return created, err
			}
			created++
			continue
		}

		if strings.TrimSpace(f.AgentID) == "" || strings.TrimSpace(f.Name) == "" {
			return created, domain.NewSubSystemError("workflow", "Service.SeedWorkflows", domain.ErrInvalidInput,
				fmt.Sprintf("workflow %q needs agent_id and name", f.ID))
		}
		def := f.Definition()
		now := time.Now().UTC()
		def.CreatedAt, def.UpdatedAt = now, now
		err := s.workflows.CreateWorkflow(ctx, def)
		if errors.Is(err, domain.ErrDuplicate) {
			s.logger.Debug("workflow already registered", "workflow_id", f.ID)
			continue
		}
		if err != nil {
			return created, domain.WrapOp("Service.SeedWorkflows", err)
		}
		created++
		s.emit(ctx, domain.EventWorkflowCreated, def.ID, map[string]string{"agent_id": def.AgentID, "name": def.Name})
	}
	if created > 0 {
		s.logger.Info("workflows seeded", "count", created)
	}
	return created, nil
}

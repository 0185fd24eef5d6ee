// Package skills loads file-based skill packs: directories holding a
// SKILL.md with YAML frontmatter and a markdown instruction body. Packs
// sit alongside user-authored skills in the database and are resolved
// by name when an agent asks for skill instructions.
package skills

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Skill is one loaded skill pack.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Version     string   `yaml:"version"`
	Triggers    []string `yaml:"triggers,omitempty"`
	Tools       []string `yaml:"tools,omitempty"`
	Priority    int      `yaml:"priority,omitempty"`

	// Instructions is the markdown body below the frontmatter. It is what
	// gets injected into an agent's context when the skill is requested.
	Instructions string `yaml:"-"`

	// FilePath is where the pack was loaded from, used to evict the entry
	// when the file is removed or renamed.
	FilePath string `yaml:"-"`
}

// Validate checks the fields every pack must carry.
func (s *Skill) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("skill description is required")
	}
	return nil
}

// ParseSkillMD parses SKILL.md content: YAML frontmatter between ---
// fences, then the markdown instruction body.
func ParseSkillMD(content []byte) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}

	skill.Instructions = string(bytes.TrimSpace(body))

	if err := skill.Validate(); err != nil {
		return nil, err
	}

	return &skill, nil
}

func splitFrontmatter(content []byte) (frontmatter, body []byte, err error) {
	content = bytes.TrimLeft(content, "\r\n\t ")

	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, nil, fmt.Errorf("missing frontmatter delimiter")
	}

	rest := content[3:]
	rest = bytes.TrimPrefix(rest, []byte("\r"))
	if !bytes.HasPrefix(rest, []byte("\n")) {
		return nil, nil, fmt.Errorf("malformed frontmatter delimiter")
	}
	rest = rest[1:]

	end := bytes.Index(rest, []byte("\n---"))
	if end == -1 {
		return nil, nil, fmt.Errorf("unterminated frontmatter")
	}

	frontmatter = rest[:end]
	body = rest[end+4:]
	body = bytes.TrimPrefix(body, []byte("\r"))
	body = bytes.TrimPrefix(body, []byte("\n"))

	return frontmatter, body, nil
}

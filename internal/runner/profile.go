package runner

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile describes how to invoke one agent CLI. Command is a shell template
// expanded with {prompt_file} and {session_id}; ResumeArgs is appended with
// {agent_session_id} expanded when the session already has a captured agent
// session, so follow-up prompts continue the same conversation.
type Profile struct {
	Name       string            `yaml:"name"`
	Command    string            `yaml:"command"`
	ResumeArgs string            `yaml:"resumeArgs"`
	Env        map[string]string `yaml:"env"`
}

// BuildCommand expands the profile template into the shell command for one
// invocation.
func (p Profile) BuildCommand(promptFile, sessionID, agentSessionID string) string {
	command := p.Command
	if agentSessionID != "" && p.ResumeArgs != "" {
		command = command + " " + p.ResumeArgs
	}
	r := strings.NewReplacer(
		"{prompt_file}", promptFile,
		"{session_id}", sessionID,
		"{agent_session_id}", agentSessionID,
	)
	return r.Replace(command)
}

// builtinProfiles are always available. A profiles file may override them by
// name.
func builtinProfiles() []Profile {
	return []Profile{
		{
			Name:       "claude",
			Command:    "claude -p --output-format stream-json --verbose --dangerously-skip-permissions < {prompt_file}",
			ResumeArgs: "--resume {agent_session_id}",
		},
		{
			Name:       "mock",
			Command:    "sessiond-mock-agent --prompt-file {prompt_file} --session-id {session_id}",
			ResumeArgs: "--resume {agent_session_id}",
		},
	}
}

type profilesFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// ProfileSet resolves profile names to definitions.
type ProfileSet struct {
	profiles    map[string]Profile
	defaultName string
}

// LoadProfiles builds the profile set from the built-ins plus an optional
// YAML file. File entries override built-ins with the same name. defaultName
// selects the profile used when a request does not name one.
func LoadProfiles(path, defaultName string) (*ProfileSet, error) {
	profiles := make(map[string]Profile)
	for _, p := range builtinProfiles() {
		profiles[p.Name] = p
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read profiles file %s: %w", path, err)
		}
		var file profilesFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse profiles file %s: %w", path, err)
		}
		for _, p := range file.Profiles {
			if p.Name == "" {
				return nil, fmt.Errorf("profile without a name in %s", path)
			}
			if p.Command == "" {
				return nil, fmt.Errorf("profile %s has no command", p.Name)
			}
			profiles[p.Name] = p
		}
	}

	if defaultName == "" {
		defaultName = "claude"
	}
	if _, ok := profiles[defaultName]; !ok {
		return nil, fmt.Errorf("default agent profile %s is not defined", defaultName)
	}
	return &ProfileSet{profiles: profiles, defaultName: defaultName}, nil
}

// Get returns the named profile, or the default when name is empty.
func (s *ProfileSet) Get(name string) (Profile, error) {
	if name == "" {
		name = s.defaultName
	}
	p, ok := s.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown agent profile %q", name)
	}
	return p, nil
}

package compose

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrConfigNotFound is returned when the compose file does not exist.
	ErrConfigNotFound = errors.New("compose config not found")
	// ErrConfigMalformed is returned when the compose file cannot be
	// interpreted as a service-definition document.
	ErrConfigMalformed = errors.New("compose config malformed")
)

// yamlIndent matches the two-space style compose files are written in.
const yamlIndent = 2

// Patch describes the mutation applied to a service definition: one
// environment key set unconditionally and one bind mount appended if absent.
type Patch struct {
	// Service is the service whose definition is patched.
	Service string
	// EnvKey and EnvValue are written into the service environment,
	// last-writer-wins.
	EnvKey   string
	EnvValue string
	// MountEntry is appended to the volume list unless an identical entry
	// already exists.
	MountEntry string
}

// Apply patches the document at path in place. The operation converges:
// applying the same patch twice leaves the file byte-for-byte unchanged
// after the first application. The write is temp-then-rename so a crash
// cannot corrupt the config.
func Apply(path string, p Patch) error {
	data, mode, err := readDocument(path)
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err = yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigMalformed, err)
	}

	root := documentRoot(&doc)
	if root == nil {
		return fmt.Errorf("%w: not a mapping document", ErrConfigMalformed)
	}

	services := mapValue(root, "services")
	if services == nil || services.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: no services mapping", ErrConfigMalformed)
	}

	service := mapValue(services, p.Service)
	if service == nil || service.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: service %q is not defined", ErrConfigMalformed, p.Service)
	}

	if err = setEnvironment(service, p.EnvKey, p.EnvValue); err != nil {
		return err
	}

	if err = appendMount(service, p.MountEntry); err != nil {
		return err
	}

	return writeDocument(path, &doc, mode)
}

// readDocument loads the file and reports its mode for the rewrite.
func readDocument(path string) ([]byte, os.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}

		return nil, 0, fmt.Errorf("stat compose config: %w", err)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, 0, fmt.Errorf("read compose config: %w", err)
	}

	return data, info.Mode().Perm(), nil
}

// writeDocument marshals the tree and replaces the file atomically,
// preserving its permissions.
func writeDocument(path string, doc *yaml.Node, mode os.FileMode) error {
	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(yamlIndent)

	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode compose config: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode compose config: %w", err)
	}

	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".compose-patch-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}

	tmpName := tmp.Name()

	if _, err = tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("write temp config: %w", err)
	}

	if err = tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("chmod temp config: %w", err)
	}

	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}

	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace compose config: %w", err)
	}

	return nil
}

// setEnvironment writes key into the service environment. Compose allows the
// environment to be either a mapping or a KEY=VALUE sequence; both converge
// under repeated application.
func setEnvironment(service *yaml.Node, key, value string) error {
	env := mapValue(service, "environment")
	if env == nil {
		env = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		appendMapEntry(service, "environment", env)
	}

	switch env.Kind {
	case yaml.MappingNode:
		if existing := mapValue(env, key); existing != nil {
			existing.SetString(value)
			return nil
		}

		appendMapEntry(env, key, scalar(value))

		return nil
	case yaml.SequenceNode:
		entry := key + "=" + value
		for _, item := range env.Content {
			if strings.HasPrefix(item.Value, key+"=") || item.Value == key {
				item.SetString(entry)
				return nil
			}
		}

		env.Content = append(env.Content, scalar(entry))

		return nil
	default:
		return fmt.Errorf("%w: environment is neither mapping nor sequence", ErrConfigMalformed)
	}
}

// appendMount ensures the volume list exists and appends the entry when no
// existing element equals it exactly.
func appendMount(service *yaml.Node, entry string) error {
	volumes := mapValue(service, "volumes")
	if volumes == nil {
		volumes = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		appendMapEntry(service, "volumes", volumes)
	}

	if volumes.Kind != yaml.SequenceNode {
		return fmt.Errorf("%w: volumes is not a sequence", ErrConfigMalformed)
	}

	for _, item := range volumes.Content {
		if item.Value == entry {
			return nil
		}
	}

	volumes.Content = append(volumes.Content, scalar(entry))

	return nil
}

// documentRoot unwraps the document node down to its top-level mapping.
func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}

	return root
}

// mapValue returns the value node for key in a mapping, or nil.
func mapValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}

	return nil
}

// appendMapEntry adds a key/value pair to a mapping node.
func appendMapEntry(mapping *yaml.Node, key string, value *yaml.Node) {
	mapping.Content = append(mapping.Content, scalar(key), value)
}

// scalar builds a plain string scalar node.
func scalar(value string) *yaml.Node {
	n := &yaml.Node{}
	n.SetString(value)

	return n
}

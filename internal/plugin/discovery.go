package plugin

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const (
	supportedProtocol = 1
	manifestFilename  = "manifest.yaml"
)

// Discover walks each plugin root for manifest.yaml files. Roots are
// searched in the order given and the first plugin to claim a name wins.
// A plugin that fails to load is reported through logger and skipped.
func Discover(pluginRoots []string, logger func(level, msg string, args ...any)) ([]*Plugin, error) {
	if logger == nil {
		logger = func(string, string, ...any) {}
	}
	roots, err := resolveRoots(pluginRoots)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*Plugin)
	for _, root := range roots {
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}
			dir := filepath.Dir(path)
			p, err := loadPlugin(dir, root)
			if err != nil {
				logger("warn", "plugin skipped", "path", dir, "error", err.Error())
				return nil
			}
			if kept, dup := byName[p.Name]; dup {
				logger("warn", "plugin name already taken", "plugin", p.Name, "skipped", p.Path, "kept", kept.Path)
				return nil
			}
			byName[p.Name] = p
			logger("info", "plugin discovered", "plugin", p.Name, "version", p.Version, "path", p.Path)
			return nil
		})
		if walkErr != nil {
			return nil, fmt.Errorf("scan %s: %w", root, walkErr)
		}
	}

	found := make([]*Plugin, 0, len(byName))
	for _, p := range byName {
		found = append(found, p)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

// resolveRoots makes roots absolute, drops blanks and repeats, and requires
// each one to be an existing directory.
func resolveRoots(in []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, root := range in {
		if root = strings.TrimSpace(root); root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("plugin root %q: %w", root, err)
		}
		if seen[abs] {
			continue
		}
		info, err := os.Stat(abs)
		switch {
		case err != nil:
			return nil, fmt.Errorf("plugin root %s: %w", abs, err)
		case !info.IsDir():
			return nil, fmt.Errorf("plugin root %s is not a directory", abs)
		}
		seen[abs] = true
		out = append(out, abs)
	}
	if len(out) == 0 {
		return nil, errors.New("no plugin roots given")
	}
	return out, nil
}

// LoadManifest parses and validates a manifest document.
func LoadManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: parse YAML: %v", ErrInvalidManifest, err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return &m, nil
}

// loadPlugin reads, validates and hashes a single plugin directory.
func loadPlugin(pluginPath, root string) (*Plugin, error) {
	data, err := os.ReadFile(filepath.Join(pluginPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := LoadManifest(data)
	if err != nil {
		return nil, err
	}

	entrypointPath := filepath.Join(pluginPath, m.Entrypoint)
	if err := validateTrust(entrypointPath, pluginPath, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	schema, err := m.schemaJSON()
	if err != nil {
		return nil, err
	}
	if schema != nil {
		if _, err := CompileSchema(schema); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	}

	hash, err := HashFile(entrypointPath)
	if err != nil {
		return nil, err
	}

	return &Plugin{
		Name:         m.Name,
		Path:         pluginPath,
		Entrypoint:   entrypointPath,
		Protocol:     m.Protocol,
		Version:      m.Version,
		Description:  m.Description,
		Timeout:      m.Timeout,
		OutputSchema: schema,
		ContentHash:  hash,
	}, nil
}

func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(m.Name, "/\\ ") {
		return fmt.Errorf("name %q contains path separators or spaces", m.Name)
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("version is required")
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Protocol != supportedProtocol {
		return fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, supportedProtocol)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// CompileSchema compiles a JSON Schema document.
func CompileSchema(schema []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output_schema.json", bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add output_schema: %w", err)
	}
	s, err := compiler.Compile("output_schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile output_schema: %w", err)
	}
	return s, nil
}

// HashFile returns the hex BLAKE3 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyHash checks that the file at path still hashes to want.
func VerifyHash(path, want string) error {
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", filepath.Base(path), want, got)
	}
	return nil
}

// validateTrust refuses an entrypoint that resolves outside its plugin
// directory or the root, is not executable, or sits in a world-writable
// directory.
func validateTrust(entrypoint, dir, root string) error {
	var resolved [3]string
	for i, p := range []string{entrypoint, dir, root} {
		r, err := filepath.EvalSymlinks(p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		resolved[i] = r
	}
	entry, pluginDir, rootDir := resolved[0], resolved[1], resolved[2]

	if !within(entry, rootDir) || !within(entry, pluginDir) {
		return fmt.Errorf("entrypoint %s escapes %s", entry, pluginDir)
	}

	info, err := os.Stat(entry)
	if err != nil {
		return err
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("entrypoint %s is not executable", entry)
	}
	dirInfo, err := os.Stat(pluginDir)
	if err != nil {
		return err
	}
	if dirInfo.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("plugin directory %s is world-writable", pluginDir)
	}
	return nil
}

// within reports whether path lies strictly below dir.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

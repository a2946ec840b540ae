// Package catalogue is the read-mostly registry mapping a language id to
// the image, launch command, and feature flags a Sandbox needs to run it.
// Adding a language is a catalogue-only change; no other package encodes
// per-language behaviour.
package catalogue

import (
	"strings"

	"apex-orchestrator/internal/apexerr"
)

// ExtraMount describes a named cache or scratch directory for a language.
// The orchestrator does not pass these to sandbox.Spec, so runs do not mount
// them and their Env is not applied.
type ExtraMount struct {
	Name          string
	ContainerPath string
	Env           map[string]string
}

// Entry is one catalogue record.
type Entry struct {
	Language        string
	ImageRef        string
	DefaultFileName string
	FileExtensions  []string
	BuildCommand    []string
	RunCommand      []string
	AllowNetwork    bool
	ExtraMounts     []ExtraMount
	Env             map[string]string

	CPUCores       float64
	MemoryBytes    int64
	PidsLimit      int64
	TimeoutSeconds int
	MaxOutputBytes int64
}

// Catalogue is a read-mostly language registry. Get and Languages only read
// the map; Register writes it without a lock, so Register is not safe to
// call concurrently with any other method.
type Catalogue struct {
	entries map[string]Entry
}

// New builds a catalogue seeded with the default entries.
func New() *Catalogue {
	c := &Catalogue{entries: map[string]Entry{}}
	for _, e := range defaultEntries() {
		c.entries[normalize(e.Language)] = e
	}
	return c
}

// Get resolves a language id to its entry. Unknown ids fail with
// apexerr.UnsupportedLanguage.
func (c *Catalogue) Get(language string) (Entry, error) {
	e, ok := c.entries[normalize(language)]
	if !ok {
		return Entry{}, apexerr.New(apexerr.UnsupportedLanguage, "unsupported language: "+language)
	}
	return e, nil
}

// Register adds or replaces an entry. Intended for tests and operators
// extending the catalogue without touching any other component.
func (c *Catalogue) Register(e Entry) {
	c.entries[normalize(e.Language)] = e
}

// Languages returns the set of known language ids in no particular order.
func (c *Catalogue) Languages() []string {
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

// RenderCommand substitutes {{file}} and {{scratch}} in a command template.
func RenderCommand(cmd []string, file, scratch string) []string {
	out := make([]string, 0, len(cmd))
	for _, part := range cmd {
		part = strings.ReplaceAll(part, "{{file}}", file)
		part = strings.ReplaceAll(part, "{{scratch}}", scratch)
		out = append(out, part)
	}
	return out
}

func normalize(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	switch lang {
	case "js", "node", "nodejs":
		return "javascript"
	case "ts":
		return "typescript"
	case "py", "python3":
		return "python"
	case "golang":
		return "go"
	case "c++":
		return "cpp"
	case "rb":
		return "ruby"
	default:
		return lang
	}
}

func defaultEntries() []Entry {
	return []Entry{
		{
			Language:        "python",
			ImageRef:        "python:3.12-slim-bookworm",
			DefaultFileName: "main.py",
			FileExtensions:  []string{".py"},
			RunCommand:      []string{"python3", "-u", "{{file}}"},
			Env: map[string]string{
				"PYTHONDONTWRITEBYTECODE":       "1",
				"PYTHONUNBUFFERED":              "1",
				"PIP_DISABLE_PIP_VERSION_CHECK": "1",
			},
			ExtraMounts:    []ExtraMount{{Name: "pip", ContainerPath: "/cache/pip", Env: map[string]string{"PIP_CACHE_DIR": "/cache/pip"}}},
			CPUCores:       0.5,
			MemoryBytes:    256 * 1024 * 1024,
			PidsLimit:      64,
			TimeoutSeconds: 30,
			MaxOutputBytes: 1 << 20,
		},
		{
			Language:        "javascript",
			ImageRef:        "node:20-slim",
			DefaultFileName: "main.js",
			FileExtensions:  []string{".js", ".mjs"},
			RunCommand:      []string{"node", "{{file}}"},
			Env:             map[string]string{"NODE_ENV": "production"},
			ExtraMounts:     []ExtraMount{{Name: "npm", ContainerPath: "/cache/npm", Env: map[string]string{"NPM_CONFIG_CACHE": "/cache/npm"}}},
			CPUCores:        0.75,
			MemoryBytes:     256 * 1024 * 1024,
			PidsLimit:       96,
			TimeoutSeconds:  30,
			MaxOutputBytes:  1 << 20,
		},
		{
			Language:        "typescript",
			ImageRef:        "node:20-slim",
			DefaultFileName: "main.ts",
			FileExtensions:  []string{".ts"},
			RunCommand:      []string{"sh", "-lc", "npm --yes --cache /cache/npm exec tsx {{file}}"},
			Env:             map[string]string{"NODE_ENV": "production"},
			ExtraMounts:     []ExtraMount{{Name: "npm", ContainerPath: "/cache/npm", Env: map[string]string{"NPM_CONFIG_CACHE": "/cache/npm"}}},
			CPUCores:        1.0,
			MemoryBytes:     512 * 1024 * 1024,
			PidsLimit:       128,
			TimeoutSeconds:  45,
			MaxOutputBytes:  1 << 20,
		},
		{
			Language:        "go",
			ImageRef:        "golang:1.22-bookworm",
			DefaultFileName: "main.go",
			FileExtensions:  []string{".go"},
			RunCommand:      []string{"sh", "-lc", "go run {{file}}"},
			Env:             map[string]string{"CGO_ENABLED": "0"},
			ExtraMounts: []ExtraMount{
				{Name: "go-build", ContainerPath: "/cache/go-build", Env: map[string]string{"GOCACHE": "/cache/go-build"}},
				{Name: "go-mod", ContainerPath: "/cache/go-mod", Env: map[string]string{"GOMODCACHE": "/cache/go-mod"}},
			},
			CPUCores:       1.5,
			MemoryBytes:    768 * 1024 * 1024,
			PidsLimit:      192,
			TimeoutSeconds: 60,
			MaxOutputBytes: 1 << 20,
		},
		{
			Language:        "rust",
			ImageRef:        "rust:1.75-slim-bookworm",
			DefaultFileName: "main.rs",
			FileExtensions:  []string{".rs"},
			RunCommand:      []string{"sh", "-lc", "rustc {{file}} -O -o {{scratch}}/main && {{scratch}}/main"},
			ExtraMounts: []ExtraMount{
				{Name: "cargo-home", ContainerPath: "/cache/cargo-home", Env: map[string]string{"CARGO_HOME": "/cache/cargo-home"}},
				{Name: "cargo-target", ContainerPath: "/cache/cargo-target", Env: map[string]string{"CARGO_TARGET_DIR": "/cache/cargo-target"}},
			},
			CPUCores:       2.0,
			MemoryBytes:    1024 * 1024 * 1024,
			PidsLimit:      256,
			TimeoutSeconds: 90,
			MaxOutputBytes: 1 << 20,
		},
		{
			Language:        "java",
			ImageRef:        "eclipse-temurin:21-jdk-jammy",
			DefaultFileName: "Main.java",
			FileExtensions:  []string{".java"},
			RunCommand:      []string{"sh", "-lc", "javac {{file}} && java ${APEX_JAVA_CLASS:-Main}"},
			ExtraMounts:     []ExtraMount{{Name: "m2", ContainerPath: "/cache/m2", Env: map[string]string{"MAVEN_CONFIG": "/cache/m2"}}},
			CPUCores:        1.5,
			MemoryBytes:     1024 * 1024 * 1024,
			PidsLimit:       256,
			TimeoutSeconds:  90,
			MaxOutputBytes:  1 << 20,
		},
		{
			Language:        "c",
			ImageRef:        "gcc:13-bookworm",
			DefaultFileName: "main.c",
			FileExtensions:  []string{".c"},
			RunCommand:      []string{"sh", "-lc", "gcc -O2 {{file}} -o {{scratch}}/main -lm && {{scratch}}/main"},
			CPUCores:        1.0,
			MemoryBytes:     384 * 1024 * 1024,
			PidsLimit:       128,
			TimeoutSeconds:  45,
			MaxOutputBytes:  1 << 20,
		},
		{
			Language:        "cpp",
			ImageRef:        "gcc:13-bookworm",
			DefaultFileName: "main.cpp",
			FileExtensions:  []string{".cpp", ".cc"},
			RunCommand:      []string{"sh", "-lc", "g++ -O2 -std=c++17 {{file}} -o {{scratch}}/main && {{scratch}}/main"},
			CPUCores:        1.25,
			MemoryBytes:     512 * 1024 * 1024,
			PidsLimit:       160,
			TimeoutSeconds:  60,
			MaxOutputBytes:  1 << 20,
		},
		{
			Language:        "ruby",
			ImageRef:        "ruby:3.3-slim",
			DefaultFileName: "main.rb",
			FileExtensions:  []string{".rb"},
			RunCommand:      []string{"ruby", "{{file}}"},
			CPUCores:        0.75,
			MemoryBytes:     256 * 1024 * 1024,
			PidsLimit:       96,
			TimeoutSeconds:  30,
			MaxOutputBytes:  1 << 20,
		},
		{
			Language:        "php",
			ImageRef:        "php:8.3-cli",
			DefaultFileName: "main.php",
			FileExtensions:  []string{".php"},
			RunCommand:      []string{"php", "{{file}}"},
			CPUCores:        0.75,
			MemoryBytes:     256 * 1024 * 1024,
			PidsLimit:       96,
			TimeoutSeconds:  30,
			MaxOutputBytes:  1 << 20,
		},
	}
}

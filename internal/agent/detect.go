package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

type languageMarker struct {
	file, language string
}

// Ordered: more specific markers first.
var languageMarkers = []languageMarker{
	{"go.mod", "go"},
	{"Cargo.toml", "rust"},
	{"tsconfig.json", "typescript"},
	{"package.json", "javascript"},
	{"pyproject.toml", "python"},
	{"setup.py", "python"},
	{"requirements.txt", "python"},
	{"Pipfile", "python"},
	{"pom.xml", "java"},
	{"build.gradle.kts", "kotlin"},
	{"build.gradle", "java"},
	{"Gemfile", "ruby"},
	{"mix.exs", "elixir"},
	{"composer.json", "php"},
	{"Package.swift", "swift"},
}

type frameworkRule struct {
	language, file, contains, framework string
}

var frameworkRules = []frameworkRule{
	{"go", "go.mod", "gin-gonic", "gin"},
	{"go", "go.mod", "labstack/echo", "echo"},
	{"go", "go.mod", "gorilla/mux", "gorilla"},
	{"python", "manage.py", "", "django"},
	{"python", "pyproject.toml", "fastapi", "fastapi"},
	{"python", "pyproject.toml", "flask", "flask"},
	{"python", "requirements.txt", "django", "django"},
	{"python", "requirements.txt", "fastapi", "fastapi"},
	{"python", "requirements.txt", "flask", "flask"},
	{"javascript", "next.config.js", "", "nextjs"},
	{"typescript", "next.config.ts", "", "nextjs"},
	{"javascript", "package.json", "express", "express"},
	{"javascript", "package.json", "react", "react"},
	{"typescript", "package.json", "react", "react"},
	{"rust", "Cargo.toml", "axum", "axum"},
	{"rust", "Cargo.toml", "actix-web", "actix"},
	{"ruby", "Gemfile", "rails", "rails"},
	{"java", "pom.xml", "spring-boot", "spring"},
}

type runnerRule struct {
	language, file, contains, runner, command string
}

var runnerRules = []runnerRule{
	{"python", "pytest.ini", "", "pytest", "pytest"},
	{"python", "pyproject.toml", "pytest", "pytest", "pytest"},
	{"python", "conftest.py", "", "pytest", "pytest"},
	{"javascript", "package.json", "vitest", "vitest", "npx vitest run"},
	{"typescript", "package.json", "vitest", "vitest", "npx vitest run"},
	{"javascript", "package.json", "jest", "jest", "npx jest"},
	{"typescript", "package.json", "jest", "jest", "npx jest"},
	{"javascript", "package.json", "mocha", "mocha", "npx mocha"},
	{"ruby", "Gemfile", "rspec", "rspec", "bundle exec rspec"},
	{"java", "pom.xml", "", "maven", "mvn test"},
	{"java", "build.gradle", "", "gradle", "gradle test"},
	{"kotlin", "build.gradle.kts", "", "gradle", "gradle test"},
	{"php", "phpunit.xml", "", "phpunit", "vendor/bin/phpunit"},
}

var defaultRunners = map[string][2]string{
	"go":         {"go_test", "go test ./..."},
	"rust":       {"cargo_test", "cargo test"},
	"python":     {"pytest", "pytest"},
	"javascript": {"jest", "npx jest"},
	"typescript": {"jest", "npx jest"},
	"java":       {"maven", "mvn test"},
	"ruby":       {"rspec", "bundle exec rspec"},
}

// MarkerDetector infers the project stack from well-known files.
type MarkerDetector struct{}

func (MarkerDetector) Detect(ctx context.Context, projectPath string) (*Detection, error) {
	if _, err := os.Stat(projectPath); err != nil {
		return nil, err
	}
	d := &Detection{}
	for _, m := range languageMarkers {
		if fileExists(projectPath, m.file) {
			d.Language = m.language
			break
		}
	}
	if d.Language == "" {
		return d, nil
	}

	for _, r := range frameworkRules {
		if r.language == d.Language && fileMatches(projectPath, r.file, r.contains) {
			d.Framework = r.framework
			break
		}
	}
	for _, r := range runnerRules {
		if r.language == d.Language && fileMatches(projectPath, r.file, r.contains) {
			d.TestRunner, d.TestCommand = r.runner, r.command
			break
		}
	}
	if d.TestCommand == "" {
		if def, ok := defaultRunners[d.Language]; ok {
			d.TestRunner, d.TestCommand = def[0], def[1]
		}
	}
	return d, nil
}

func fileExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func fileMatches(dir, name, contains string) bool {
	if contains == "" {
		return fileExists(dir, name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	return err == nil && strings.Contains(strings.ToLower(string(data)), contains)
}

package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caravelhq/caravel/pkg/ports"
)

// Default base images per detected language
var baseImages = map[string]string{
	"node":   "node:22-alpine",
	"go":     "golang:1.25-alpine",
	"python": "python:3.13-slim",
	"java":   "eclipse-temurin:21-jre-alpine",
	"ruby":   "ruby:3.4-slim",
	"rust":   "rust:1.89-slim",
}

// Detect inspects a worktree for language markers, framework hints, and
// an existing Dockerfile. Detection is filesystem-only; no code runs.
func (b *DockerBuilder) Detect(_ context.Context, worktree string) (*ports.DetectionResult, error) {
	det := &ports.DetectionResult{}

	if _, err := os.Stat(filepath.Join(worktree, "Dockerfile")); err == nil {
		det.HasDockerfile = true
	}

	switch {
	case exists(worktree, "package.json"):
		det.Language = "node"
		det.Framework, det.Entrypoint = detectNode(worktree)
	case exists(worktree, "go.mod"):
		det.Language = "go"
		det.Framework = detectGo(worktree)
		det.Entrypoint = "/app/server"
	case exists(worktree, "requirements.txt") || exists(worktree, "pyproject.toml"):
		det.Language = "python"
		det.Framework, det.Entrypoint = detectPython(worktree)
	case exists(worktree, "pom.xml") || exists(worktree, "build.gradle"):
		det.Language = "java"
		det.Entrypoint = "app.jar"
	case exists(worktree, "Gemfile"):
		det.Language = "ruby"
		det.Entrypoint = "config.ru"
	case exists(worktree, "Cargo.toml"):
		det.Language = "rust"
		det.Entrypoint = "/app/server"
	default:
		if !det.HasDockerfile {
			return nil, fmt.Errorf("no recognizable project markers in %s", worktree)
		}
	}

	det.BaseImage = baseImages[det.Language]
	return det, nil
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func detectNode(worktree string) (framework, entrypoint string) {
	entrypoint = "index.js"
	data, err := os.ReadFile(filepath.Join(worktree, "package.json"))
	if err != nil {
		return "", entrypoint
	}
	var pkg struct {
		Main         string            `json:"main"`
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return "", entrypoint
	}
	if pkg.Main != "" {
		entrypoint = pkg.Main
	}
	for _, fw := range []string{"next", "express", "fastify", "koa", "nest"} {
		if _, ok := pkg.Dependencies[fw]; ok {
			return fw, entrypoint
		}
	}
	return "", entrypoint
}

func detectGo(worktree string) string {
	data, err := os.ReadFile(filepath.Join(worktree, "go.mod"))
	if err != nil {
		return ""
	}
	mod := string(data)
	for marker, fw := range map[string]string{
		"github.com/gin-gonic/gin": "gin",
		"github.com/labstack/echo": "echo",
		"github.com/go-chi/chi":    "chi",
		"github.com/gofiber/fiber": "fiber",
		"github.com/gorilla/mux":   "gorilla",
	} {
		if strings.Contains(mod, marker) {
			return fw
		}
	}
	return ""
}

func detectPython(worktree string) (framework, entrypoint string) {
	entrypoint = "main.py"
	for _, name := range []string{"requirements.txt", "pyproject.toml"} {
		data, err := os.ReadFile(filepath.Join(worktree, name))
		if err != nil {
			continue
		}
		reqs := strings.ToLower(string(data))
		for marker, fw := range map[string]string{
			"django":  "django",
			"flask":   "flask",
			"fastapi": "fastapi",
		} {
			if strings.Contains(reqs, marker) {
				return fw, entrypoint
			}
		}
	}
	return "", entrypoint
}

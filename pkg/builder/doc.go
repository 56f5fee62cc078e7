/*
Package builder turns a source worktree into a container image.

Detect inspects the tree for language markers (package.json, go.mod,
requirements.txt, pom.xml, Gemfile, Cargo.toml) and framework hints
without executing any project code. When the repository ships no
Dockerfile, GenerateDockerfile renders a deterministic template for the
detected language alongside ignore-file defaults. Build shells out to
the docker binary with plain progress output and streams every line to
the caller; base-image fetch failures surface as ErrBasePull so the
phase can retry them.
*/
package builder

package builder

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/caravelhq/caravel/pkg/ports"
)

var dockerfileTemplates = map[string]string{
	"node": `FROM {{.BaseImage}}
WORKDIR /app
COPY package*.json ./
RUN npm ci --omit=dev
COPY . .
EXPOSE {{.Port}}
USER node
CMD ["node", "{{.Entrypoint}}"]
`,
	"go": `FROM {{.BaseImage}} AS build
WORKDIR /src
COPY go.mod go.sum ./
RUN go mod download
COPY . .
RUN CGO_ENABLED=0 go build -o /app/server ./...

FROM alpine:3.22
RUN adduser -D app
COPY --from=build /app/server /app/server
EXPOSE {{.Port}}
USER app
CMD ["/app/server"]
`,
	"python": `FROM {{.BaseImage}}
WORKDIR /app
COPY requirements.txt ./
RUN pip install --no-cache-dir -r requirements.txt
COPY . .
EXPOSE {{.Port}}
RUN useradd -m app
USER app
CMD ["python", "{{.Entrypoint}}"]
`,
	"java": `FROM {{.BaseImage}}
WORKDIR /app
COPY target/*.jar app.jar
EXPOSE {{.Port}}
CMD ["java", "-jar", "app.jar"]
`,
	"ruby": `FROM {{.BaseImage}}
WORKDIR /app
COPY Gemfile Gemfile.lock ./
RUN bundle install
COPY . .
EXPOSE {{.Port}}
CMD ["bundle", "exec", "rackup", "-o", "0.0.0.0", "-p", "{{.Port}}"]
`,
	"rust": `FROM {{.BaseImage}} AS build
WORKDIR /src
COPY . .
RUN cargo build --release && cp target/release/* /app/server

FROM debian:bookworm-slim
COPY --from=build /app/server /app/server
EXPOSE {{.Port}}
CMD ["/app/server"]
`,
}

var dockerignoreDefaults = map[string]string{
	"node":   ".git\nnode_modules\nnpm-debug.log\n.env\n",
	"go":     ".git\nvendor\n*.test\n.env\n",
	"python": ".git\n__pycache__\n*.pyc\n.venv\n.env\n",
	"java":   ".git\n.gradle\n.env\n",
	"ruby":   ".git\nlog\ntmp\n.env\n",
	"rust":   ".git\ntarget\n.env\n",
}

// GenerateDockerfile renders the template for the detected language.
// The result is deterministic for identical detection inputs.
func (b *DockerBuilder) GenerateDockerfile(det *ports.DetectionResult) (string, error) {
	tmplText, ok := dockerfileTemplates[det.Language]
	if !ok {
		return "", fmt.Errorf("no dockerfile template for language %q", det.Language)
	}
	tmpl, err := template.New("dockerfile").Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("failed to parse dockerfile template: %w", err)
	}

	port := b.DefaultPort
	if port == 0 {
		port = 8080
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct {
		BaseImage  string
		Entrypoint string
		Port       int
	}{det.BaseImage, det.Entrypoint, port}); err != nil {
		return "", fmt.Errorf("failed to render dockerfile: %w", err)
	}
	return buf.String(), nil
}

// Dockerignore returns language-appropriate ignore defaults
func Dockerignore(language string) string {
	if ig, ok := dockerignoreDefaults[language]; ok {
		return ig
	}
	return ".git\n.env\n"
}

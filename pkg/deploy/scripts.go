package deploy

import (
	"fmt"
	"strings"

	"github.com/caravelhq/caravel/pkg/types"
)

// Container naming on the instance: the live container is always
// "app", the incoming one "app-candidate-<first-8-of-sha>".
const liveName = "app"

// CandidateName derives the candidate container name from the image
// tag's revision suffix
func CandidateName(imageTag string) string {
	rev := imageTag
	if i := strings.LastIndexByte(imageTag, ':'); i >= 0 {
		rev = imageTag[i+1:]
	}
	if len(rev) > 8 {
		rev = rev[:8]
	}
	return liveName + "-candidate-" + rev
}

// shellQuote single-quotes s for safe interpolation into a script
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// envFlags renders -e flags for docker run. Values are shell quoted;
// the script itself is never logged, and secret values are registered
// with the redactor besides.
func envFlags(envVars []types.EnvVar) string {
	var b strings.Builder
	for _, ev := range envVars {
		fmt.Fprintf(&b, " -e %s=%s", ev.Key, shellQuote(ev.Value))
	}
	return b.String()
}

// PullScript transfers the image reference to the instance
func PullScript(imageTag string) string {
	return fmt.Sprintf("docker pull %s", shellQuote(imageTag))
}

// StartCandidateScript starts the new container on the side port
// (port+1), leaving the live container untouched. Env vars reach the
// container through an --env-file written on the instance instead of
// -e flags, so values never show up in the process table; the file
// path is the script's last stdout line.
func StartCandidateScript(imageTag string, port int, envVars []types.EnvVar) string {
	name := CandidateName(imageTag)
	envFile := "/run/caravel/" + name + ".env"

	var b strings.Builder
	fmt.Fprintf(&b, "umask 077\nmkdir -p /run/caravel\n: > %s\n", shellQuote(envFile))
	for _, ev := range envVars {
		fmt.Fprintf(&b, "printf '%%s\\n' %s >> %s\n", shellQuote(ev.Key+"="+ev.Value), shellQuote(envFile))
	}
	fmt.Fprintf(&b, "docker rm -f %[1]s 2>/dev/null || true\n", name)
	fmt.Fprintf(&b, "docker run -d --name %[1]s --restart unless-stopped -p %[2]d:%[3]d --env-file %[4]s %[5]s\n",
		name, port+1, port, shellQuote(envFile), shellQuote(imageTag))
	fmt.Fprintf(&b, "echo %s", shellQuote(envFile))
	return b.String()
}

// PromoteScript stops the old live container gracefully and restarts
// the candidate image in its place on the primary port
func PromoteScript(imageTag string, port, stopTimeoutSecs int, envVars []types.EnvVar) string {
	name := CandidateName(imageTag)
	return fmt.Sprintf(`docker stop -t %[1]d %[2]s 2>/dev/null || true
docker rm %[2]s 2>/dev/null || true
docker rm -f %[3]s 2>/dev/null || true
docker run -d --name %[2]s --restart unless-stopped -p %[4]d:%[4]d%[5]s %[6]s`,
		stopTimeoutSecs, liveName, name, port, envFlags(envVars), shellQuote(imageTag))
}

// RollbackScript restores the previous image on the primary port and
// removes the candidate
func RollbackScript(previousTag, imageTag string, port, stopTimeoutSecs int, envVars []types.EnvVar) string {
	name := CandidateName(imageTag)
	return fmt.Sprintf(`docker rm -f %[1]s 2>/dev/null || true
docker stop -t %[2]d %[3]s 2>/dev/null || true
docker rm %[3]s 2>/dev/null || true
docker run -d --name %[3]s --restart unless-stopped -p %[4]d:%[4]d%[5]s %[6]s`,
		name, stopTimeoutSecs, liveName, port, envFlags(envVars), shellQuote(previousTag))
}

// StopCandidateScript removes the candidate without touching the live
// container; used when there is nothing to roll back to
func StopCandidateScript(imageTag string) string {
	return fmt.Sprintf("docker rm -f %s 2>/dev/null || true", CandidateName(imageTag))
}

// UpstreamApplyScript replaces the reverse-proxy upstream block with
// content and reloads. The target content is fully specified by the
// caller, so reapplying the same script is idempotent.
func UpstreamApplyScript(content string) string {
	return fmt.Sprintf(`printf '%%s' %s > /etc/nginx/conf.d/app_upstream.conf
nginx -t -q && nginx -s reload`, shellQuote(content))
}

package types

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	repositoryRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	instanceRe   = regexp.MustCompile(`^i-[a-z0-9]{3,17}$`)
	envKeyRe     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	tagPartRe    = regexp.MustCompile(`^[a-z0-9._-]+$`)
)

// validate is shared; validator instances are safe for concurrent use
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("repository", func(fl validator.FieldLevel) bool {
		return repositoryRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("instance", func(fl validator.FieldLevel) bool {
		return instanceRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("healthpath", func(fl validator.FieldLevel) bool {
		p := fl.Field().String()
		return strings.HasPrefix(p, "/") && !strings.ContainsAny(p, " \t\n")
	})
	return v
}

// jobRules mirrors DeploymentJob for tag-based validation
type jobRules struct {
	Repository  string `validate:"required,repository"`
	Ref         string `validate:"required"`
	InstanceID  string `validate:"required,instance"`
	Environment string `validate:"required,oneof=production staging preview"`
	Strategy    string `validate:"required,oneof=rolling canary"`
	Port        int    `validate:"required,min=1,max=65535"`
	HealthPath  string `validate:"required,healthpath"`
}

// Validate checks a job at submission time. Input errors surface here
// and never cause partial state downstream.
func (j *DeploymentJob) Validate() error {
	rules := jobRules{
		Repository:  j.Repository,
		Ref:         j.Ref,
		InstanceID:  j.InstanceID,
		Environment: string(j.Environment),
		Strategy:    string(j.Strategy),
		Port:        j.Port,
		HealthPath:  j.HealthPath,
	}
	if err := validate.Struct(&rules); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	for _, ev := range j.EnvVars {
		if !envKeyRe.MatchString(ev.Key) {
			return fmt.Errorf("invalid job: bad env var key %q", ev.Key)
		}
	}
	return nil
}

// ValidImageTag reports whether ref matches the tag grammar: name and
// optional tag both [a-z0-9._-]+, at most one colon, 128 chars total.
func ValidImageTag(ref string) bool {
	if ref == "" || len(ref) > 128 {
		return false
	}
	parts := strings.Split(ref, ":")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if !tagPartRe.MatchString(p) {
			return false
		}
	}
	return true
}

// SanitizeRepoName lowercases owner/name and replaces every character
// outside the tag grammar so the result is a valid image name.
func SanitizeRepoName(repository string) string {
	s := strings.ToLower(repository)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

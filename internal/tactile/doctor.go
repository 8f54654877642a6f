package tactile

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// DoctorCheck is one preflight check.
type DoctorCheck struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Required bool   `json:"required"`
	Detail   string `json:"detail,omitempty"`
}

// DoctorReport lists preflight checks for a sandbox configuration.
type DoctorReport struct {
	Mode   SandboxMode   `json:"mode"`
	Checks []DoctorCheck `json:"checks"`
}

// OK reports whether every required check passed.
func (r DoctorReport) OK() bool {
	for _, c := range r.Checks {
		if c.Required && !c.OK {
			return false
		}
	}
	return true
}

// Doctor checks the tools the configured sandbox mode depends on.
func Doctor(ctx context.Context, cfg RunnerConfig) DoctorReport {
	report := DoctorReport{Mode: cfg.Mode}

	report.Checks = append(report.Checks, checkBinary(ctx, "git", true, "--version"))

	docker := checkBinary(ctx, "docker", cfg.Mode == SandboxDocker, "version", "--format", "{{.Server.Version}}")
	report.Checks = append(report.Checks, docker)
	if cfg.Mode == SandboxDocker && docker.OK {
		image := cfg.Image
		if image == "" {
			image = DefaultExecutorConfig().DockerDefaultImage
		}
		imageCheck := DoctorCheck{Name: "image " + image, Required: true}
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		imageCheck.OK = exec.CommandContext(checkCtx, "docker", "image", "inspect", image).Run() == nil
		cancel()
		if !imageCheck.OK {
			imageCheck.Detail = "image not present locally; build or pull it"
		}
		report.Checks = append(report.Checks, imageCheck)
	}

	report.Checks = append(report.Checks,
		checkBinary(ctx, "bwrap", cfg.Mode == SandboxNamespace, "--version"),
		checkBinary(ctx, "prlimit", false, "--version"),
	)

	if cfg.Mode == SandboxHost {
		report.Checks = append(report.Checks, DoctorCheck{
			Name:   "isolation",
			OK:     false,
			Detail: "host mode runs checks without isolation",
		})
	}
	if cfg.NetworkAllowed {
		report.Checks = append(report.Checks, DoctorCheck{
			Name:   "network",
			OK:     false,
			Detail: "network access enabled for sandboxed commands",
		})
	}
	return report
}

func checkBinary(ctx context.Context, name string, required bool, args ...string) DoctorCheck {
	check := DoctorCheck{Name: name, Required: required}
	path, err := exec.LookPath(name)
	if err != nil {
		check.Detail = "not found in PATH"
		return check
	}
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(checkCtx, path, args...).CombinedOutput()
	if err != nil {
		check.Detail = strings.TrimSpace(string(out))
		if check.Detail == "" {
			check.Detail = err.Error()
		}
		return check
	}
	check.OK = true
	check.Detail = firstLine(strings.TrimSpace(string(out)))
	return check
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

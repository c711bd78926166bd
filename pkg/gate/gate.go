// Package gate runs the quality-gate pipeline, caching results on disk so
// an unchanged level is never re-verified needlessly (spec.md §4.10).
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cuemby/zerg/pkg/config"
)

const maxCapturedBytes = 500

// Result is a single gate's outcome, matching spec.md §6's on-disk
// artifact shape.
type Result struct {
	Gate       string    `json:"gate"`
	Result     string    `json:"result"` // pass|fail|skip
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
	Cached     bool      `json:"-"`
}

// PipelineResult is the ordered outcome of running every gate at a level.
type PipelineResult struct {
	Results        []Result
	AllPassed      bool
	RequiredPassed bool
	TotalMS        int64
}

// Pipeline executes and caches gate runs under artifactsDir/{level}/{gate}.json.
type Pipeline struct {
	artifactsDir     string
	stalenessSeconds int
	now              func() time.Time
}

func NewPipeline(artifactsDir string, stalenessSeconds int) *Pipeline {
	return &Pipeline{artifactsDir: artifactsDir, stalenessSeconds: stalenessSeconds, now: time.Now}
}

func (p *Pipeline) artifactPath(level int, gateName string) string {
	return filepath.Join(p.artifactsDir, fmt.Sprintf("%d", level), gateName+".json")
}

// RunGate probes the cached artifact first; a passing result within the
// staleness window is returned unexecuted, while a cached fail or skip is
// not reused. Otherwise the command runs under timeout and the fresh
// result is persisted atomically.
func (p *Pipeline) RunGate(ctx context.Context, level int, g config.GateConfig, cwd string) (Result, error) {
	path := p.artifactPath(level, g.Name)

	if cached, ok := p.loadFresh(path); ok {
		cached.Cached = true
		return cached, nil
	}

	start := p.now()
	timeout := time.Duration(g.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", g.Command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	exitCode := 0
	status := "pass"
	if runCtx.Err() == context.DeadlineExceeded {
		exitCode = -1
		status = "fail"
	} else if runErr != nil {
		status = "fail"
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	res := Result{
		Gate:       g.Name,
		Result:     status,
		ExitCode:   exitCode,
		Stdout:     truncate(stdout.String()),
		Stderr:     truncate(stderr.String()),
		DurationMS: p.now().Sub(start).Milliseconds(),
		Timestamp:  p.now(),
	}

	if err := p.persist(path, res); err != nil {
		return res, fmt.Errorf("persist gate artifact: %w", err)
	}
	return res, nil
}

// RunPipeline runs gates in order, stopping early if stopOnRequiredFailure
// and a required gate fails.
func (p *Pipeline) RunPipeline(ctx context.Context, level int, gates []config.GateConfig, cwd string, stopOnRequiredFailure bool) (PipelineResult, error) {
	start := p.now()
	var out PipelineResult
	for _, g := range gates {
		res, err := p.RunGate(ctx, level, g, cwd)
		if err != nil {
			return out, err
		}
		out.Results = append(out.Results, res)
		if stopOnRequiredFailure && g.Required && res.Result == "fail" {
			break
		}
	}
	out.TotalMS = p.now().Sub(start).Milliseconds()
	out.AllPassed = true
	out.RequiredPassed = true
	for i, res := range out.Results {
		if res.Result != "pass" {
			out.AllPassed = false
			if i < len(gates) && gates[i].Required {
				out.RequiredPassed = false
			}
		}
	}
	return out, nil
}

func (p *Pipeline) loadFresh(path string) (Result, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, false
	}
	age := p.now().Sub(res.Timestamp)
	if age.Seconds() > float64(p.stalenessSeconds) {
		return Result{}, false
	}
	if res.Result != "pass" {
		return Result{}, false
	}
	return res, true
}

func (p *Pipeline) persist(path string, res Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func truncate(s string) string {
	if len(s) <= maxCapturedBytes {
		return s
	}
	return s[:maxCapturedBytes]
}

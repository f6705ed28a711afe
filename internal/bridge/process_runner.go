package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"jobpilot/custom_errors"
	"jobpilot/internal/config"
	"jobpilot/internal/models"
)

const (
	defaultExecutionTimeout = 10 * time.Minute
	stderrTailLines         = 15
)

// ProcessRunner executes each job as one worker subprocess speaking
// the env-plus-stdout contract. The worker gets SIGTERM at the
// deadline and SIGKILL once the grace window runs out, so a stuck
// browser never outlives its job.
type ProcessRunner struct {
	command []string
	workDir string
	grace   time.Duration
}

func NewProcessRunner(cfg config.WorkerConfig) *ProcessRunner {
	return &ProcessRunner{
		command: cfg.Command,
		workDir: cfg.WorkDir,
		grace:   cfg.Grace(),
	}
}

func (r *ProcessRunner) Execute(ctx context.Context, req Request) (*models.ApplicationResult, error) {
	if len(r.command) == 0 {
		return nil, errors.New("worker command is not configured")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultExecutionTimeout
	}

	dataFile, err := r.writeContextFile(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(dataFile); err != nil {
			slog.Debug("context file cleanup failed", "path", dataFile, "error", err)
		}
	}()

	var (
		mu         sync.Mutex
		result     *models.ApplicationResult
		stderrTail []string
	)
	stdout := newLineWriter(func(line string) {
		mu.Lock()
		if result == nil {
			result = parseResultLine(line)
		}
		mu.Unlock()
		emit(req.OnOutput, "stdout", line)
	})
	stderr := newLineWriter(func(line string) {
		mu.Lock()
		stderrTail = append(stderrTail, line)
		if len(stderrTail) > stderrTailLines {
			stderrTail = stderrTail[1:]
		}
		mu.Unlock()
		emit(req.OnOutput, "stderr", line)
	})

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.command[0], r.command[1:]...)
	cmd.Dir = r.workDir
	cmd.Env = r.buildEnv(req, dataFile, timeout)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.grace

	start := time.Now()
	err = cmd.Run()
	stdout.Flush()
	stderr.Flush()
	elapsed := time.Since(start)

	mu.Lock()
	defer mu.Unlock()

	if ctx.Err() != nil && !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res := models.FailureResult(models.ApplicationTimeout,
			fmt.Sprintf("execution exceeded %s and was terminated", timeout))
		res.ExecutionTimeMs = elapsed.Milliseconds()
		return res, fmt.Errorf("%w after %s", custom_errors.ErrExecutionTimeout, timeout)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrWaitDelay):
			// Exited cleanly but something kept the pipes open past the
			// grace window. Whatever was parsed stands.
		default:
			return nil, fmt.Errorf("run worker: %w", err)
		}
	}

	res := finalizeResult(result, exitCode, strings.Join(stderrTail, "\n"))
	if res.ExecutionTimeMs == 0 {
		res.ExecutionTimeMs = elapsed.Milliseconds()
	}
	return res, nil
}

// finalizeResult applies the exit-code contract: a parsed document
// wins, but a non-zero exit forces failure with the exit context
// appended; no document at all is a hard failure built from stderr.
func finalizeResult(result *models.ApplicationResult, exitCode int, stderrTail string) *models.ApplicationResult {
	switch {
	case result != nil && exitCode == 0:
		return result
	case result != nil:
		result.Success = false
		if result.Status == "" || result.Status == models.ApplicationSuccess {
			result.Status = models.ApplicationFailed
		}
		exitContext := fmt.Sprintf("worker exited with code %d", exitCode)
		if result.ErrorMessage != "" {
			result.ErrorMessage += "; " + exitContext
		} else {
			result.ErrorMessage = exitContext
		}
		return result
	case exitCode == 0:
		return models.FailureResult(models.ApplicationUnknownError,
			"worker exited cleanly without producing a result document")
	default:
		message := fmt.Sprintf("worker exited with code %d", exitCode)
		if stderrTail != "" {
			message += ": " + stderrTail
		}
		return models.FailureResult(models.ApplicationFailed, message)
	}
}

// parseResultLine returns the decoded document when the line is a
// complete JSON object carrying a "success" key, nil otherwise.
func parseResultLine(line string) *models.ApplicationResult {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return nil
	}
	if _, ok := probe["success"]; !ok {
		return nil
	}

	var result models.ApplicationResult
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil {
		return nil
	}
	return &result
}

func emit(fn func(stream, line string), stream, line string) {
	if fn != nil {
		fn(stream, line)
	}
}

// lineWriter splits a byte stream into lines and hands each complete
// line to fn. exec.Cmd writes to it from its own copy goroutine, so
// Write and Flush take the same lock.
type lineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  func(line string)
}

func newLineWriter(fn func(line string)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// No newline yet; keep the partial line buffered.
			w.buf.WriteString(line)
			break
		}
		w.fn(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush delivers a trailing line that never got its newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.fn(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}

// contextPayload is the transient data file the worker reads through
// JOB_DATA_FILE.
type contextPayload struct {
	UserProfile models.ApplicantProfile `json:"user_profile"`
	JobData     models.JobPosting       `json:"job_data"`
	ProxyConfig *models.ProxyConfig     `json:"proxy_config,omitempty"`
}

func (r *ProcessRunner) writeContextFile(req Request) (string, error) {
	payload := contextPayload{
		UserProfile: req.Job.Profile,
		JobData:     req.Job.Posting,
		ProxyConfig: proxyConfig(req.Proxy),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job context: %w", err)
	}

	f, err := os.CreateTemp("", "jobpilot-job-*.json")
	if err != nil {
		return "", fmt.Errorf("create job context file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write job context file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close job context file: %w", err)
	}
	return f.Name(), nil
}

func (r *ProcessRunner) buildEnv(req Request, dataFile string, timeout time.Duration) []string {
	job := req.Job
	env := append(os.Environ(),
		"APPLICATION_ID="+job.ID,
		"USER_ID="+job.UserID,
		"JOB_ID="+job.Posting.ID,
		"JOB_TITLE="+job.Posting.Title,
		"JOB_COMPANY="+job.Posting.Company,
		"JOB_APPLY_URL="+job.Posting.ApplyURL,
		"JOB_LOCATION="+job.Posting.Location,
		"EXECUTION_MODE="+string(job.Mode),
		"SESSION_ID="+req.SessionID,
		"HEADLESS="+strconv.FormatBool(job.Options.Headless),
		"TIMEOUT_MS="+strconv.FormatInt(timeout.Milliseconds(), 10),
		"JOB_DATA_FILE="+dataFile,
	)

	if cfg := proxyConfig(req.Proxy); cfg != nil {
		if raw, err := json.Marshal(cfg); err == nil {
			env = append(env, "PROXY_CONFIG="+string(raw))
		}
	}
	return env
}

func proxyConfig(p *models.ProxyEndpoint) *models.ProxyConfig {
	if p == nil || p.IsDirect() {
		return nil
	}
	cfg := p.WorkerConfig()
	return &cfg
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shellgate/shellgate/logger"
	"github.com/shellgate/shellgate/process"
)

// Processor drains approved jobs from the store and runs them under the
// shared supervisor. One processor runs per store.
type Processor struct {
	logger     logger.Logger
	store      *Store
	supervisor *process.Supervisor

	tickInterval    time.Duration
	shutdownTimeout time.Duration
	env             []string

	kickCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	wg sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// ProcessorOpts configures a Processor.
type ProcessorOpts struct {
	TickInterval    time.Duration
	ShutdownTimeout time.Duration

	// Env is the sanitized environment handed to every job.
	Env []string
}

// NewProcessor wires a processor to a store and a supervisor. Start must be
// called before jobs execute.
func NewProcessor(l logger.Logger, store *Store, supervisor *process.Supervisor, opts ProcessorOpts) *Processor {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return &Processor{
		logger:          l,
		store:           store,
		supervisor:      supervisor,
		tickInterval:    opts.TickInterval,
		shutdownTimeout: opts.ShutdownTimeout,
		env:             opts.Env,
		kickCh:          make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		running:         map[string]context.CancelFunc{},
	}
}

// Start launches the scan loop.
func (p *Processor) Start() {
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.tickInterval)
		defer ticker.Stop()
		for {
			p.scan()
			select {
			case <-ticker.C:
			case <-p.kickCh:
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Kick wakes the scan loop immediately instead of waiting for the next tick.
func (p *Processor) Kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

// Stop halts the loop and waits up to the shutdown timeout for in-flight jobs
// to finish before force-killing the remainder.
func (p *Processor) Stop() {
	close(p.stopCh)
	<-p.doneCh

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(p.shutdownTimeout):
		p.logger.Warn("[Processor] Shutdown timeout elapsed, killing remaining jobs")
		p.mu.Lock()
		for id, cancel := range p.running {
			p.logger.Warn("[Processor] Cancelling job %s", id)
			cancel()
		}
		p.mu.Unlock()
		<-finished
	}
}

// scan claims as many approved jobs as capacity allows and launches them.
func (p *Processor) scan() {
	slots := p.supervisor.MaxConcurrent() - p.supervisor.Active()
	if slots <= 0 {
		return
	}
	ids, err := p.store.OldestApproved(slots)
	if err != nil {
		p.logger.Error("[Processor] Scanning approved jobs: %v", err)
		return
	}
	for _, id := range ids {
		job, err := p.store.Transition(id, StatusApproved, StatusExecuting, func(j *Job) {
			j.StartedAt = nowMS()
			j.CurrentPhase = "execution"
			j.ProgressMessage = "Executing command..."
		})
		if err != nil {
			// Claimed or cancelled between the listing and now.
			p.logger.Debug("[Processor] Skipping %s: %v", id, err)
			continue
		}
		p.wg.Add(1)
		go p.execute(job)
	}
}

var percentRe = regexp.MustCompile(`(\d{1,3})%`)

// progressFromChunk maps well-known output patterns onto a phase message and
// a progress percentage.
func progressFromChunk(chunk string) (string, *int) {
	if m := percentRe.FindStringSubmatch(chunk); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 && n <= 100 {
			return "", &n
		}
	}
	lower := strings.ToLower(chunk)
	pct := func(n int) *int { return &n }
	switch {
	case strings.Contains(lower, "installing") || strings.Contains(lower, "downloading"):
		return "Installing dependencies...", pct(25)
	case strings.Contains(lower, "building") || strings.Contains(lower, "compiling"):
		return "Building project...", pct(50)
	case strings.Contains(lower, "testing") || strings.Contains(lower, "running tests"):
		return "Running tests...", pct(75)
	}
	return "", nil
}

type resultMetadata struct {
	Command         string   `json:"command"`
	Args            []string `json:"args"`
	WorkingDir      string   `json:"working_dir"`
	StartedAt       int64    `json:"started_at"`
	CompletedAt     int64    `json:"completed_at"`
	ExecutionTimeMS int64    `json:"execution_time_ms"`
	ExitCode        int      `json:"exit_code"`
	TimedOut        bool     `json:"timed_out"`
	Killed          bool     `json:"killed"`
	StdoutBytes     int64    `json:"stdout_bytes"`
	StderrBytes     int64    `json:"stderr_bytes"`
	StdoutSize      string   `json:"stdout_size"`
	StderrSize      string   `json:"stderr_size"`
}

func (p *Processor) execute(job *Job) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.mu.Lock()
	p.running[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, job.ID)
		p.mu.Unlock()
	}()

	resultsDir := p.store.ResultsDir(job.ID)
	if err := os.MkdirAll(resultsDir, 0o700); err != nil {
		p.fail(job.ID, StatusExecutionFailed, &JobError{
			Code: "QUEUE_IO_ERROR", Message: err.Error(),
		}, nil)
		return
	}

	stdout, err := os.OpenFile(filepath.Join(resultsDir, "stdout.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		p.fail(job.ID, StatusExecutionFailed, &JobError{Code: "QUEUE_IO_ERROR", Message: err.Error()}, nil)
		return
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(filepath.Join(resultsDir, "stderr.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		p.fail(job.ID, StatusExecutionFailed, &JobError{Code: "QUEUE_IO_ERROR", Message: err.Error()}, nil)
		return
	}
	defer stderr.Close()

	var fileMu sync.Mutex
	var lastProgress time.Time

	conf := process.Config{
		Path:    job.Command,
		Args:    job.Args,
		Dir:     job.WorkingDirectory,
		Env:     p.env,
		Timeout: time.Duration(job.RequestedTimeoutMS) * time.Millisecond,
		Handler: func(chunk []byte, stream process.Stream) {
			fileMu.Lock()
			if stream == process.Stdout {
				stdout.Write(chunk)
			} else {
				stderr.Write(chunk)
			}
			msg, pct := progressFromChunk(string(chunk))
			// Progress rewrites are rate limited to avoid a record write per
			// output chunk.
			throttled := time.Since(lastProgress) < time.Second
			if !throttled && (msg != "" || pct != nil) {
				lastProgress = time.Now()
			}
			fileMu.Unlock()
			if throttled || (msg == "" && pct == nil) {
				return
			}
			p.store.Update(job.ID, func(j *Job) {
				if msg != "" {
					j.ProgressMessage = msg
				}
				if pct != nil {
					j.ProgressPercentage = pct
				}
			})
		},
	}

	res, err := p.supervisor.Run(ctx, job.ID, conf)
	if err != nil {
		jobErr := &JobError{Code: "SPAWN_OTHER", Message: err.Error()}
		var spawnErr *process.SpawnError
		if errors.As(err, &spawnErr) {
			jobErr = &JobError{Code: spawnErr.Code, Message: spawnErr.Err.Error(), Suggestion: spawnErr.Suggestion}
		}
		p.fail(job.ID, StatusExecutionFailed, jobErr, nil)
		return
	}

	fileMu.Lock()
	stdout.Sync()
	stderr.Sync()
	fileMu.Unlock()

	meta := resultMetadata{
		Command:         job.Command,
		Args:            job.Args,
		WorkingDir:      job.WorkingDirectory,
		StartedAt:       job.StartedAt,
		CompletedAt:     nowMS(),
		ExecutionTimeMS: res.ExecutionTime.Milliseconds(),
		ExitCode:        res.ExitCode,
		TimedOut:        res.TimedOut,
		Killed:          res.Killed,
	}
	if fi, err := stdout.Stat(); err == nil {
		meta.StdoutBytes = fi.Size()
		meta.StdoutSize = humanize.Bytes(uint64(fi.Size()))
	}
	if fi, err := stderr.Stat(); err == nil {
		meta.StderrBytes = fi.Size()
		meta.StderrSize = humanize.Bytes(uint64(fi.Size()))
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		os.WriteFile(filepath.Join(resultsDir, "metadata.json"), b, 0o600)
	}

	switch {
	case res.TimedOut:
		p.fail(job.ID, StatusExecutionTimeout, &JobError{
			Code:       "EXECUTION_TIMEOUT",
			Message:    fmt.Sprintf("command exceeded its %s timeout", time.Duration(job.RequestedTimeoutMS)*time.Millisecond),
			Suggestion: "increase the timeout or split the work",
		}, res)
	case res.ExitCode != 0 || res.Killed:
		p.fail(job.ID, StatusExecutionFailed, &JobError{
			Code:    fmt.Sprintf("EXIT_CODE_%d", res.ExitCode),
			Message: fmt.Sprintf("command exited with code %d", res.ExitCode),
		}, res)
	default:
		// The token is minted only once the result files are flushed, so a
		// token in hand always means readable results.
		token, err := NewExecutionToken()
		if err != nil {
			p.fail(job.ID, StatusExecutionFailed, &JobError{Code: "TOKEN_ERROR", Message: err.Error()}, res)
			return
		}
		_, err = p.store.Transition(job.ID, StatusExecuting, StatusCompleted, func(j *Job) {
			applyResult(j, res)
			j.CurrentPhase = "completed"
			j.ProgressMessage = "Completed successfully"
			pct := 100
			j.ProgressPercentage = &pct
			j.ExecutionToken = token
		})
		if err != nil {
			p.logger.Error("[Processor] Completing job %s: %v", job.ID, err)
		}
	}
}

func applyResult(j *Job, res *process.Result) {
	j.CompletedAt = nowMS()
	code := res.ExitCode
	j.ExitCode = &code
	j.ExecutionTimeMS = res.ExecutionTime.Milliseconds()
	j.TimedOut = res.TimedOut
	j.Killed = res.Killed
	j.Pid = res.Pid
}

func (p *Processor) fail(id string, to Status, jobErr *JobError, res *process.Result) {
	_, err := p.store.Transition(id, StatusExecuting, to, func(j *Job) {
		if res != nil {
			applyResult(j, res)
		} else {
			j.CompletedAt = nowMS()
		}
		j.CurrentPhase = "failed"
		j.ProgressMessage = jobErr.Message
		j.Error = jobErr
		j.CanRetry = true
	})
	if err != nil {
		p.logger.Error("[Processor] Marking job %s %s: %v", id, to, err)
	}
}

// Kill cancels a job. Jobs that haven't started are cancelled in place;
// executing jobs get the signal via the supervisor and settle through the
// normal result path.
func (p *Processor) Kill(id string, sig syscall.Signal) error {
	job, err := p.store.Peek(id)
	if err != nil {
		return err
	}
	switch job.Status {
	case StatusPendingApproval, StatusApproved:
		_, err := p.store.Transition(id, job.Status, StatusCancelled, func(j *Job) {
			j.CompletedAt = nowMS()
			j.CurrentPhase = "cancelled"
			j.ProgressMessage = "Cancelled before execution"
		})
		return err
	case StatusExecuting:
		return p.supervisor.Kill(id, sig)
	default:
		return fmt.Errorf("job %s is %s and cannot be killed", id, job.Status)
	}
}

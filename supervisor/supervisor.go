// Package supervisor manages the fleet of worker processes, one per bot
// credential: spawning, readiness handshake, health checks, crash restarts,
// token reconciliation, and the admin control bot.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/teleterm/internal/ipc"
	"github.com/hrygo/teleterm/internal/profile"
)

// Status is a worker's lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

const (
	readyTimeout  = 5 * time.Second
	stopGrace     = 10 * time.Second
	healthTimeout = 5 * time.Second
	restartDelay  = 5 * time.Second
	restartMinGap = 1 * time.Second
)

// workerProc is the supervisor-side record of one child process.
type workerProc struct {
	botID string
	token string

	mu        sync.Mutex
	status    Status
	osPid     int
	startTime time.Time
	lastError string
	info      ipc.BotInfoPayload

	cmd    *exec.Cmd
	conn   *ipc.Conn
	log    *RingLog
	ready  chan struct{}
	health chan ipc.HealthPayload
	exited chan struct{}
}

func (p *workerProc) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// WorkerInfo is a point-in-time snapshot for status displays.
type WorkerInfo struct {
	BotID       string
	MaskedToken string
	Status      Status
	PID         int
	Uptime      time.Duration
	Username    string
	LastError   string
}

func (p *workerProc) snapshot() WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := WorkerInfo{
		BotID:       p.botID,
		MaskedToken: profile.MaskToken(p.token),
		Status:      p.status,
		PID:         p.osPid,
		Username:    p.info.Username,
		LastError:   p.lastError,
	}
	if p.status == StatusRunning || p.status == StatusStarting {
		info.Uptime = time.Since(p.startTime)
	}
	return info
}

// Supervisor owns the worker fleet.
type Supervisor struct {
	profile *profile.Profile

	mu           sync.Mutex
	workers      map[string]*workerProc
	shuttingDown bool
	// lastRestart rate-limits crash restarts to one per window per bot.
	lastRestart map[string]time.Time

	// shutdownRequested resolves Run when the control bot orders a full stop.
	shutdownRequested chan struct{}
	shutdownOnce      sync.Once
}

func New(p *profile.Profile) *Supervisor {
	return &Supervisor{
		profile:           p,
		workers:           make(map[string]*workerProc),
		lastRestart:       make(map[string]time.Time),
		shutdownRequested: make(chan struct{}),
	}
}

// Run starts every configured worker plus the control bot and token
// reconciler, then blocks until the context is cancelled or a /shutdown is
// issued.
func (s *Supervisor) Run(ctx context.Context) error {
	slog.Info("supervisor starting", "workers", len(s.profile.Tokens),
		"tokens", maskedSummary(s.profile.Tokens))

	for i, token := range s.profile.Tokens {
		botID := profile.BotID(i)
		if err := s.StartBot(botID, token); err != nil {
			slog.Error("worker failed to start", "bot_id", botID, "error", err)
		}
	}

	if s.profile.ControlBotToken != "" {
		control, err := NewControlBot(s.profile.ControlBotToken, s)
		if err != nil {
			slog.Error("control bot unavailable", "error", err)
		} else {
			go control.Run(ctx)
		}
	}

	if s.profile.TokenMonitorInterval > 0 {
		go s.reconcileLoop(ctx)
	}

	select {
	case <-ctx.Done():
	case <-s.shutdownRequested:
	}
	s.StopAll()
	return nil
}

// RequestShutdown asks Run to stop the fleet and return.
func (s *Supervisor) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownRequested) })
}

// StartBot spawns a worker for the token and waits for its READY handshake.
func (s *Supervisor) StartBot(botID, token string) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return errors.New("supervisor is shutting down")
	}
	if existing, ok := s.workers[botID]; ok {
		st := existing.snapshot().Status
		if st == StatusRunning || st == StatusStarting {
			s.mu.Unlock()
			return errors.Errorf("worker %s is already %s", botID, st)
		}
	}
	p := &workerProc{
		botID:  botID,
		token:  token,
		status: StatusStarting,
		log:    NewRingLog(),
		ready:  make(chan struct{}),
		health: make(chan ipc.HealthPayload, 1),
		exited: make(chan struct{}),
	}
	s.workers[botID] = p
	s.mu.Unlock()

	if err := s.spawn(p); err != nil {
		p.mu.Lock()
		p.status = StatusError
		p.lastError = err.Error()
		p.mu.Unlock()
		return err
	}

	select {
	case <-p.ready:
		p.mu.Lock()
		p.status = StatusRunning
		p.mu.Unlock()
		slog.Info("worker running", "bot_id", botID, "pid", p.osPid)
		return nil
	case <-p.exited:
		info := p.snapshot()
		return errors.Errorf("worker %s exited before READY: %s", botID, info.LastError)
	case <-time.After(readyTimeout):
		p.mu.Lock()
		p.status = StatusError
		p.lastError = "no READY within handshake timeout"
		p.mu.Unlock()
		_ = p.cmd.Process.Kill()
		return errors.Errorf("worker %s sent no READY within %s", botID, readyTimeout)
	}
}

// spawn forks the worker binary with the IPC pipe pair on fds 3 and 4.
func (s *Supervisor) spawn(p *workerProc) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own binary: %w", err)
	}

	// supervisor -> worker carries control messages; worker -> supervisor
	// carries READY, health, and log traffic.
	childRead, parentWrite, err := os.Pipe()
	if err != nil {
		return err
	}
	parentRead, childWrite, err := os.Pipe()
	if err != nil {
		childRead.Close()
		parentWrite.Close()
		return err
	}

	index := 0
	fmt.Sscanf(p.botID, "bot-%d", &index)

	cmd := exec.Command(exe, "worker")
	cmd.Env = append(os.Environ(),
		"BOT_TOKEN="+p.token,
		fmt.Sprintf("BOT_INDEX=%d", index),
		// Tells the child its IPC fds are real.
		"TELETERM_SUPERVISED=1",
	)
	cmd.ExtraFiles = []*os.File{childRead, childWrite} // fds 3 and 4

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		childRead.Close()
		childWrite.Close()
		parentRead.Close()
		parentWrite.Close()
		return fmt.Errorf("start worker: %w", err)
	}
	// Parent keeps only its own pipe ends.
	childRead.Close()
	childWrite.Close()

	p.mu.Lock()
	p.cmd = cmd
	p.conn = ipc.NewConn(parentRead, parentWrite)
	p.osPid = cmd.Process.Pid
	p.startTime = time.Now()
	p.mu.Unlock()

	go s.pumpStdio(p, "stdout", stdout)
	go s.pumpStdio(p, "stderr", stderr)
	go s.ipcReadLoop(p)
	go s.waitLoop(p)

	slog.Info("worker spawned", "bot_id", p.botID, "pid", cmd.Process.Pid,
		"token", profile.MaskToken(p.token))
	return nil
}

// pumpStdio copies one child stdio stream into the worker's ring log.
func (s *Supervisor) pumpStdio(p *workerProc, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.log.Append(line)
		if s.profile.VerboseLogging {
			slog.Info("worker stdio", "bot_id", p.botID, "stream", stream, "line", line)
		}
	}
}

// ipcReadLoop consumes worker envelopes until the pipe closes.
func (s *Supervisor) ipcReadLoop(p *workerProc) {
	for {
		env, err := p.conn.Receive()
		if err != nil {
			return
		}
		switch env.Type {
		case ipc.TypeReady:
			select {
			case <-p.ready:
			default:
				close(p.ready)
			}
		case ipc.TypeBotInfo:
			var info ipc.BotInfoPayload
			if env.DecodePayload(&info) == nil {
				p.mu.Lock()
				p.info = info
				p.mu.Unlock()
			}
		case ipc.TypeHealthResponse:
			var health ipc.HealthPayload
			if env.DecodePayload(&health) == nil {
				select {
				case p.health <- health:
				default:
				}
			}
		case ipc.TypeLogMessage, ipc.TypeError:
			var lp ipc.LogPayload
			if env.DecodePayload(&lp) == nil {
				p.log.Append(lp.Message)
				if env.Type == ipc.TypeError {
					slog.Warn("worker error", "bot_id", p.botID, "message", lp.Message)
					p.mu.Lock()
					p.lastError = lp.Message
					p.mu.Unlock()
				}
			}
		case ipc.TypeStatusUpdate:
			// informational only
		default:
			slog.Debug("unexpected ipc envelope from worker", "bot_id", p.botID, "type", env.Type)
		}
	}
}

// waitLoop reaps the child and decides whether to restart it.
func (s *Supervisor) waitLoop(p *workerProc) {
	err := p.cmd.Wait()
	_ = p.conn.Close()

	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	p.mu.Lock()
	wasStopping := p.status == StatusStopping
	if exitCode == 0 {
		p.status = StatusStopped
	} else {
		p.status = StatusError
		p.lastError = fmt.Sprintf("exited with code %d", exitCode)
	}
	p.osPid = 0
	p.mu.Unlock()
	close(p.exited)

	slog.Info("worker exited", "bot_id", p.botID, "code", exitCode)

	if exitCode == 0 || wasStopping {
		return
	}
	s.maybeRestart(p)
}

// maybeRestart re-spawns a crashed worker after a delay, at most once per
// delay window. A worker that crashes again right after its respawn is left
// in error state instead of looping.
func (s *Supervisor) maybeRestart(p *workerProc) {
	if !s.shouldRestart(p.botID) {
		slog.Warn("worker crashed again within restart window, giving up", "bot_id", p.botID)
		return
	}

	slog.Info("restarting crashed worker", "bot_id", p.botID, "delay", restartDelay)
	time.Sleep(restartDelay)
	if err := s.StartBot(p.botID, p.token); err != nil {
		slog.Error("crash restart failed", "bot_id", p.botID, "error", err)
	}
	// Recorded after the respawn, so the window measures how long the new
	// process survived rather than how long ago the crash was noticed.
	s.recordRestart(p.botID)
}

// shouldRestart reports whether a crashed worker may be respawned: never
// while shutting down, and not when the previous crash respawn happened
// within the restart window.
func (s *Supervisor) shouldRestart(botID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	return time.Since(s.lastRestart[botID]) >= restartDelay
}

// recordRestart marks the moment a crash respawn completed.
func (s *Supervisor) recordRestart(botID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRestart[botID] = time.Now()
}

// StopBot shuts a worker down gracefully, escalating to SIGKILL after the
// grace period.
func (s *Supervisor) StopBot(botID string) error {
	s.mu.Lock()
	p, ok := s.workers[botID]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown worker %s", botID)
	}

	st := p.snapshot().Status
	if st != StatusRunning && st != StatusStarting {
		return errors.Errorf("worker %s is %s", botID, st)
	}
	p.setStatus(StatusStopping)

	if env, err := ipc.NewEnvelope(ipc.TypeShutdown, botID, nil); err == nil {
		_ = p.conn.Send(env)
	}

	select {
	case <-p.exited:
	case <-time.After(stopGrace):
		slog.Warn("worker ignored shutdown, killing", "bot_id", botID)
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	p.setStatus(StatusStopped)
	return nil
}

// RestartBot stops and re-starts a worker with the same token.
func (s *Supervisor) RestartBot(botID string) error {
	s.mu.Lock()
	p, ok := s.workers[botID]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown worker %s", botID)
	}

	if st := p.snapshot().Status; st == StatusRunning || st == StatusStarting {
		if err := s.StopBot(botID); err != nil {
			return err
		}
	}
	time.Sleep(restartMinGap)
	return s.StartBot(botID, p.token)
}

// HealthCheck pings a worker over IPC; false means no response in time.
func (s *Supervisor) HealthCheck(botID string) (ipc.HealthPayload, bool) {
	s.mu.Lock()
	p, ok := s.workers[botID]
	s.mu.Unlock()
	if !ok || p.snapshot().Status != StatusRunning {
		return ipc.HealthPayload{}, false
	}

	// Drain a stale response left from a timed-out check.
	select {
	case <-p.health:
	default:
	}

	env, err := ipc.NewEnvelope(ipc.TypeHealthCheck, botID, nil)
	if err != nil {
		return ipc.HealthPayload{}, false
	}
	if err := p.conn.Send(env); err != nil {
		return ipc.HealthPayload{}, false
	}

	select {
	case health := <-p.health:
		return health, true
	case <-time.After(healthTimeout):
		return ipc.HealthPayload{}, false
	}
}

// AddBot validates nothing itself; the caller validates the token. The new
// worker gets the next free bot index and the token list is persisted.
func (s *Supervisor) AddBot(token string) (string, error) {
	s.mu.Lock()
	index := len(s.workers)
	for {
		if _, taken := s.workers[profile.BotID(index)]; !taken {
			break
		}
		index++
	}
	botID := profile.BotID(index)
	s.mu.Unlock()

	if err := s.StartBot(botID, token); err != nil {
		return "", err
	}
	if err := s.persistTokens(); err != nil {
		slog.Error("token persistence failed", "error", err)
	}
	return botID, nil
}

// RemoveBot stops a worker and drops its token from the persisted list.
func (s *Supervisor) RemoveBot(botID string) error {
	s.mu.Lock()
	p, ok := s.workers[botID]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown worker %s", botID)
	}

	if st := p.snapshot().Status; st == StatusRunning || st == StatusStarting {
		if err := s.StopBot(botID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	delete(s.workers, botID)
	s.mu.Unlock()

	if err := s.persistTokens(); err != nil {
		slog.Error("token persistence failed", "error", err)
	}
	return nil
}

// persistTokens writes the current fleet's tokens back to the env file.
func (s *Supervisor) persistTokens() error {
	if s.profile.EnvFile == "" {
		return nil
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		tokens = append(tokens, s.workers[id].token)
	}
	s.mu.Unlock()

	return WriteTokens(s.profile.EnvFile, tokens)
}

// Reload re-reads the env file and reconciles the fleet against it.
func (s *Supervisor) Reload() error {
	if s.profile.EnvFile == "" {
		return errors.New("no env file to reload from")
	}
	tokens, err := ReadTokens(s.profile.EnvFile)
	if err != nil {
		return err
	}
	s.reconcile(tokens)
	return nil
}

// reconcile stops workers whose token vanished and starts workers for new
// tokens.
func (s *Supervisor) reconcile(tokens []string) {
	want := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		want[t] = struct{}{}
	}

	s.mu.Lock()
	have := make(map[string]string, len(s.workers)) // token -> botID
	for id, p := range s.workers {
		have[p.token] = id
	}
	s.mu.Unlock()

	for token, botID := range have {
		if _, keep := want[token]; !keep {
			slog.Info("token removed, stopping worker", "bot_id", botID)
			if err := s.StopBot(botID); err != nil {
				slog.Warn("reconcile stop failed", "bot_id", botID, "error", err)
			}
			s.mu.Lock()
			delete(s.workers, botID)
			s.mu.Unlock()
		}
	}
	for _, token := range tokens {
		if _, running := have[token]; !running {
			if _, err := s.AddBot(token); err != nil {
				slog.Warn("reconcile start failed", "token", profile.MaskToken(token), "error", err)
			}
		}
	}
}

func (s *Supervisor) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.profile.TokenMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(); err != nil {
				slog.Warn("token reconciliation failed", "error", err)
			}
		}
	}
}

// StartAll starts every worker that is not currently running.
func (s *Supervisor) StartAll() {
	for _, info := range s.Workers() {
		if info.Status == StatusRunning || info.Status == StatusStarting {
			continue
		}
		s.mu.Lock()
		p := s.workers[info.BotID]
		s.mu.Unlock()
		if err := s.StartBot(p.botID, p.token); err != nil {
			slog.Error("start failed", "bot_id", p.botID, "error", err)
		}
	}
}

// StopAll shuts the whole fleet down.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.shuttingDown = true
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.StopBot(id); err != nil {
				slog.Debug("stop skipped", "bot_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()

	s.mu.Lock()
	s.shuttingDown = false
	s.mu.Unlock()
}

// RestartAll restarts every known worker.
func (s *Supervisor) RestartAll() {
	for _, info := range s.Workers() {
		if err := s.RestartBot(info.BotID); err != nil {
			slog.Error("restart failed", "bot_id", info.BotID, "error", err)
		}
	}
}

// Workers returns status snapshots sorted by bot id.
func (s *Supervisor) Workers() []WorkerInfo {
	s.mu.Lock()
	procs := make([]*workerProc, 0, len(s.workers))
	for _, p := range s.workers {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	infos := make([]WorkerInfo, len(procs))
	for i, p := range procs {
		infos[i] = p.snapshot()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].BotID < infos[j].BotID })
	return infos
}

// Logs returns the buffered stdio lines for one worker.
func (s *Supervisor) Logs(botID string) ([]string, error) {
	s.mu.Lock()
	p, ok := s.workers[botID]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("unknown worker %s", botID)
	}
	return p.log.Lines(), nil
}

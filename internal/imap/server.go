package imap

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/skylarkmail/skylark/internal/logging"
)

// serverState orders the connection lifecycle. States move forward,
// except that a failed SELECT drops selected back to initialised;
// shutdown is the terminal sink.
type serverState int

const (
	stateDisconnected serverState = iota
	stateConnected
	stateAuthenticated
	stateInitialised
	stateSelected
	stateShutdown
)

func (s serverState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnected:
		return "connected"
	case stateAuthenticated:
		return "authenticated"
	case stateInitialised:
		return "initialised"
	case stateSelected:
		return "selected"
	case stateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ServerConfig configures one authenticated IMAP connection.
type ServerConfig struct {
	Transport TransportConfig

	// Session supplies credentials.
	Session Session

	// AuthMechanism forces a SASL mechanism ("PLAIN", "XOAUTH2", ...).
	// Empty selects LOGIN, or PLAIN when the server disables LOGIN.
	AuthMechanism string

	// MaxCommands caps how many commands may be active at once.
	MaxCommands int

	// UseIdle / UseQresync are the master enables for the extensions.
	UseIdle    bool
	UseQresync bool

	// TagPrefix is the per-connection tag letter, A..Z.
	TagPrefix byte
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Transport:   DefaultTransportConfig(),
		MaxCommands: 3,
		UseIdle:     true,
		UseQresync:  true,
		TagPrefix:   'A',
	}
}

// Server is one authenticated IMAP connection: the stream, the reader
// goroutine, the command queues and the SELECT state. Jobs are
// enqueued on it by the connection manager.
type Server struct {
	cfg ServerConfig
	log zerolog.Logger

	stream *Stream
	tk     *Tokenizer

	// queueLock guards the queues, the in-flight literal pointer, the
	// SELECT state, the job list, the connection state and all writes
	// to the stream.
	queueLock sync.Mutex

	pending commandQueue
	active  commandQueue
	done    commandQueue

	// literal is the command whose next part awaits a continuation.
	// At most one exists per connection.
	literal *Command

	tagCounter uint16

	state serverState
	caps  CapabilitySet

	folders       map[string]*Folder
	selected      *Folder
	selectPending *Folder

	// Volatile per-mailbox state from the current SELECT.
	permanentFlags     Flags
	permanentUserFlags map[string]bool
	uidValidity        uint32
	uidNext            uint32
	highestModSeq      uint64
	exists             uint32
	recent             uint32
	unseen             uint32
	readOnly           bool

	jobs []*Job

	idle *idleEngine

	namespaces *Namespaces

	greetOnce sync.Once
	greeted   chan struct{}

	// upgradeTLS asks the reader to wrap the stream after the pending
	// STARTTLS completion.
	upgradeTLS bool

	ctx      context.Context
	cancel   context.CancelFunc
	shutErr  error
	shutOnce sync.Once

	// Manager callbacks.
	onShutdown      func(s *Server, err error)
	onSelectChanged func(s *Server, folder string)
	onNewMail       func(s *Server, f *Folder)
}

// NewServer creates a Server; Connect establishes the connection.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxCommands <= 0 {
		cfg.MaxCommands = 3
	}
	if cfg.TagPrefix < 'A' || cfg.TagPrefix > 'Z' {
		cfg.TagPrefix = 'A'
	}
	s := &Server{
		cfg:     cfg,
		log:     logging.WithComponent("imap-server").With().Str("tag", string(cfg.TagPrefix)).Logger(),
		folders: make(map[string]*Folder),
		greeted: make(chan struct{}),
	}
	s.idle = newIdleEngine(s)
	return s
}

// Caps returns the server's advertised capability set.
func (s *Server) Caps() CapabilitySet {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	return s.caps
}

// Namespaces returns the parsed NAMESPACE response, if any.
func (s *Server) Namespaces() *Namespaces {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	return s.namespaces
}

// State returns the connection state.
func (s *Server) State() serverState {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	return s.state
}

// JobCount reports outstanding jobs, for pool load balancing.
func (s *Server) JobCount() int {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	return len(s.jobs)
}

// Connect dials, waits for the greeting, negotiates STARTTLS and
// capabilities, authenticates and initialises the connection.
func (s *Server) Connect(ctx context.Context) error {
	src, err := dialTransport(ctx, s.cfg.Transport)
	if err != nil {
		return err
	}
	return s.connectStream(ctx, src)
}

// connectStream runs the connection setup over an established
// transport.
func (s *Server) connectStream(ctx context.Context, src io.ReadWriteCloser) error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stream = NewStream(src)
	s.tk = NewTokenizer(s.stream)

	s.log.Debug().
		Str("host", s.cfg.Transport.Host).
		Int("port", s.cfg.Transport.Port).
		Str("security", string(s.cfg.Transport.Security)).
		Msg("Connected, waiting for greeting")

	go s.readLoop()
	go s.idle.run(s.ctx)

	select {
	case <-s.greeted:
	case <-ctx.Done():
		s.Shutdown(transportCtxErr(ctx.Err()))
		return transportCtxErr(ctx.Err())
	}

	s.queueLock.Lock()
	state := s.state
	haveCaps := s.caps.Bits != 0
	s.queueLock.Unlock()
	if state == stateShutdown {
		return s.shutdownError()
	}

	if !haveCaps {
		if _, err := s.runSimple(ctx, newCommand("CAPABILITY", 0)); err != nil {
			return err
		}
	}

	if s.cfg.Transport.Security == SecurityStartTLS {
		if err := s.startTLS(ctx); err != nil {
			s.Shutdown(err)
			return err
		}
	}

	if state != stateAuthenticated { // PREAUTH greeting skips login
		if err := s.authenticate(ctx); err != nil {
			s.Shutdown(err)
			return err
		}
	}

	if err := s.initialise(ctx); err != nil {
		s.Shutdown(err)
		return err
	}

	s.log.Info().
		Str("host", s.cfg.Transport.Host).
		Strs("caps", s.Caps().Names()).
		Msg("IMAP connection initialised")
	return nil
}

// startTLS upgrades the connection when the server supports it.
// Failure is fatal to the connection.
func (s *Server) startTLS(ctx context.Context) error {
	if !s.Caps().Has(CapStartTLS) {
		return &Error{Kind: KindTransport, msg: "server does not offer STARTTLS"}
	}

	// The upgrade flag is raised by the completion callback, so the
	// reader only performs the handshake after the OK was dispatched.
	cmd := newCommand("STARTTLS", 0)
	cmd.complete = func(c *Command) {
		if c.Err == nil && c.Status.Err() == nil {
			s.queueLock.Lock()
			s.upgradeTLS = true
			s.queueLock.Unlock()
		}
	}

	st, err := s.runSimple(ctx, cmd)
	if err != nil {
		return err
	}

	// Capabilities from before the upgrade are untrusted. Reuse a
	// bundled CAPABILITY response code when present, ask otherwise.
	s.queueLock.Lock()
	if st.Capabilities != nil {
		s.caps = *st.Capabilities
	} else {
		s.caps = CapabilitySet{}
	}
	haveCaps := s.caps.Bits != 0
	s.queueLock.Unlock()

	if !haveCaps {
		if _, err := s.runSimple(ctx, newCommand("CAPABILITY", 0)); err != nil {
			return err
		}
	}
	return nil
}

// capLoginDisabled is registered lazily; LOGINDISABLED is not one of
// the pre-seeded bits.
var capLoginDisabled = RegisterCapability("LOGINDISABLED")

// authenticate logs the connection in, preferring the configured SASL
// mechanism, falling back to LOGIN.
func (s *Server) authenticate(ctx context.Context) error {
	if s.cfg.Session == nil {
		return authError(fmt.Errorf("no session for credentials"))
	}

	mechanism := strings.ToUpper(s.cfg.AuthMechanism)
	if mechanism == "" && s.Caps().Has(capLoginDisabled) {
		mechanism = "PLAIN"
	}

	var cmd *Command
	if mechanism != "" {
		client, err := s.cfg.Session.SASL(mechanism)
		if err != nil {
			return authError(err)
		}
		cmd = newCommand("AUTHENTICATE", 0)
		cmd.addAuth(mechanism, client)
	} else {
		user, pass, err := s.cfg.Session.LoginCredentials()
		if err != nil {
			return authError(err)
		}
		cmd = newCommand("LOGIN", 0)
		cmd.addString(user)
		cmd.addString(pass)
	}

	s.log.Debug().Str("mechanism", mechanism).Msg("Authenticating")
	st, err := s.runSimple(ctx, cmd)
	if err != nil {
		if kind, ok := ErrKind(err); ok && kind == KindServerRejection {
			return authError(err)
		}
		return err
	}

	s.queueLock.Lock()
	s.state = stateAuthenticated
	bundled := st.Capabilities != nil
	if bundled {
		s.caps = *st.Capabilities
	}
	s.queueLock.Unlock()

	// Capabilities may change after login.
	if !bundled {
		if _, err := s.runSimple(ctx, newCommand("CAPABILITY", 0)); err != nil {
			return err
		}
	}
	return nil
}

// initialise issues the post-auth housekeeping: NAMESPACE and the
// CONDSTORE/QRESYNC enable.
func (s *Server) initialise(ctx context.Context) error {
	if s.Caps().Has(CapNamespace) {
		if _, err := s.runSimple(ctx, newCommand("NAMESPACE", 0)); err != nil {
			return err
		}
	}
	if s.cfg.UseQresync && s.Caps().Has(CapQresync) {
		cmd := newCommand("ENABLE", 0)
		cmd.addAtom("CONDSTORE")
		cmd.addAtom("QRESYNC")
		if _, err := s.runSimple(ctx, cmd); err != nil {
			return err
		}
	}
	s.queueLock.Lock()
	if s.state < stateInitialised {
		s.state = stateInitialised
	}
	s.queueLock.Unlock()
	return nil
}

// runSimple enqueues a command and blocks until its completion,
// returning the parsed status. NO/BAD become errors.
func (s *Server) runSimple(ctx context.Context, cmd *Command) (*StatusInfo, error) {
	cmd.close()
	doneCh := make(chan struct{})
	prev := cmd.complete
	cmd.complete = func(c *Command) {
		if prev != nil {
			prev(c)
		}
		close(doneCh)
	}

	s.queueLock.Lock()
	if s.state == stateShutdown {
		s.queueLock.Unlock()
		return nil, s.shutdownError()
	}
	s.enqueueLocked(cmd)
	s.queueLock.Unlock()

	select {
	case <-doneCh:
	case <-ctx.Done():
		return nil, transportCtxErr(ctx.Err())
	}
	if cmd.Err != nil {
		return nil, cmd.Err
	}
	if err := cmd.Status.Err(); err != nil {
		return cmd.Status, err
	}
	return cmd.Status, nil
}

// RegisterFolder makes a folder handle available to the scheduler and
// response handlers under its name.
func (s *Server) RegisterFolder(f *Folder) {
	s.queueLock.Lock()
	s.folders[f.Name] = f
	s.queueLock.Unlock()
}

// RunJob registers and starts a job on this server. The job's start
// hook issues its first commands; Wait on the job for completion.
func (s *Server) RunJob(job *Job) error {
	s.queueLock.Lock()
	if s.state == stateShutdown {
		s.queueLock.Unlock()
		return s.shutdownError()
	}
	s.jobs = append(s.jobs, job)
	s.queueLock.Unlock()

	s.log.Debug().
		Str("job", job.ID).
		Str("type", job.Type.String()).
		Str("folder", job.Folder).
		Msg("Starting job")

	if job.start == nil {
		s.removeJob(job)
		return internalErrorf("job %s has no start hook", job.Type)
	}
	if err := job.start(s); err != nil {
		s.removeJob(job)
		job.fail(err)
		return err
	}
	return nil
}

func (s *Server) removeJob(job *Job) {
	s.queueLock.Lock()
	for i, j := range s.jobs {
		if j == job {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			break
		}
	}
	s.queueLock.Unlock()
}

// enqueue adds a job-built command to the pending queue and pokes the
// scheduler.
func (s *Server) enqueue(cmd *Command) {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	if s.state == stateShutdown {
		s.failCommandLocked(cmd, s.shutErr)
		return
	}
	s.enqueueLocked(cmd)
}

func (s *Server) enqueueLocked(cmd *Command) {
	cmd.close()
	if cmd.tag == "" {
		s.tagCounter++
		cmd.tag = formatTag(s.cfg.TagPrefix, s.tagCounter)
	}
	if cmd.job != nil {
		cmd.job.commandStarted()
	}
	s.pending.insertSorted(cmd)
	if s.idle.workArrived() {
		// IDLE is winding down; its continuation or completion will
		// re-run the scheduler.
		return
	}
	s.scheduleLocked()
}

// jobFetchExclusive are the job types that must not run concurrently
// on one server: their untagged FETCH responses are indistinguishable.
func jobFetchExclusive(t JobType) bool {
	return t == JobFetchNewMessages || t == JobRefreshInfo || t == JobFetchMessages
}

// duplicateSuppressedLocked reports whether cmd must wait because an
// exclusive fetch job already has an active command.
func (s *Server) duplicateSuppressedLocked(cmd *Command) bool {
	if cmd.job == nil || !jobFetchExclusive(cmd.job.Type) {
		return false
	}
	for _, c := range s.active.items {
		if c.job != nil && c.job != cmd.job && jobFetchExclusive(c.job.Type) {
			return true
		}
	}
	return false
}

// scheduleLocked is the scheduling step of §"the heart of the core":
// run whenever queue state changes, with queueLock held.
func (s *Server) scheduleLocked() {
	if s.state == stateShutdown {
		return
	}
	// Nothing may be written between the STARTTLS OK and the reader's
	// handshake; the reader re-runs the scheduler once upgraded.
	if s.upgradeTLS {
		return
	}
	// 1. A partially-written command owns the wire; the continuation
	// will advance it.
	if s.literal != nil {
		return
	}

	// 2. SELECT in flight: only folder-agnostic commands may start.
	if s.selectPending != nil {
		minPri := math.MinInt
		for _, cmd := range append([]*Command(nil), s.pending.items...) {
			if s.active.len() >= s.cfg.MaxCommands {
				break
			}
			if cmd.SelectFolder != "" {
				if cmd.Priority > minPri {
					minPri = cmd.Priority
				}
				continue
			}
			if cmd.Priority < minPri {
				continue
			}
			s.startCommandLocked(cmd)
			if s.literal != nil {
				return
			}
		}
		return
	}

	// 3. Nothing to do: consider entering IDLE.
	if s.pending.len() == 0 {
		if s.active.len() == 0 && s.selected != nil &&
			s.cfg.UseIdle && s.caps.Has(CapIdle) && !s.idle.active() {
			s.idle.schedulerQuiet()
		}
		return
	}

	// 4. Work arrived while idling: wind IDLE down first; its
	// completion re-runs the scheduler.
	if s.idle.active() {
		s.idle.workArrived()
		return
	}

	// 5. A folder is selected: start matching or agnostic commands in
	// priority order, never behind a higher-priority out-of-folder
	// command.
	if s.selected != nil {
		minPri := s.active.maxPriority(math.MinInt)
		var firstMismatch *Command
		for _, cmd := range append([]*Command(nil), s.pending.items...) {
			if s.active.len() >= s.cfg.MaxCommands {
				return
			}
			if cmd.SelectFolder != "" && cmd.SelectFolder != s.selected.Name {
				if firstMismatch == nil {
					firstMismatch = cmd
				}
				if cmd.Priority > minPri {
					minPri = cmd.Priority
				}
				continue
			}
			if cmd.Priority < minPri {
				continue
			}
			if s.duplicateSuppressedLocked(cmd) {
				continue
			}
			s.startCommandLocked(cmd)
			if s.literal != nil {
				return
			}
		}
		// Nothing matched and an out-of-folder command waits: once the
		// active queue drains, re-select for it.
		if firstMismatch != nil && s.active.len() == 0 {
			s.initiateSelectLocked(firstMismatch.SelectFolder)
		}
		return
	}

	// 6. No folder selected: the head of the queue decides. An
	// affinity head drives a SELECT; agnostic commands just start.
	head := s.pending.peek()
	if head == nil {
		return
	}
	if head.SelectFolder != "" {
		s.initiateSelectLocked(head.SelectFolder)
		return
	}
	for _, cmd := range append([]*Command(nil), s.pending.items...) {
		if s.active.len() >= s.cfg.MaxCommands {
			return
		}
		if cmd.SelectFolder != "" {
			break
		}
		s.startCommandLocked(cmd)
		if s.literal != nil {
			return
		}
	}
}

// startCommandLocked moves cmd from pending to active and writes it.
func (s *Server) startCommandLocked(cmd *Command) {
	s.pending.remove(cmd)
	s.active.push(cmd)
	s.log.Debug().
		Str("cmdTag", cmd.tag).
		Str("cmd", cmd.Name).
		Int("pri", cmd.Priority).
		Msg("Starting command")
	if err := s.writeCommandLocked(cmd); err != nil {
		// Mid-command write failures are fatal to the connection.
		s.shutdownLocked(err)
	}
}

// writeCommandLocked writes cmd from its current part onward, stopping
// when a literal needs a continuation. Caller holds queueLock.
func (s *Server) writeCommandLocked(cmd *Command) error {
	if !cmd.closed {
		return internalErrorf("command %s written before close", cmd.Name)
	}
	if cmd.cur == 0 && !cmd.parts[0].textSent {
		if err := s.writeLocked([]byte(cmd.tag + " ")); err != nil {
			return err
		}
	}
	for cmd.cur < len(cmd.parts) {
		p := cmd.parts[cmd.cur]
		if !p.textSent {
			if err := s.writeLocked(p.text); err != nil {
				return err
			}
			p.textSent = true
		}
		switch p.kind {
		case partInline:
			cmd.cur++
			if cmd.cur == len(cmd.parts) {
				if err := s.writeLocked([]byte("\r\n")); err != nil {
					return err
				}
			}
		case partAuth:
			if !p.headerSent {
				p.headerSent = true
				if err := s.writeLocked([]byte("\r\n")); err != nil {
					return err
				}
				s.literal = cmd
				return nil
			}
			// Continuations are answered in respondAuthLocked; nothing
			// advances the cursor until the tagged completion.
			return nil
		default: // literal payloads
			litPlus := s.caps.Has(CapLiteralPlus)
			if !p.headerSent {
				p.headerSent = true
				if litPlus {
					header := fmt.Sprintf("{%d+}\r\n", p.literalSize)
					if err := s.writeLocked([]byte(header)); err != nil {
						return err
					}
					if err := s.writePayloadLocked(p); err != nil {
						return err
					}
					cmd.cur++
					continue
				}
				header := fmt.Sprintf("{%d}\r\n", p.literalSize)
				if err := s.writeLocked([]byte(header)); err != nil {
					return err
				}
				s.literal = cmd
				return nil
			}
			// Continuation arrived for a synchronizing literal.
			if err := s.writePayloadLocked(p); err != nil {
				return err
			}
			cmd.cur++
		}
	}
	if s.literal == cmd {
		s.literal = nil
	}
	return nil
}

// writePayloadLocked streams one literal payload to the wire. The
// byte count must match the {n} header exactly.
func (s *Server) writePayloadLocked(p *commandPart) error {
	switch p.kind {
	case partLiteralString:
		return s.writeLocked([]byte(p.payloadStr))
	case partLiteralFile:
		f, err := os.Open(p.payloadPath)
		if err != nil {
			return transportError(err)
		}
		defer f.Close()
		if _, err := io.CopyN(s.stream, f, int64(p.literalSize)); err != nil {
			return transportError(err)
		}
		return nil
	case partLiteralReader:
		return p.payloadSrc.WriteTo(s.stream)
	default:
		return internalErrorf("part kind %d has no payload", p.kind)
	}
}

func (s *Server) writeLocked(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := s.stream.Write(b)
	return err
}

// writeDone writes the IDLE terminator. Called from the idle engine
// with its own lock held; stream writes are not re-entrant with the
// queue lock, which every DONE path already holds or does not need.
func (s *Server) writeDone() {
	if _, err := s.stream.WriteString("DONE\r\n"); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write DONE")
	}
}

// buildIdleCommand creates the IDLE command bound to the selected
// folder.
func (s *Server) buildIdleCommand() *Command {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	cmd := newCommand("IDLE", PriorityNoop)
	if s.selected != nil {
		cmd.SelectFolder = s.selected.Name
	}
	cmd.close()
	s.tagCounter++
	cmd.tag = formatTag(s.cfg.TagPrefix, s.tagCounter)
	cmd.complete = func(c *Command) {
		s.idle.completed()
		s.queueLock.Lock()
		s.scheduleLocked()
		s.queueLock.Unlock()
	}
	return cmd
}

// startIdleCommand writes the IDLE command directly to the active
// queue, bypassing pending: the scheduler already decided the wire is
// quiet.
func (s *Server) startIdleCommand(cmd *Command) {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	if s.state == stateShutdown {
		return
	}
	s.active.push(cmd)
	if err := s.writeLocked([]byte(cmd.tag + " IDLE\r\n")); err != nil {
		s.shutdownLocked(err)
	}
}

// readLoop is the parser goroutine: it owns the read side of the
// stream for the connection's lifetime.
func (s *Server) readLoop() {
	for {
		tok, err := s.tk.NextToken()
		if err != nil {
			s.Shutdown(err)
			return
		}
		switch tok.Type {
		case TokenNewline:
			continue
		case TokenStar:
			err = s.handleUntagged()
		case TokenPlus:
			err = s.handleContinuation()
		case TokenAtom:
			err = s.handleTagged(string(tok.Value))
		default:
			err = protocolErrorf("unexpected token %s at response start", tok)
		}
		if err != nil {
			s.Shutdown(err)
			return
		}
		if s.maybeUpgradeTLS() {
			continue
		}
		s.queueLock.Lock()
		done := s.state == stateShutdown
		s.queueLock.Unlock()
		if done {
			return
		}
	}
}

// maybeUpgradeTLS performs the STARTTLS handshake from the reader
// goroutine right after the STARTTLS completion was dispatched.
// Holding queueLock keeps writers off the wire during the handshake.
func (s *Server) maybeUpgradeTLS() bool {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	if !s.upgradeTLS || s.literal != nil {
		return false
	}
	s.upgradeTLS = false
	src, err := starttlsUpgrade(s.streamSource(), s.cfg.Transport)
	if err != nil {
		s.shutdownLocked(err)
		return false
	}
	s.stream.Upgrade(src)
	s.log.Debug().Msg("STARTTLS upgrade complete")
	s.scheduleLocked()
	return true
}

func (s *Server) streamSource() io.ReadWriteCloser { return s.stream.src }

// handleContinuation processes a '+' line: advance the literal
// command, answer a SASL challenge, drive IDLE, or skip an unsolicited
// continuation.
func (s *Server) handleContinuation() error {
	// The rest of the line is the continuation text (SASL challenge or
	// human babble).
	challenge, err := s.readRestOfLine()
	if err != nil {
		return err
	}

	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	if s.literal != nil {
		cmd := s.literal
		p := cmd.parts[cmd.cur]
		if p.kind == partAuth {
			return s.respondAuthLocked(cmd, p, challenge)
		}
		s.literal = nil
		if err := s.writeCommandLocked(cmd); err != nil {
			return err
		}
		if s.literal == nil {
			s.scheduleLocked()
		}
		return nil
	}

	if s.idle.continuation() {
		return nil
	}

	s.log.Debug().Str("text", string(challenge)).Msg("Unsolicited continuation, skipping")
	return nil
}

// respondAuthLocked answers one SASL challenge on the wire.
func (s *Server) respondAuthLocked(cmd *Command, p *commandPart, challenge []byte) error {
	challenge = []byte(strings.TrimSpace(string(challenge)))
	var resp []byte
	if !p.saslStarted {
		p.saslStarted = true
		_, ir, err := p.sasl.Start()
		if err != nil {
			return authError(err)
		}
		if len(challenge) == 0 && ir != nil {
			resp = ir
		} else {
			decoded, err := base64.StdEncoding.DecodeString(string(challenge))
			if err != nil {
				return authError(fmt.Errorf("bad challenge: %w", err))
			}
			resp, err = p.sasl.Next(decoded)
			if err != nil {
				return authError(err)
			}
		}
	} else {
		decoded, err := base64.StdEncoding.DecodeString(string(challenge))
		if err != nil {
			return authError(fmt.Errorf("bad challenge: %w", err))
		}
		resp, err = p.sasl.Next(decoded)
		if err != nil {
			return authError(err)
		}
	}
	encoded := base64.StdEncoding.EncodeToString(resp)
	return s.writeLocked([]byte(encoded + "\r\n"))
}

// readRestOfLine collects the remainder of the current line, without
// the CRLF.
func (s *Server) readRestOfLine() ([]byte, error) {
	var out []byte
	for {
		frag, more, err := s.stream.ReadLine()
		if err != nil {
			return nil, err
		}
		out = append(out, frag...)
		if !more {
			break
		}
	}
	for len(out) > 0 && (out[len(out)-1] == '\n' || out[len(out)-1] == '\r') {
		out = out[:len(out)-1]
	}
	return out, nil
}

// handleTagged processes a tagged completion line.
func (s *Server) handleTagged(tag string) error {
	tok, err := s.tk.NextToken()
	if err != nil {
		return err
	}
	if tok.Type != TokenAtom {
		return protocolErrorf("expected status after tag %s, got %s", tag, tok)
	}
	result, ok := parseStatusResult(string(tok.Value))
	if !ok {
		return protocolErrorf("unknown tagged status %q", tok.Value)
	}
	st, err := parseStatus(s.tk, result, s.log)
	if err != nil {
		return err
	}

	s.queueLock.Lock()
	cmd := s.active.removeByTag(tag)
	if cmd == nil {
		s.queueLock.Unlock()
		s.log.Warn().Str("cmdTag", tag).Msg("Completion for unknown tag")
		return nil
	}
	if s.literal == cmd {
		s.literal = nil
	}
	cmd.Status = st
	s.applyStatusLocked(st)
	s.done.push(cmd)
	s.queueLock.Unlock()

	s.log.Debug().
		Str("cmdTag", tag).
		Str("cmd", cmd.Name).
		Str("result", st.Result.String()).
		Msg("Command completed")

	// Completion callbacks run without the queue lock so they may
	// enqueue follow-up commands.
	if cmd.complete != nil {
		cmd.complete(cmd)
	}
	if cmd.job != nil {
		cmd.job.commandDone(st.Err())
		if cmd.job.Finished() {
			s.removeJob(cmd.job)
		}
	}

	s.queueLock.Lock()
	s.done.remove(cmd)
	if st.Result == StatusBye {
		s.shutdownLocked(&Error{Kind: KindTransport, msg: "server sent BYE"})
	} else {
		s.scheduleLocked()
	}
	s.queueLock.Unlock()
	return nil
}

// failCommandLocked delivers a local failure to a command.
func (s *Server) failCommandLocked(cmd *Command, err error) {
	cmd.Err = err
	if cmd.complete != nil {
		go cmd.complete(cmd)
	}
	if cmd.job != nil {
		go cmd.job.commandDone(err)
	}
}

// Shutdown tears the connection down, cancelling every outstanding
// command and job with err.
func (s *Server) Shutdown(err error) {
	s.queueLock.Lock()
	s.shutdownLocked(err)
	s.queueLock.Unlock()
}

func (s *Server) shutdownLocked(err error) {
	if s.state == stateShutdown {
		return
	}
	if err == nil {
		err = ErrDisconnected
	}
	s.state = stateShutdown
	s.shutErr = err

	if !IsCancelled(err) {
		s.log.Warn().Err(err).Msg("Connection shutting down")
	} else {
		s.log.Debug().Msg("Connection shutting down")
	}

	s.idle.shutdown()

	var cancelled []*Command
	cancelled = append(cancelled, s.pending.drain()...)
	cancelled = append(cancelled, s.active.drain()...)
	s.literal = nil
	for _, cmd := range cancelled {
		s.failCommandLocked(cmd, err)
	}
	jobs := s.jobs
	s.jobs = nil
	for _, job := range jobs {
		go job.fail(err)
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.stream != nil {
		_ = s.stream.Close()
	}

	// A connect waiting on the greeting must not block forever.
	s.greetOnce.Do(func() { close(s.greeted) })

	s.shutOnce.Do(func() {
		if s.onShutdown != nil {
			cb := s.onShutdown
			go cb(s, err)
		}
	})
}

func (s *Server) shutdownError() error {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	if s.shutErr != nil {
		return s.shutErr
	}
	return ErrShutdown
}

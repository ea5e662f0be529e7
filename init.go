package subprocess

import (
	"context"
	"errors"
	"os"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/hashicorp/go-subprocess/internal/forkexec"
	"github.com/hashicorp/go-subprocess/internal/pipeio"
	"github.com/hashicorp/go-subprocess/internal/watcher"
)

// Option configures New.
type Option func(*options)

type options struct {
	logger hclog.Logger
}

// WithLogger attaches a logger; the default is silent (hclog.NewNullLogger),
// since a library must not force logging on an embedding application.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New runs the Initialization Pipeline (§4.8): it provisions stdin/stdout/
// stderr, starts the termination watcher paused, forks and execs, then
// either unwinds everything on failure or hands the watcher the freshly
// spawned Subprocess to notify.
func New(ctx context.Context, params Params, opts ...Option) (*Subprocess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o := options{logger: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger.Named("subprocess")

	p := &pipeline{
		log:             log,
		closeAfterSpawn: mapset.NewThreadUnsafeSet[int](),
		devnullFD:       -1,
	}
	defer p.closeAfterSpawnSet()

	stdinFD, stdin, err := p.provisionStdin(params.Stdin)
	if err != nil {
		p.closeProvisioned()
		return nil, newInitError(StageStdin, "failed to provision stdin", err)
	}

	stdoutFD, stdout, err := p.provisionStream(params.Stdout)
	if err != nil {
		p.closeProvisioned()
		return nil, newInitError(StageStdout, "failed to provision stdout", err)
	}

	stderrFD, stderr, err := p.provisionStream(params.Stderr)
	if err != nil {
		p.closeProvisioned()
		return nil, newInitError(StageStderr, "failed to provision stderr", err)
	}

	w := watcher.Start(log)

	argv := params.Arguments.Build(params.ExecutablePath)
	envp := params.Environment.Build()

	pid, spawnErr := forkexec.Spawn(forkexec.Request{
		Path:   params.ExecutablePath,
		Argv:   argv,
		Envp:   envp,
		Stdin:  stdinFD,
		Stdout: stdoutFD,
		Stderr: stderrFD,
	})

	if spawnErr != nil {
		w.Cancel()
		p.closeProvisioned()

		stage := StageFork
		var fe *forkexec.Error
		if errors.As(spawnErr, &fe) && fe.Op == forkexec.OpChildExec {
			stage = StageExec
		}
		return nil, newInitError(stage, "spawn failed", spawnErr)
	}

	sub := &Subprocess{
		pid:    pid,
		log:    log.With("pid", pid),
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	}

	// From here only termination closes the parent-side pipe ends; the
	// child-end descriptors are closed below via closeAfterSpawnSet's
	// deferred run, same as the success and failure paths above.
	w.Resume(pid, sub)

	return sub, nil
}

// pipeline accumulates the Initialization Pipeline's close-after-spawn
// descriptor set (§4.8 step 1) as provisioning proceeds, and tracks every
// parent-side stream object created so a later failure can unwind them.
type pipeline struct {
	log             hclog.Logger
	closeAfterSpawn mapset.Set[int]
	devnullFD       int
	provisioned     []interface{ Close() error }
}

// closeAfterSpawnSet closes every descriptor accumulated for close-after-
// spawn, regardless of whether the spawn succeeded. Errors are logged, not
// returned: by the time this runs, the caller has already been given (or
// denied) a Subprocess, and a failed close on an fd the parent no longer
// needs is not actionable.
func (p *pipeline) closeAfterSpawnSet() {
	p.closeAfterSpawn.Each(func(fd int) bool {
		if err := unix.Close(fd); err != nil {
			p.log.Debug("close-after-spawn failed", "fd", fd, "err", err)
		}
		return false
	})
}

// closeProvisioned closes every parent-side stream object built so far. Only
// called on an initialization failure, where there is no Subprocess and no
// watcher to own their lifetime afterwards. Close errors are accumulated
// with multierror and logged together: unlike the termination callback's
// best-effort closes (the child is already dead there, so reporting is
// useless), a failure here is diagnostic of a broken environment and worth
// seeing in full rather than only its first error.
func (p *pipeline) closeProvisioned() {
	var result *multierror.Error
	for _, c := range p.provisioned {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		p.log.Debug("closing provisioned streams after init failure", "err", err)
	}
}

func (p *pipeline) devnull() (int, error) {
	if p.devnullFD >= 0 {
		return p.devnullFD, nil
	}
	fd, err := unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	p.devnullFD = fd
	p.closeAfterSpawn.Add(fd)
	return fd, nil
}

// provisionStdin returns the descriptor the child should receive as fd 0,
// and the parent-side Input to expose (nil unless PipeFromParent was
// requested).
func (p *pipeline) provisionStdin(cfg StdinConfig) (childFD int, in *Input, err error) {
	switch cfg.kind {
	case stdinNone:
		fd, err := p.devnull()
		return fd, nil, err

	case stdinPipeFromParent:
		r, w, err := pipe()
		if err != nil {
			return -1, nil, err
		}
		p.closeAfterSpawn.Add(r)
		if err := pipeio.SetNonblocking(w); err != nil {
			_ = unix.Close(w)
			return -1, nil, err
		}
		if err := pipeio.SetBufferSize(w, cfg.pipe.size); err != nil {
			_ = unix.Close(w)
			return -1, nil, err
		}
		in = newInput(w)
		p.provisioned = append(p.provisioned, in)
		return r, in, nil

	case stdinReadFromFile:
		if cfg.file.close {
			p.closeAfterSpawn.Add(cfg.file.fd)
		}
		return cfg.file.fd, nil, nil

	default:
		panic("subprocess: unknown stdin config kind")
	}
}

// provisionStream mirrors provisionStdin for stdout/stderr.
func (p *pipeline) provisionStream(cfg StreamConfig) (childFD int, out *Output, err error) {
	switch cfg.kind {
	case streamDiscard:
		fd, err := p.devnull()
		return fd, nil, err

	case streamPipeToParent:
		r, w, err := pipe()
		if err != nil {
			return -1, nil, err
		}
		p.closeAfterSpawn.Add(w)
		if err := pipeio.SetNonblocking(r); err != nil {
			_ = unix.Close(r)
			return -1, nil, err
		}
		if err := pipeio.SetBufferSize(w, cfg.pipe.size); err != nil {
			_ = unix.Close(r)
			return -1, nil, err
		}
		out = newOutput(r)
		p.provisioned = append(p.provisioned, out)
		return w, out, nil

	case streamWriteToFile:
		if cfg.file.close {
			p.closeAfterSpawn.Add(cfg.file.fd)
		}
		return cfg.file.fd, nil, nil

	default:
		panic("subprocess: unknown stream config kind")
	}
}

func pipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

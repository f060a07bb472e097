package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/sheerbytes/coldvault/internal/catalog"
	"github.com/sheerbytes/coldvault/internal/checksum"
	"github.com/sheerbytes/coldvault/internal/config"
	"github.com/sheerbytes/coldvault/internal/ingest"
	"github.com/sheerbytes/coldvault/internal/queue"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

type command struct {
	name    string
	summary string
	usage   string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{name: "seed", summary: "create the configured storage providers", usage: "seed", run: runSeed},
	{name: "register", summary: "register the files under a directory", usage: "register [-enqueue] <path>", run: runRegister},
	{name: "fixity", summary: "compute fixity checksums", usage: "fixity [-enqueue] [-force] <source-id>...", run: stageRunner(queue.StageFixity)},
	{name: "prepare", summary: "prepare transfers for source objects", usage: "prepare [-enqueue] <source-id>...", run: stageRunner(queue.StagePrepare)},
	{name: "transfer", summary: "run pending transfers", usage: "transfer [-enqueue] <pending-transfer-id>...", run: stageRunner(queue.StageTransfer)},
	{name: "verify", summary: "verify stored objects with the remote fixity service", usage: "verify <stored-object-id>...", run: stageRunner(queue.StageVerify)},
	{name: "worker", summary: "resume unfinished work and run it to completion", usage: "worker [-retry-failed]", run: runWorker},
}

// usageError is returned for malformed command lines.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// Run executes the subcommand named in opts.Args and returns the process
// exit code.
func Run(ctx context.Context, opts config.Options, stdout, stderr io.Writer) int {
	if len(opts.Args) == 0 {
		PrintUsage(stderr)
		return ExitUsage
	}
	name, args := opts.Args[0], opts.Args[1:]
	cmd, ok := lookup(name)
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n", name)
		PrintUsage(stderr)
		return ExitUsage
	}

	a, err := newApp(opts, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "coldvault: %v\n", err)
		return ExitFailure
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error("close", "error", err)
		}
	}()
	return a.exec(ctx, cmd, args, stderr)
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func (a *app) exec(ctx context.Context, cmd command, args []string, stderr io.Writer) int {
	err := cmd.run(ctx, a, args)
	var ue *usageError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ue), errors.Is(err, flag.ErrHelp):
		if ue != nil {
			fmt.Fprintf(stderr, "coldvault %s: %v\n", cmd.name, ue)
		}
		fmt.Fprintf(stderr, "usage: coldvault [global flags] %s\n", cmd.usage)
		return ExitUsage
	default:
		fmt.Fprintf(stderr, "coldvault %s: %v\n", cmd.name, err)
		return ExitFailure
	}
}

// PrintUsage lists the subcommands.
func PrintUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: coldvault [-config FILE] [-db FILE] [-log-level LEVEL] [-workers N] <command> [args]")
	fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", c.name, c.summary)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return err
	}
	return &usageError{msg: err.Error()}
}

func parseIDs(args []string) ([]uint64, error) {
	if len(args) == 0 {
		return nil, usagef("at least one id is required")
	}
	ids := make([]uint64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || id == 0 {
			return nil, usagef("invalid id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runSeed(_ context.Context, a *app, args []string) error {
	if len(args) > 0 {
		return usagef("seed takes no arguments")
	}
	for _, ref := range a.pipeline.ProviderRefs() {
		kind, err := ref.Kind()
		if err != nil {
			return err
		}
		p, err := a.store.EnsureStorageProvider(kind, ref.ContainerName)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%d\t%s\t%s\n", p.ID, p.Kind, p.Container)
	}
	return nil
}

func runRegister(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("register")
	enqueue := fs.Bool("enqueue", false, "run the whole pipeline for the registered files")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usagef("exactly one path is required")
	}

	r := ingest.NewRegistrar(a.store, a.queue, a.logger)
	sum, err := r.Register(ctx, fs.Arg(0), *enqueue)
	fmt.Fprintf(a.stdout, "registered %d, already registered %d\n", sum.Registered, sum.Existing)
	if err != nil {
		return err
	}
	if *enqueue {
		return a.drain(ctx)
	}
	return nil
}

// stageRunner runs one stage for the ids on the command line. With
// -enqueue every later stage runs too.
func stageRunner(stage queue.Stage) func(ctx context.Context, a *app, args []string) error {
	return func(ctx context.Context, a *app, args []string) error {
		fs := newFlagSet(string(stage))
		var enqueue, force *bool
		if stage != queue.StageVerify {
			enqueue = fs.Bool("enqueue", false, "run the following stages too")
		}
		if stage == queue.StageFixity {
			force = fs.Bool("force", false, "recompute checksums that are already recorded")
		}
		if err := parseFlags(fs, args); err != nil {
			return err
		}
		ids, err := parseIDs(fs.Args())
		if err != nil {
			return err
		}

		for _, id := range ids {
			job := queue.NewJob(stage, id, enqueue != nil && *enqueue)
			job.Force = force != nil && *force
			if err := a.queue.Enqueue(ctx, job); err != nil {
				return err
			}
		}
		before := make(map[uint64]catalog.PendingTransfer)
		if stage == queue.StageTransfer {
			for _, id := range ids {
				if t, err := a.store.PendingTransfer(id); err == nil {
					before[id] = t
				}
			}
		}
		runErr := a.drain(ctx)
		for _, id := range ids {
			a.report(stage, id, before)
		}
		return runErr
	}
}

// report prints the recorded outcome of a stage for one record. before
// holds pending transfers as they were ahead of the run, since a finished
// transfer is removed from the catalog.
func (a *app) report(stage queue.Stage, id uint64, before map[uint64]catalog.PendingTransfer) {
	switch stage {
	case queue.StageFixity:
		src, err := a.store.SourceObject(id)
		if err != nil || !src.HasFixity() {
			return
		}
		fmt.Fprintf(a.stdout, "%d\t%s\t%s\t%s\n", src.ID, src.FixityAlgorithm, checksum.Hex(src.FixityValue), src.Path)
	case queue.StagePrepare:
		transfers, err := a.store.PendingTransfers("")
		if err != nil {
			return
		}
		for _, t := range transfers {
			if t.SourceObjectID == id {
				fmt.Fprintf(a.stdout, "%d\t%s\t%s\n", t.ID, t.Status, checksum.AWSString(t.TransferValue, t.PartCount))
			}
		}
	case queue.StageTransfer:
		if t, err := a.store.PendingTransfer(id); err == nil {
			fmt.Fprintf(a.stdout, "%d\t%s\t%s\n", t.ID, t.Status, t.ErrorMessage)
			return
		}
		t, ok := before[id]
		if !ok {
			return
		}
		obj, err := a.store.StoredObjectFor(t.SourceObjectID, t.StorageProviderID)
		if err != nil {
			return
		}
		fmt.Fprintf(a.stdout, "%d\tstored\t%s\n", id, obj.Path)
	case queue.StageVerify:
		v, err := a.store.VerificationFor(id)
		if err != nil {
			return
		}
		fmt.Fprintf(a.stdout, "%d\t%s\t%s\n", id, v.Status, v.ErrorMessage)
	}
}

// runWorker queues every unfinished piece of work found in the catalog and
// runs it: fixity for unchecksummed sources, prepare for the rest so newly
// configured providers get copies, and interrupted pending transfers.
func runWorker(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("worker")
	retryFailed := fs.Bool("retry-failed", false, "also retry transfers that failed")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return usagef("worker takes no arguments")
	}

	sources, err := a.store.SourceObjects()
	if err != nil {
		return err
	}
	for _, src := range sources {
		stage := queue.StagePrepare
		if !src.HasFixity() {
			stage = queue.StageFixity
		}
		if err := a.queue.Enqueue(ctx, queue.NewJob(stage, src.ID, true)); err != nil {
			return err
		}
	}

	transfers, err := a.store.PendingTransfers("")
	if err != nil {
		return err
	}
	resumed := 0
	for _, t := range transfers {
		if t.Status == catalog.TransferFailure && !*retryFailed {
			continue
		}
		if err := a.queue.Enqueue(ctx, queue.NewJob(queue.StageTransfer, t.ID, true)); err != nil {
			return err
		}
		resumed++
	}
	a.logger.Info("worker starting", "sources", len(sources), "transfers", resumed, "workers", a.opts.Workers)
	return a.drain(ctx)
}

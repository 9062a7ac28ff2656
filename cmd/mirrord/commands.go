package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/artifact-mirror/cache"
	"github.com/wolfeidau/artifact-mirror/config"
	"github.com/wolfeidau/artifact-mirror/job"
	"github.com/wolfeidau/artifact-mirror/scheduler"
)

// jobClient is the subset of job operations the CLI needs. It is served by
// the local store or by a running server's admin API.
type jobClient interface {
	Enqueue(ctx context.Context, mirrorType string, force bool) (uint64, error)
	Cancel(ctx context.Context, id uint64) error
	Get(ctx context.Context, id uint64) (*job.Job, error)
	List(ctx context.Context, f job.Filter) ([]*job.Job, error)
}

// localJobs adapts a job store and scheduler to jobClient.
type localJobs struct {
	job.Store
	sched *scheduler.Scheduler
}

func (l localJobs) Enqueue(ctx context.Context, mirrorType string, force bool) (uint64, error) {
	return l.sched.Enqueue(ctx, mirrorType, force)
}

func (l localJobs) Cancel(ctx context.Context, id uint64) error {
	return l.sched.Cancel(ctx, id)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// SyncCmd enqueues a sync job.
type SyncCmd struct {
	Mirror string        `arg:"" help:"Mirror type to sync."`
	Force  bool          `help:"Re-download artifacts that already validate, and skip active-job deduplication."`
	Wait   bool          `help:"Wait for the job to finish. Without --server the job runs in this process."`
	Poll   time.Duration `help:"Status poll interval with --server --wait." default:"2s"`
}

func (c *SyncCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	if g.Server != "" {
		client := newAdminClient(g.Server)
		id, err := client.Enqueue(ctx, c.Mirror, c.Force)
		if err != nil {
			return err
		}
		fmt.Printf("job %d enqueued for %s\n", id, c.Mirror)
		if !c.Wait {
			return nil
		}
		j, err := client.wait(ctx, id, c.Poll)
		if err != nil {
			return err
		}
		return reportJob(os.Stdout, j)
	}

	a, err := openApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.jobs()
	if err != nil {
		return err
	}
	runner, err := a.runner(ctx, store)
	if err != nil {
		return err
	}
	sched := scheduler.New(store, a.catalog, runner, scheduler.WithLogger(a.logger))

	id, err := sched.Enqueue(ctx, c.Mirror, c.Force)
	if err != nil {
		return err
	}
	fmt.Printf("job %d enqueued for %s\n", id, c.Mirror)
	if !c.Wait {
		return nil
	}
	if err := runner.Run(ctx, id); err != nil {
		return err
	}
	j, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	return reportJob(os.Stdout, j)
}

// reportJob prints a job summary and returns an error when it did not
// complete.
func reportJob(w io.Writer, j *job.Job) error {
	fmt.Fprintf(w, "job %d %s: %d total, %d synced, %d skipped, %d failed\n",
		j.ID, j.Status, j.Total, j.Succeeded, j.Skipped, j.Failed)
	if j.Status != job.StatusCompleted {
		if j.Error != "" {
			return fmt.Errorf("job %d %s: %s", j.ID, j.Status, j.Error)
		}
		return fmt.Errorf("job %d %s", j.ID, j.Status)
	}
	return nil
}

// ConfigCmd groups configuration commands.
type ConfigCmd struct {
	Check ConfigCheckCmd `cmd:"" help:"Validate configuration and print the effective settings."`
}

type ConfigCheckCmd struct {
	Quiet bool `short:"q" help:"Only report errors."`
}

func (c *ConfigCheckCmd) Run(g *Globals) error {
	cfg, err := config.Load(g.ConfigFile)
	if err != nil {
		return err
	}
	if c.Quiet {
		return nil
	}
	return printConfig(os.Stdout, cfg)
}

func printConfig(w io.Writer, cfg *config.Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "address:\t%s\n", cfg.Server.Address)
	fmt.Fprintf(tw, "data dir:\t%s\n", cfg.Storage.DataDir)
	fmt.Fprintf(tw, "job store:\t%s\n", cfg.Storage.JobStore)
	fmt.Fprintf(tw, "workers:\t%d\n", cfg.Sync.Workers)
	fmt.Fprintf(tw, "periodic:\t%t\n", cfg.Sync.Periodic)
	fmt.Fprintf(tw, "monitor:\t%t\n", cfg.Monitor.Enabled)
	fmt.Fprintf(tw, "log level:\t%s\n", cfg.Logging.Level)
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nmirrors (%d):\n", len(cfg.Mirrors))
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  TYPE\tARTIFACTS\tTEMPLATES\tINTERVAL")
	for _, m := range cfg.Mirrors {
		interval := "-"
		if m.Interval > 0 {
			interval = m.Interval.String()
		}
		fmt.Fprintf(tw, "  %s\t%d\t%d\t%s\n", m.Type, len(m.Artifacts), len(m.Templates), interval)
	}
	return tw.Flush()
}

// CacheCmd groups cache maintenance commands.
type CacheCmd struct {
	Stats CacheStatsCmd `cmd:"" help:"Show entry counts and size."`
	Clean CacheCleanCmd `cmd:"" help:"Remove expired entries."`
	Clear CacheClearCmd `cmd:"" help:"Remove every entry."`
}

type CacheStatsCmd struct{}

func (c *CacheStatsCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	var (
		stats cache.Stats
		err   error
	)
	if g.Server != "" {
		stats, err = newAdminClient(g.Server).CacheStats(ctx)
	} else {
		stats, err = withCache(g, func(s *cache.Store) (cache.Stats, error) {
			return s.Stats(ctx)
		})
	}
	if err != nil {
		return err
	}
	fmt.Printf("total: %d\nvalid: %d\nexpired: %d\nsize: %d bytes\n",
		stats.Total, stats.Valid, stats.Expired, stats.SizeBytes)
	return nil
}

type CacheCleanCmd struct{}

func (c *CacheCleanCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	n, err := withCache(g, func(s *cache.Store) (int, error) {
		return s.CleanExpired(ctx)
	})
	if err != nil {
		return err
	}
	fmt.Printf("removed %d expired entries\n", n)
	return nil
}

type CacheClearCmd struct{}

func (c *CacheClearCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	n, err := withCache(g, func(s *cache.Store) (int, error) {
		return s.Clear(ctx)
	})
	if err != nil {
		return err
	}
	fmt.Printf("removed %d entries\n", n)
	return nil
}

func withCache[T any](g *Globals, fn func(*cache.Store) (T, error)) (T, error) {
	var zero T
	a, err := openApp(g)
	if err != nil {
		return zero, err
	}
	defer a.Close()

	s, err := a.cache()
	if err != nil {
		return zero, err
	}
	return fn(s)
}

// JobsCmd groups job inspection commands.
type JobsCmd struct {
	List   JobsListCmd   `cmd:"" help:"List jobs, newest first."`
	Show   JobsShowCmd   `cmd:"" help:"Show a job with its log."`
	Cancel JobsCancelCmd `cmd:"" help:"Cancel a pending or running job."`
}

// withJobs runs fn against the server when --server is set, otherwise
// against the configured job store.
func withJobs(g *Globals, fn func(context.Context, jobClient) error) error {
	ctx, stop := signalContext()
	defer stop()

	if g.Server != "" {
		return fn(ctx, newAdminClient(g.Server))
	}

	a, err := openApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.jobs()
	if err != nil {
		return err
	}
	sched := scheduler.New(store, a.catalog, nil, scheduler.WithLogger(a.logger))
	return fn(ctx, localJobs{Store: store, sched: sched})
}

type JobsListCmd struct {
	Mirror string   `help:"Only jobs for this mirror type."`
	Status []string `help:"Only jobs in these statuses (pending, running, completed, failed, cancelled)." sep:","`
	Limit  int      `help:"Maximum jobs to show." default:"20"`
}

func (c *JobsListCmd) Run(g *Globals) error {
	f := job.Filter{MirrorType: c.Mirror, Limit: c.Limit}
	for _, s := range c.Status {
		st := job.Status(strings.TrimSpace(s))
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		f.Status = append(f.Status, st)
	}
	return withJobs(g, func(ctx context.Context, jc jobClient) error {
		jobs, err := jc.List(ctx, f)
		if err != nil {
			return err
		}
		return printJobs(os.Stdout, jobs)
	})
}

func printJobs(w io.Writer, jobs []*job.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMIRROR\tSTATUS\tPROGRESS\tSYNCED\tSKIPPED\tFAILED\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d%%\t%d\t%d\t%d\t%s\n",
			j.ID, j.MirrorType, j.Status, j.Progress,
			j.Succeeded, j.Skipped, j.Failed,
			j.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

type JobsShowCmd struct {
	ID   uint64 `arg:"" help:"Job id."`
	JSON bool   `name:"json" help:"Print the job as JSON."`
}

func (c *JobsShowCmd) Run(g *Globals) error {
	return withJobs(g, func(ctx context.Context, jc jobClient) error {
		j, err := jc.Get(ctx, c.ID)
		if err != nil {
			return err
		}
		if c.JSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(j)
		}
		return printJob(os.Stdout, j)
	})
}

func printJob(w io.Writer, j *job.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%d\n", j.ID)
	fmt.Fprintf(tw, "mirror:\t%s\n", j.MirrorType)
	fmt.Fprintf(tw, "status:\t%s\n", j.Status)
	fmt.Fprintf(tw, "force:\t%t\n", j.Force)
	fmt.Fprintf(tw, "progress:\t%d%% (%d/%d)\n", j.Progress, j.Processed(), j.Total)
	fmt.Fprintf(tw, "results:\t%d synced, %d skipped, %d failed\n", j.Succeeded, j.Skipped, j.Failed)
	fmt.Fprintf(tw, "created:\t%s\n", j.CreatedAt.Local().Format(time.DateTime))
	if j.StartedAt != nil {
		fmt.Fprintf(tw, "started:\t%s\n", j.StartedAt.Local().Format(time.DateTime))
	}
	if j.CompletedAt != nil {
		fmt.Fprintf(tw, "completed:\t%s\n", j.CompletedAt.Local().Format(time.DateTime))
	}
	if j.Error != "" {
		fmt.Fprintf(tw, "error:\t%s\n", j.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(j.Log) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nlog:")
	for _, e := range j.Log {
		fmt.Fprintf(w, "  %s %-5s %s\n",
			e.Time.Local().Format(time.DateTime), strings.ToUpper(string(e.Level)), e.Message)
	}
	return nil
}

type JobsCancelCmd struct {
	ID uint64 `arg:"" help:"Job id."`
}

func (c *JobsCancelCmd) Run(g *Globals) error {
	return withJobs(g, func(ctx context.Context, jc jobClient) error {
		if err := jc.Cancel(ctx, c.ID); err != nil {
			return err
		}
		j, err := jc.Get(ctx, c.ID)
		if err != nil {
			return err
		}
		fmt.Printf("job %d %s\n", j.ID, j.Status)
		return nil
	})
}

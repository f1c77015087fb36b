package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/progress"
	"github.com/JakeFAU/grant-harvester/internal/server"
	"github.com/JakeFAU/grant-harvester/internal/service"
)

type crawlOptions struct {
	jobType  string
	maxDepth int
	prompt   string
	timeout  time.Duration
}

// newCrawlCmd runs a single job in-process and prints the finished job.
func newCrawlCmd() *cobra.Command {
	opts := crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Run one job to completion without the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawlCommand(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.jobType, "type", string(crawler.JobTypeTargetedScrape), "job type")
	cmd.Flags().IntVar(&opts.maxDepth, "max-depth", 0, "link hops from the seed (0 keeps the job type default)")
	cmd.Flags().StringVar(&opts.prompt, "prompt", "", "extra extraction instructions for ai_extract")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Minute, "give up after this long")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, url string, opts crawlOptions) error {
	env, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	cfg := env.Config
	cfg.Monitors = nil

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	app, err := server.Build(ctx, cfg, env.Logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer app.Close(context.WithoutCancel(ctx))

	workers := make(chan error, 1)
	workerCtx, stopWorkers := context.WithCancel(ctx)
	go func() { workers <- app.RunWorkers(workerCtx) }()
	defer func() {
		stopWorkers()
		if werr := <-workers; werr != nil {
			env.Logger.Warn("workers stopped with error", zap.Error(werr))
		}
	}()

	req := service.CreateRequest{SourceURL: url, Type: crawler.JobType(opts.jobType)}
	if opts.maxDepth > 0 {
		req.Config.MaxDepth = &opts.maxDepth
	}
	if opts.prompt != "" {
		req.Config.ExtractionPrompt = &opts.prompt
	}

	job, err := awaitJob(ctx, app.Service(), req)
	if err != nil {
		return err
	}
	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")
	if err := out.Encode(job); err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if job.Status != crawler.JobStatusCompleted {
		return fmt.Errorf("job %s finished %s: %s", job.ID, job.Status, job.ErrorMessage)
	}
	return nil
}

// awaitJob creates the job and blocks until it reaches a terminal status.
func awaitJob(ctx context.Context, svc *service.JobService, req service.CreateRequest) (crawler.Job, error) {
	job, err := svc.CreateJob(ctx, req)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	finished := make(chan struct{}, 1)
	unsubscribe := svc.SubscribeToJobUpdates(job.ID, func(evt progress.Event) {
		if evt.Terminal() {
			select {
			case finished <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// The job may have finished before the subscription existed.
	if current, err := svc.GetJob(ctx, job.ID); err == nil && current.Status.Terminal() {
		return current, nil
	}
	select {
	case <-finished:
	case <-ctx.Done():
		if _, cerr := svc.CancelJob(context.WithoutCancel(ctx), job.ID); cerr != nil {
			return crawler.Job{}, errors.Join(ctx.Err(), cerr)
		}
		return crawler.Job{}, fmt.Errorf("job %s: %w", job.ID, ctx.Err())
	}
	current, err := svc.GetJob(ctx, job.ID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return current, nil
}

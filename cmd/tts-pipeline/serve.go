package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bus consumers, the dispatch limiter and the callback webhook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cmd.SetContext(ctx)

			return withPipeline(cmd, opts, serve)
		},
	}
}

// serve runs the worker pool and the webhook until a signal arrives or either fails.
func serve(ctx context.Context, p *pipeline) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.log.System("tts-pipeline starting")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		runErr error
	)

	record := func(err error) {
		if err == nil {
			return
		}

		mu.Lock()
		runErr = errors.Join(runErr, err)
		mu.Unlock()
		cancel()
	}

	wg.Add(2)

	go func() {
		defer wg.Done()
		record(p.pool.Run(ctx))
	}()

	go func() {
		defer wg.Done()
		record(p.webhook.Run(ctx))
	}()

	wg.Wait()

	if runErr != nil {
		p.log.Error("tts-pipeline stopped with error: %v", runErr)

		return runErr
	}

	p.log.System("tts-pipeline stopped")

	return nil
}

package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/krobus00/market-feed-relay/internal/entity"
	"github.com/sirupsen/logrus"
)

type operation func(ctx context.Context) error

// gracefulShutdown blocks on a termination signal, then runs every cleanup op
// concurrently. The process exits if the ops outlive timeout.
func gracefulShutdown(ctx context.Context, timeout time.Duration, ops map[string]operation) <-chan struct{} {
	wait := make(chan struct{})
	go func() {
		s := make(chan os.Signal, 1)
		signal.Notify(s, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		sig := <-s

		logrus.WithField("signal", sig.String()).Info("shutting down")

		timeoutFunc := time.AfterFunc(timeout, func() {
			logrus.Error(fmt.Sprintf("timeout %d ms has been elapsed, force exit", timeout.Milliseconds()))
			os.Exit(0)
		})
		defer timeoutFunc.Stop()

		var wg sync.WaitGroup
		for key, op := range ops {
			wg.Add(1)
			go func(key string, op operation) {
				defer wg.Done()

				logrus.Info(fmt.Sprintf("cleaning up: %s", key))
				if err := op(ctx); err != nil {
					logrus.Error(fmt.Sprintf("%s: clean up failed: %s", key, err.Error()))
					return
				}

				logrus.Info(fmt.Sprintf("%s was shutdown gracefully", key))
			}(key, op)
		}

		wg.Wait()
		close(wait)
	}()

	return wait
}

func initPublishers(ctx context.Context, publishers ...entity.Publisher) error {
	for _, p := range publishers {
		if err := p.JetstreamEventInit(ctx); err != nil {
			return err
		}
	}

	return nil
}

func initSubscribers(ctx context.Context, subscribers ...entity.Subscriber) error {
	for _, s := range subscribers {
		if err := s.JetstreamEventSubscribe(ctx); err != nil {
			return err
		}
	}

	return nil
}

func startRunners(ctx context.Context, runners ...entity.Runner) {
	for _, r := range runners {
		go r.Run(ctx)
	}
}

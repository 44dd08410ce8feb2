package main

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/distlock/lockkeeper/internal/svcfields"
	"github.com/distlock/lockkeeper/locker"
	"github.com/distlock/lockkeeper/memlock"
	"github.com/distlock/lockkeeper/task"
)

func newRunCommand(baseLogger pslog.Logger) *cobra.Command {
	v := newViper("LOCKKEEPER")
	var lockName string
	var noWait bool

	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a command to completion while holding the lock, then release it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := settingsFromViper(v)
			if err != nil {
				return err
			}
			logger := svcfields.WithSubsystem(baseLogger, "cli.run")

			waiting := locker.Wait
			if noWait {
				waiting = locker.NoWait
			}

			payload := func(ctx context.Context) error {
				return commandFromArgs(ctx, args).Run()
			}

			f, err := task.Start(lockName, memlock.New(nil), settings, payload, locker.SingleAttempt, waiting,
				task.WithLogger(logger),
			)
			if err != nil {
				return err
			}

			stopWatch := make(chan struct{})
			defer close(stopWatch)
			go func() {
				select {
				case <-cmd.Context().Done():
					f.Cancel()
				case <-stopWatch:
				}
			}()

			runErr := f.Get()
			lastHeld := f.Locker().LockRefreshTime()
			lastHeldDesc := "never"
			if !lastHeld.IsZero() {
				lastHeldDesc = humanize.Time(lastHeld)
			}
			logger.Info("lockkeeper.run.finished",
				"state", f.State().String(),
				"run_id", f.RunID(),
				"lock_last_held", lastHeldDesc,
			)
			return runErr
		},
	}
	cmd.Flags().StringVar(&lockName, "name", "lockkeeper-run", "lock name shared by cooperating processes")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "give up without running the command if the first attempt finds the lock held")
	addSettingsFlags(cmd, v)
	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/distlock/lockkeeper/locker"
)

func addSettingsFlags(cmd *cobra.Command, v *viper.Viper) {
	var flags *pflag.FlagSet = cmd.Flags()
	flags.Duration("acquire-interval", 500*time.Millisecond, "delay between acquisition attempts while unlocked")
	flags.Duration("acquire-interval-critical", 2*time.Second, "delay after a hard acquire failure")
	flags.Duration("lock-ttl", 15*time.Second, "TTL requested from the backend on each acquire")
	flags.Duration("forced-stop-margin", 3*time.Second, "grace period past lock-ttl before the watchdog declares loss")
	flags.Duration("prolong-interval", 5*time.Second, "delay between renewal attempts; must be less than lock-ttl")

	_ = v.BindPFlag("acquire_interval", flags.Lookup("acquire-interval"))
	_ = v.BindPFlag("acquire_interval_critical", flags.Lookup("acquire-interval-critical"))
	_ = v.BindPFlag("lock_ttl", flags.Lookup("lock-ttl"))
	_ = v.BindPFlag("forced_stop_margin", flags.Lookup("forced-stop-margin"))
	_ = v.BindPFlag("prolong_interval", flags.Lookup("prolong-interval"))
}

func settingsFromViper(v *viper.Viper) (locker.Settings, error) {
	s := locker.Settings{
		AcquireInterval:         v.GetDuration("acquire_interval"),
		AcquireIntervalCritical: v.GetDuration("acquire_interval_critical"),
		LockTTL:                 v.GetDuration("lock_ttl"),
		ForcedStopMargin:        v.GetDuration("forced_stop_margin"),
		ProlongInterval:         v.GetDuration("prolong_interval"),
	}
	if err := s.Validate(); err != nil {
		return locker.Settings{}, fmt.Errorf("lockkeeper: invalid settings: %w", err)
	}
	return s, nil
}

func newViper(envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v
}

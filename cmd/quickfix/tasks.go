package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/patrykniedzwiecki/quickfix/internal/log"
	"github.com/patrykniedzwiecki/quickfix/internal/model"
	"github.com/patrykniedzwiecki/quickfix/internal/parallel"
	"github.com/patrykniedzwiecki/quickfix/internal/quickfix"
	"github.com/patrykniedzwiecki/quickfix/internal/service"
	"github.com/patrykniedzwiecki/quickfix/internal/walk"
)

var applyCmd = &cobra.Command{
	Use:   "apply <file|glob|dir>...",
	Short: "apply deploys, enables and cleans up a patch set",
	RunE:  doApply,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <bundle>...",
	Short: "revoke disables and removes the active patch of bundles",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRevoke,
}

var infoCmd = &cobra.Command{
	Use:   "info <bundle>",
	Short: "info prints the active patch of a bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  doInfo,
}

// outcome is the result of a single task.
type outcome struct {
	ID     string
	Bundle string
	Code   model.ResultCode
}

func doApply(cmd *cobra.Command, args []string) error {
	sets, err := cmd.Flags().GetStringArray("set")
	if err != nil {
		return err
	}
	groups, err := patchSets(cmd.Context(), args, sets)
	if err != nil {
		return err
	}

	return runTasks(cmd.Context(), "apply", groups, func(ctx context.Context, m *quickfix.Manager, files []string) (*quickfix.Task, error) {
		return m.Apply(ctx, files)
	})
}

func doRevoke(cmd *cobra.Command, args []string) error {
	return runTasks(cmd.Context(), "revoke", args, func(ctx context.Context, m *quickfix.Manager, bundle string) (*quickfix.Task, error) {
		return m.Revoke(ctx, bundle)
	})
}

func doInfo(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), commandAttrs("info"))
	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Do(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	info, err := svc.Manager().Info(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

// runTasks starts one task per input, at most quickfix.parallelism at once,
// and waits for all of them. Every result is published on the configured
// sinks as well.
func runTasks[E any](ctx context.Context, name string, inputs []E, start func(context.Context, *quickfix.Manager, E) (*quickfix.Task, error)) error {
	ctx = log.ContextAttrs(ctx, commandAttrs(name))
	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- svc.Do(runCtx)
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "quick fix service failed", "error", err)
		}
	}()

	wait := func(ctx context.Context, in E) (outcome, error) {
		t, err := start(ctx, svc.Manager(), in)
		if err != nil {
			return outcome{}, err
		}
		select {
		case <-t.Done():
		case <-ctx.Done():
			return outcome{ID: t.ID()}, ctx.Err()
		}
		code, _ := t.Result()
		return outcome{ID: t.ID(), Bundle: t.Info().BundleName, Code: code}, nil
	}

	var errs []error
	for o, err := range parallel.NewMap(runCtx, config.QuickFix.Parallelism, wait).Iter(parallel.All(inputs)) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		slog.InfoContext(ctx, "task finished",
			"task_id", o.ID,
			"bundle_name", o.Bundle,
			"result", o.Code.String(),
			"reason", o.Code.Reason(),
		)
		if !o.Code.OK() {
			errs = append(errs, fmt.Errorf("task %s of %s: %s", o.ID, o.Bundle, o.Code.Reason()))
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// patchSets expands the positional arguments and every --set value into
// patch sets. Each --set value is a comma separated list of files, globs or
// directories.
func patchSets(ctx context.Context, args []string, sets []string) ([][]string, error) {
	var groups [][]string
	if len(args) > 0 {
		groups = append(groups, args)
	}
	for _, s := range sets {
		groups = append(groups, strings.Split(s, ","))
	}
	if len(groups) == 0 {
		return nil, errors.New("no patch files given")
	}

	ret := make([][]string, 0, len(groups))
	for _, patterns := range groups {
		files, err := expand(ctx, patterns)
		if err != nil {
			return nil, err
		}
		ret = append(ret, files)
	}
	return ret, nil
}

func expand(ctx context.Context, patterns []string) ([]string, error) {
	var files []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			found, err := walk.Files(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("walking %q: %w", p, err)
			}
			files = append(files, found...)
			continue
		}
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expanding %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", p)
		}
		files = append(files, matches...)
	}
	slices.Sort(files)
	files = slices.Compact(files)
	if len(files) == 0 {
		return nil, errors.New("empty patch set")
	}
	return files, nil
}

func commandAttrs(name string) slog.Attr {
	return slog.Group("quickfix",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
}

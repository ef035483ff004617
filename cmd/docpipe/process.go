package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/docpipe/internal/app"
	objectclient "github.com/markdave123-py/docpipe/internal/core/object-client"
	"github.com/markdave123-py/docpipe/internal/models"
)

type processFlags struct {
	tables     bool
	text       bool
	patterns   []string
	patternSet string
	params     []string
	workers    int
	chunk      int
	strategy   string
	noCache    bool
	async      bool
	wait       time.Duration
}

func processCmd(g *globals) *cobra.Command {
	f := &processFlags{}
	cmd := &cobra.Command{
		Use:   "process FILE...",
		Short: "Process documents and print their results as JSON",
		Long: `Process runs each FILE through the pipeline. A FILE may be a local path
or an s3://bucket/key URL. With --async the files are queued together and
the command waits for the whole batch.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(g.tenant)
			if err != nil {
				return err
			}
			sources, err := sourcesFor(args)
			if err != nil {
				return err
			}
			return g.withApp(cmd.Context(), func(a *app.App) error {
				if f.async {
					return runBatch(cmd, a, sources, opts, f.wait)
				}
				return runSequential(cmd, a, sources, opts)
			})
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.tables, "tables", false, "Extract tables")
	fl.BoolVar(&f.text, "text", false, "Return the document text")
	fl.StringArrayVar(&f.patterns, "pattern", nil, "Named pattern as name=regex (repeatable)")
	fl.StringVar(&f.patternSet, "pattern-set", "", "Named pattern set from PATTERNS_FILE")
	fl.StringArrayVar(&f.params, "param", nil, "Extractor parameter as key=value (repeatable)")
	fl.IntVar(&f.workers, "workers", 0, "Extraction workers (0 uses the configured default)")
	fl.IntVar(&f.chunk, "chunk", 0, "Pages per extraction range (0 uses the configured default)")
	fl.StringVar(&f.strategy, "strategy", "", "Force direct or streaming processing")
	fl.BoolVar(&f.noCache, "no-cache", false, "Bypass the result cache")
	fl.BoolVar(&f.async, "async", false, "Queue all files and wait for the batch")
	fl.DurationVar(&f.wait, "wait", 10*time.Minute, "Maximum time to wait for an async batch")
	return cmd
}

func (f *processFlags) options(tenant string) (models.Options, error) {
	patterns, err := keyValues("pattern", f.patterns)
	if err != nil {
		return models.Options{}, err
	}
	params, err := keyValues("param", f.params)
	if err != nil {
		return models.Options{}, err
	}
	return models.Options{
		ExtractTables: f.tables,
		ExtractText:   f.text,
		Patterns:      patterns,
		PatternSet:    f.patternSet,
		Params:        params,
		TenantID:      tenant,
		NoCache:       f.noCache,
		MaxWorkers:    f.workers,
		PageChunkSize: f.chunk,
		Strategy:      f.strategy,
	}, nil
}

func keyValues(flag string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--%s %q: want key=value", flag, p)
		}
		out[k] = v
	}
	return out, nil
}

func sourcesFor(args []string) ([]models.Source, error) {
	sources := make([]models.Source, 0, len(args))
	for _, arg := range args {
		if strings.HasPrefix(arg, "s3://") {
			bucket, key, err := objectclient.ParseObjectURL(arg)
			if err != nil {
				return nil, err
			}
			sources = append(sources, models.ObjectSource(bucket, key))
			continue
		}
		sources = append(sources, models.FileSource(arg))
	}
	return sources, nil
}

// runSequential prints one envelope per file. Failed envelopes are still
// printed; the command then exits non-zero.
func runSequential(cmd *cobra.Command, a *app.App, sources []models.Source, opts models.Options) error {
	results := make([]*models.ProcessingResult, 0, len(sources))
	failed := 0
	for _, src := range sources {
		res := a.Orchestrator.Process(cmd.Context(), src, opts)
		if res.Error != "" {
			failed++
		}
		results = append(results, res)
	}

	var out any = results
	if len(results) == 1 {
		out = results[0]
	}
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(sources))
	}
	return nil
}

func runBatch(cmd *cobra.Command, a *app.App, sources []models.Source, opts models.Options, wait time.Duration) error {
	ids, err := a.Orchestrator.ProcessBatch(cmd.Context(), sources, []models.Options{opts})
	if err != nil {
		return err
	}
	results := a.Orchestrator.WaitForBatch(cmd.Context(), ids, wait)

	unfinished := 0
	for _, r := range results {
		if r.Status != models.TaskCompleted {
			unfinished++
		}
	}
	if err := printJSON(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	if unfinished > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", unfinished, len(ids))
	}
	return nil
}

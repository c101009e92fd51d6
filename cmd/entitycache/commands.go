package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/c360/entitycache/config"
	"github.com/c360/entitycache/hierarchy"
	"github.com/c360/entitycache/identity"
	"github.com/c360/entitycache/mirror"
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string, out io.Writer) error
}

var commands = map[string]command{
	"stats":             {"print node counts, writer and lookup statistics as JSON", runStats},
	"roots":             {"list roots with their persistence", runRoots},
	"pending":           {"list pending changes in change order", runPending},
	"evict":             {"evict responses by age (--name, --older-than)", runEvict},
	"release-temporary": {"delete every temporary root and what it alone held", runReleaseTemporary},
	"remove-root":       {"delete a root and what it alone held (--name)", runRemoveRoot},
	"sync":              {"push pending changes to the remote service (--root)", runSync},
	"sweep-blobs":       {"delete blob payloads no cached entity owns", runSweepBlobs},
	"health":            {"print the cache health as JSON, failing when unhealthy", runHealth},
	"metrics":           {"print cache metrics in the Prometheus text format (--prefix)", runMetrics},
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stringList collects a repeated string flag
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStats(ctx context.Context, a *app, _ []string, out io.Writer) error {
	stats, err := a.cache.Stats(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, stats)
}

func runRoots(ctx context.Context, a *app, _ []string, out io.Writer) error {
	roots, err := mirror.Do(ctx, a.cache, "cli.roots", func(s *mirror.Session) ([]hierarchy.Root, error) {
		return s.ListRoots()
	}).Wait(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tPERSISTENCE\tNODE")
	for _, r := range roots {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\n", r.Name, r.Persistence, r.Node)
	}
	return tw.Flush()
}

func runPending(ctx context.Context, a *app, _ []string, out io.Writer) error {
	pending, err := mirror.Do(ctx, a.cache, "cli.pending", func(s *mirror.Session) ([]identity.RelationshipInfo, error) {
		return s.Pending(false)
	}).Wait(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CHANGE\tSTATUS\tLOCAL KEY\tREMOTE ID")
	for _, p := range pending {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.ChangeNumber, p.ChangeStatus, p.Key, p.Remote)
	}
	return tw.Flush()
}

func runEvict(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("evict", flag.ContinueOnError)
	var names stringList
	fs.Var(&names, "name", "response name to evict, repeatable; defaults to responses.evict_names")
	olderThan := fs.String("older-than", "", "evict responses last read before this age, e.g. 36h or 14d; defaults to responses.max_age")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(names) == 0 && *olderThan == "" {
		n, err := a.cache.EvictExpired(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "evicted %d responses\n", n)
		return nil
	}

	if len(names) == 0 {
		names = a.cfg.Responses.EvictNames
	}
	age := a.cfg.Responses.MaxAge
	if *olderThan != "" {
		d, err := config.ParseDuration(*olderThan)
		if err != nil {
			return fmt.Errorf("invalid --older-than: %w", err)
		}
		age = d
	}

	n, err := a.cache.EvictOlderThan(ctx, names, age)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "evicted %d responses\n", n)
	return nil
}

func runReleaseTemporary(ctx context.Context, a *app, _ []string, out io.Writer) error {
	n, err := mirror.Do(ctx, a.cache, "cli.release", func(s *mirror.Session) (int, error) {
		return s.ReleaseTemporaryRoots()
	}).Wait(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "deleted %d nodes\n", n)
	return nil
}

func runRemoveRoot(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("remove-root", flag.ContinueOnError)
	name := fs.String("name", "", "root to remove")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("remove-root needs --name")
	}
	n, err := mirror.Do(ctx, a.cache, "cli.remove-root", func(s *mirror.Session) (int, error) {
		return s.RemoveRoot(*name)
	}).Wait(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "deleted %d nodes\n", n)
	return nil
}

func runSync(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	var roots stringList
	fs.Var(&roots, "root", "sync only the changes held by this root, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	report, err := a.cache.SyncChanges(ctx, roots...)
	_, _ = fmt.Fprintf(out, "created %d, updated %d, deleted %d, failed %d\n",
		report.Created, report.Updated, report.Deleted, len(report.Failed))
	return err
}

func runSweepBlobs(ctx context.Context, a *app, _ []string, out io.Writer) error {
	n, err := a.cache.SweepBlobs(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "swept %d blobs\n", n)
	return nil
}

func runHealth(ctx context.Context, a *app, _ []string, out io.Writer) error {
	st := a.cache.Health(ctx)
	if err := writeJSON(out, st); err != nil {
		return err
	}
	if st.IsUnhealthy() {
		return fmt.Errorf("entity cache is %s", st.Status)
	}
	return nil
}

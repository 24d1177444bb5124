package main

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/s2e-env/modmap/pkg/exectrace"
	"github.com/s2e-env/modmap/pkg/modulemap"
	"github.com/s2e-env/modmap/pkg/util"
)

type annotateParams struct {
	trace   string
	output  string
	pretty  bool
	pathIDs []uint64
}

func addAnnotateParams(cmd *kingpin.CmdClause) *annotateParams {
	params := &annotateParams{}
	cmd.Arg("trace", "Decoded trace file (YAML or JSON).").Required().ExistingFileVar(&params.trace)
	cmd.Flag("output", "Where to write the annotated trace, - for stdout.").Short('o').Default("-").StringVar(&params.output)
	cmd.Flag("pretty", "Pretty print the generated json.").Default("false").BoolVar(&params.pretty)
	cmd.Flag("path-id", "Only annotate this execution path and its ancestors. Can be repeated.").Short('p').Uint64ListVar(&params.pathIDs)
	return params
}

type resolveParams struct {
	trace string
	pid   uint64
	pc    string
}

func addResolveParams(cmd *kingpin.CmdClause) *resolveParams {
	params := &resolveParams{}
	cmd.Arg("trace", "Decoded trace file (YAML or JSON).").Required().ExistingFileVar(&params.trace)
	cmd.Flag("pid", "Process id.").Required().Uint64Var(&params.pid)
	cmd.Flag("pc", "Runtime address, hex values are accepted.").Required().StringVar(&params.pc)
	return params
}

func loadTrace(path string) ([]exectrace.Entry, error) {
	entries, err := exectrace.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := exectrace.Validate(entries); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	level.Debug(logger).Log("msg", "trace loaded", "path", path, "entries", len(entries))
	return entries, nil
}

func newState(cfg modulemap.Config) (*exectrace.State, *modulemap.Metrics, error) {
	metrics := modulemap.NewMetrics(prometheus.NewRegistry())
	modules, err := modulemap.NewFromConfig(cfg, logger, metrics)
	if err != nil {
		return nil, nil, err
	}
	return exectrace.NewState(modules), metrics, nil
}

func replayTrace(cfg modulemap.Config, path string) (*exectrace.State, error) {
	entries, err := loadTrace(path)
	if err != nil {
		return nil, err
	}
	state, _, err := newState(cfg)
	if err != nil {
		return nil, err
	}
	if err := exectrace.Replay(entries, state); err != nil {
		return nil, err
	}
	return state, nil
}

func annotate(cfg modulemap.Config, params *annotateParams) error {
	entries, err := loadTrace(params.trace)
	if err != nil {
		return err
	}
	state, metrics, err := newState(cfg)
	if err != nil {
		return err
	}
	if len(params.pathIDs) > 0 {
		ids := lo.Map(params.pathIDs, func(id uint64, _ int) exectrace.StateID { return exectrace.StateID(id) })
		entries = exectrace.SelectPaths(entries, ids...)
		level.Debug(logger).Log("msg", "execution paths selected", "paths", fmt.Sprint(params.pathIDs))
	}
	annotated, err := exectrace.NewAnnotator(logger).Annotate(entries, state)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if params.output != "-" {
		f, err := os.Create(params.output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err := exectrace.WriteJSON(out, annotated, params.pretty); err != nil {
		return err
	}
	level.Info(logger).Log(
		"msg", "execution trace annotated",
		"output", params.output,
		"sections_added", counterValue(metrics.SectionsAdded),
		"section_conflicts", counterValue(metrics.SectionConflicts),
	)
	return nil
}

func resolve(cfg modulemap.Config, params *resolveParams) error {
	pc, err := parseAddress(params.pc)
	if err != nil {
		return fmt.Errorf("pc: %w", err)
	}
	state, err := replayTrace(cfg, params.trace)
	if err != nil {
		return err
	}
	mod, native, err := state.Modules.Resolve(modulemap.PidKey(params.pid), pc)
	if err != nil {
		return err
	}
	section, _ := mod.GetSection(pc)
	level.Debug(util.LoggerWithPid(params.pid, logger)).Log("msg", "address resolved", "pc", fmt.Sprintf("0x%x", pc), "module", mod)
	_, err = fmt.Fprintf(os.Stdout, "module=%s path=%s section=%s perms=%s native=0x%x\n",
		mod.Name, mod.Path, section.Name, section.Perms(), native)
	return err
}

func dump(cfg modulemap.Config, path string) error {
	state, err := replayTrace(cfg, path)
	if err != nil {
		return err
	}
	state.Modules.DumpLog(logger)
	state.Modules.Dump(os.Stdout)
	return nil
}

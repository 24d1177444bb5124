package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/s2e-env/modmap/pkg/util"
)

var cfg struct {
	verbose     bool
	configFile  string
	kernelStart string
}

var (
	consoleOutput = os.Stderr
	logger        = util.NewLogger(consoleOutput, true)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Resolves execution trace addresses to the modules loaded in the traced processes.").UsageWriter(os.Stdout)
	app.Version(version.Print("modmap"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("false").BoolVar(&cfg.verbose)
	app.Flag("config.file", "YAML file with the module map configuration.").StringVar(&cfg.configFile)
	app.Flag("kernel-start", "First kernel space address, overrides the configuration file. Hex values are accepted.").StringVar(&cfg.kernelStart)

	annotateCmd := app.Command("annotate", "Annotate every trace entry with the module and native address of its pc.")
	annotateParams := addAnnotateParams(annotateCmd)

	resolveCmd := app.Command("resolve", "Resolve an address after replaying the root path of a trace.")
	resolveParams := addResolveParams(resolveCmd)

	dumpCmd := app.Command("dump", "Print the module map after replaying the root path of a trace.")
	dumpTrace := dumpCmd.Arg("trace", "Decoded trace file (YAML or JSON).").Required().ExistingFile()

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger = util.NewLogger(consoleOutput, cfg.verbose)

	mcfg, err := loadConfig(cfg.configFile, cfg.kernelStart)
	if err != nil {
		os.Exit(checkError(err))
	}

	switch parsedCmd {
	case annotateCmd.FullCommand():
		if err := annotate(mcfg, annotateParams); err != nil {
			os.Exit(checkError(err))
		}
	case resolveCmd.FullCommand():
		if err := resolve(mcfg, resolveParams); err != nil {
			os.Exit(checkError(err))
		}
	case dumpCmd.FullCommand():
		if err := dump(mcfg, *dumpTrace); err != nil {
			os.Exit(checkError(err))
		}
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

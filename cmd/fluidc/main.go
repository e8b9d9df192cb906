// fluidc compiles Fluid source to bytecode dumps and lists them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/fluid/cache"
	"github.com/chazu/fluid/compiler"
	"github.com/chazu/fluid/manifest"
	"github.com/chazu/fluid/pkg/bytecode"
	"github.com/chazu/fluid/server"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("fluid.cli")

// options holds the parsed command line.
type options struct {
	output      string
	strip       bool
	bigEndian   bool
	wide        bool
	list        bool
	cbor        bool
	expr        string
	interactive bool
	serve       string
	lsp         bool
	configPath  string
	useCache    bool
	verbosity   int

	inputs []string
	set    map[string]bool // flags given explicitly
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{set: make(map[string]bool)}
	fs := flag.NewFlagSet("fluidc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.output, "o", "", "Write the bytecode dump to this file ('-' for stdout)")
	fs.BoolVar(&o.strip, "s", false, "Strip the chunk name and debug info")
	fs.BoolVar(&o.bigEndian, "be", false, "Write a big-endian dump")
	fs.BoolVar(&o.wide, "wide", false, "Write 64-bit instruction words")
	fs.BoolVar(&o.list, "l", false, "List the bytecode")
	fs.BoolVar(&o.cbor, "cbor", false, "Export the prototype tree as CBOR")
	fs.StringVar(&o.expr, "e", "", "Compile the given chunk instead of files")
	fs.BoolVar(&o.interactive, "i", false, "Start the interactive compile REPL")
	fs.StringVar(&o.serve, "serve", "", "Serve the compile service on addr (empty uses the config)")
	fs.BoolVar(&o.lsp, "lsp", false, "Run the language server on stdio")
	fs.StringVar(&o.configPath, "config", "", "Configuration file (default: nearest fluid.toml)")
	fs.BoolVar(&o.useCache, "cache", false, "Cache compiled dumps")
	fs.IntVar(&o.verbosity, "v", 0, "Log verbosity (0-4)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: fluidc [options] file...\n\n")
		fmt.Fprintf(stderr, "Compiles Fluid source files. A file that is already a dump is loaded instead.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  fluidc -l main.fluid              # List bytecode\n")
		fmt.Fprintf(stderr, "  fluidc -s -o main.bc main.fluid   # Write a stripped dump\n")
		fmt.Fprintf(stderr, "  fluidc -l main.bc                 # List an existing dump\n")
		fmt.Fprintf(stderr, "  fluidc -e 'return 1 + 2' -l       # Compile a string\n")
		fmt.Fprintf(stderr, "  fluidc -serve :7420               # Serve the compile service\n")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	o.inputs = fs.Args()
	return o, nil
}

// loadConfig reads the -config file or the nearest fluid.toml, and lets
// explicit flags override it.
func loadConfig(o *options) (*manifest.Config, error) {
	var (
		cfg *manifest.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = manifest.LoadFile(o.configPath)
	} else {
		cfg, err = manifest.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = manifest.Default()
	}

	if o.set["s"] {
		cfg.Compile.Strip = o.strip
	}
	if o.set["be"] {
		cfg.Compile.BigEndian = o.bigEndian
	}
	if o.set["wide"] {
		cfg.Compile.Wide = o.wide
	}
	if o.set["cache"] {
		cfg.Cache.Enabled = o.useCache
	}
	if o.set["v"] {
		cfg.Log.Verbosity = o.verbosity
	}
	if o.serve != "" {
		cfg.Server.Addr = o.serve
	}
	return cfg, nil
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(stderr, "fluidc: %v\n", err)
		return 1
	}
	var logPath *string
	if cfg.Log.File != "" {
		logPath = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity, logPath)

	var dumps *cache.Cache
	if cfg.Cache.Enabled {
		dumps, err = cache.Open(cfg.Cache.Path)
		if err != nil {
			fmt.Fprintf(stderr, "fluidc: %v\n", err)
			return 1
		}
		defer dumps.Close()
	}

	switch {
	case o.lsp:
		if err := server.NewLSP().Run(); err != nil {
			fmt.Fprintf(stderr, "fluidc: %v\n", err)
			return 1
		}
		return 0
	case o.set["serve"]:
		return serve(cfg, dumps, stderr)
	case o.interactive:
		return runREPL(cfg, stdout, stderr)
	}

	c := &compilation{cfg: cfg, opts: o, cache: dumps, stdout: stdout}

	if o.set["e"] {
		name := cfg.Compile.ChunkName
		if name == "" {
			name = "=(command line)"
		}
		return c.report(stderr, c.unit([]byte(o.expr), name))
	}
	if len(o.inputs) == 0 {
		fmt.Fprintf(stderr, "fluidc: no input files\n")
		return 2
	}
	if len(o.inputs) > 1 && o.output != "" {
		fmt.Fprintf(stderr, "fluidc: -o needs exactly one input\n")
		return 2
	}

	status := 0
	for _, path := range o.inputs {
		var (
			data []byte
			name string
		)
		if path == "-" {
			data, err = io.ReadAll(stdin)
			name = "=stdin"
			if cfg.Compile.ChunkName != "" {
				name = cfg.Compile.ChunkName
			}
		} else {
			data, err = os.ReadFile(path)
			name = "@" + path
		}
		if err != nil {
			fmt.Fprintf(stderr, "fluidc: %v\n", err)
			status = 1
			continue
		}
		if st := c.report(stderr, c.unit(data, name)); st != 0 {
			status = st
		}
	}
	return status
}

// compilation processes input units under one configuration.
type compilation struct {
	cfg    *manifest.Config
	opts   *options
	cache  *cache.Cache
	stdout io.Writer
}

func (c *compilation) report(stderr io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "fluidc: %v\n", err)
	return 1
}

// unit compiles or loads one input and writes the requested outputs.
func (c *compilation) unit(data []byte, name string) error {
	dumpOpts := c.cfg.DumpOptions()

	var (
		pt   *bytecode.Proto
		dump []byte
		err  error
	)
	switch {
	case bytecode.IsDump(data):
		pt, err = loadDump(data, name)
		if err != nil {
			return err
		}
	case c.cache != nil:
		dump, _, err = c.cache.Compile(context.Background(), data, name, dumpOpts)
		if err != nil {
			return err
		}
		pt, err = bytecode.Load(dump, bytecode.LoadOptions{ChunkName: name, WideInstructions: dumpOpts.Wide})
		if err != nil {
			return err
		}
	default:
		pt, err = compiler.Compile(data, name, compiler.Options{})
		if err != nil {
			return err
		}
	}

	if c.opts.list {
		fmt.Fprint(c.stdout, bytecode.Disassemble(pt))
	}
	if c.opts.cbor {
		doc, err := bytecode.MarshalProto(pt)
		if err != nil {
			return err
		}
		return c.write(doc)
	}
	if c.opts.output == "" {
		return nil
	}
	if dump == nil {
		dump, err = bytecode.Dump(pt, dumpOpts)
		if err != nil {
			return err
		}
	}
	return c.write(dump)
}

// write sends output to the -o file, or stdout for "-" or no -o.
func (c *compilation) write(data []byte) error {
	if c.opts.output == "" || c.opts.output == "-" {
		_, err := c.stdout.Write(data)
		return err
	}
	return os.WriteFile(c.opts.output, data, 0o644)
}

// loadDump loads a dump in whichever instruction width its header declares.
func loadDump(data []byte, name string) (*bytecode.Proto, error) {
	wide := false
	if len(data) > 4 {
		flags, n := bytecode.ReadULEB128(data[4:])
		wide = n > 0 && uint32(flags)&bytecode.DumpFlagWide != 0
	}
	return compiler.Load(data, name, compiler.Options{WideInstructions: wide})
}

func serve(cfg *manifest.Config, dumps *cache.Cache, stderr io.Writer) int {
	var opts []server.ServerOption
	if dumps != nil {
		opts = append(opts, server.WithCache(dumps))
	}
	srv := server.New(opts...)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)
	go func() {
		<-sigc
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			log.Errorf("shutdown: %s", err)
		}
	}()

	if err := srv.ListenAndServe(cfg.Server.Addr); err != nil {
		fmt.Fprintf(stderr, "fluidc: server error: %v\n", err)
		return 1
	}
	return 0
}

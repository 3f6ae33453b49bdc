package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jowens/webgpu-benchmarking-sub001/gpu"
	"github.com/jowens/webgpu-benchmarking-sub001/suite"
)

var (
	flagSuites  = flag.String("suites", "", "Suites to run (e.g. 'membw,scan,sort'). Comma-separated or empty for all.")
	flagDTypes  = flag.String("dtypes", "u32,i32,f32", "Datatypes to sweep. Comma-separated.")
	flagOps     = flag.String("ops", "add,max,min", "Binary ops for reduce/scan suites. Comma-separated.")
	flagSizes   = flag.String("sizes", "64K,1M,4M", "Input lengths to sweep (K/M suffixes). Comma-separated.")
	flagTrials  = flag.Int("trials", 10, "Timed trials per tuple; 0 validates only.")
	flagInit    = flag.String("init", "random", "Input fill: 'zeros', 'sequential', 'random'.")
	flagAdapter = flag.String("adapter", "", "Substring to select a specific GPU adapter (e.g. 'NVIDIA', 'Intel').")
	flagJSON    = flag.String("json", "", "Write results as JSON to this path.")
	flagNoCache = flag.Bool("nocache", false, "Disable the pipeline cache (measures compile cost).")
	flagVerbose = flag.Bool("v", false, "Debug logging.")
)

var allSuites = []string{"membw", "madd", "reduce", "scan", "scan-hier", "sort"}

func main() {
	flag.Parse()

	log := buildLogger(*flagVerbose)
	defer log.Sync()

	if *flagAdapter != "" {
		gpu.SetAdapterPreference(*flagAdapter)
	}
	if *flagNoCache {
		gpu.DisablePipelineCache()
	}

	names := parseCSV(*flagSuites, allSuites)
	dtypes := parseDTypes(log, *flagDTypes)
	ops := strings.Split(*flagOps, ",")
	sizes := parseSizes(log, *flagSizes)
	initPolicy, hasInit := parseInit(*flagInit)

	ctx, err := gpu.GetContext()
	if err != nil {
		log.Fatal("no usable GPU device", zap.Error(err))
	}
	log.Info("device ready", zap.Any("gpu", ctx.Caps.Describe()))

	driver := suite.NewDriver(log)
	driver.AddSink(&suite.TableSink{W: os.Stdout})
	if *flagJSON != "" {
		driver.AddSink(&suite.JSONSink{Path: *flagJSON})
	}

	for _, name := range names {
		cfg, ok := buildSuite(name, dtypes, ops, sizes)
		if !ok {
			continue
		}
		cfg.Trials = *flagTrials
		cfg.InputInit = initPolicy
		cfg.HasInputInit = hasInit
		driver.AddSuite(suite.New(cfg, log))
	}

	sum, err := driver.Run(ctx)
	if err != nil {
		log.Error("driver reported failures", zap.Error(err))
	}
	fmt.Printf("\n%d runs complete, %d validation errors\n", sum.Done, sum.Errors)
	if err != nil || sum.Errors > 0 {
		os.Exit(1)
	}
}

// buildSuite wires one named suite over the requested axes.
func buildSuite(name string, dtypes, ops []string, sizes []int) (suite.Config, bool) {
	sizeAxis := suite.Axis{Name: "size", Values: anySlice(sizes)}
	dtypeAxis := suite.Axis{Name: "datatype", Values: anySlice(dtypes)}
	opAxis := suite.Axis{Name: "binop", Values: anySlice(ops)}

	switch name {
	case "membw":
		return suite.Config{
			Label:      "membw",
			Axes:       []suite.Axis{dtypeAxis, sizeAxis},
			UniqueRuns: []string{"datatype"},
			New: func(c *gpu.Context, t map[string]any) (gpu.Primitive, error) {
				dt, err := gpu.DatatypeByName(t["datatype"].(string))
				if err != nil {
					return nil, err
				}
				return gpu.NewMemBW(c, dt, t["size"].(int), 256, 4)
			},
		}, true
	case "madd":
		return suite.Config{
			Label: "madd",
			Axes: []suite.Axis{
				sizeAxis,
				{Name: "iterations", Values: []any{256, 1024}},
			},
			UniqueRuns: []string{"iterations"},
			New: func(c *gpu.Context, t map[string]any) (gpu.Primitive, error) {
				return gpu.NewMadd(c, t["size"].(int), t["iterations"].(int), 256), nil
			},
		}, true
	case "reduce":
		return suite.Config{
			Label:      "reduce",
			Axes:       []suite.Axis{dtypeAxis, opAxis, sizeAxis},
			UniqueRuns: []string{"datatype", "binop"},
			New: func(c *gpu.Context, t map[string]any) (gpu.Primitive, error) {
				op, err := binopFor(t)
				if err != nil {
					return nil, err
				}
				return gpu.NewReducePerWG(c, op, t["size"].(int), 256)
			},
		}, true
	case "scan":
		return suite.Config{
			Label: "scan",
			Axes: []suite.Axis{
				dtypeAxis, opAxis, sizeAxis,
				{Name: "exclusive", Values: []any{false, true}},
			},
			UniqueRuns: []string{"datatype", "binop", "exclusive"},
			New: func(c *gpu.Context, t map[string]any) (gpu.Primitive, error) {
				op, err := binopFor(t)
				if err != nil {
					return nil, err
				}
				return gpu.NewDLDFScan(c, op, t["size"].(int), t["exclusive"].(bool))
			},
		}, true
	case "scan-hier":
		return suite.Config{
			Label: "scan-hier",
			Axes: []suite.Axis{
				dtypeAxis, opAxis, sizeAxis,
				{Name: "exclusive", Values: []any{false, true}},
			},
			UniqueRuns: []string{"datatype", "binop", "exclusive"},
			New: func(c *gpu.Context, t map[string]any) (gpu.Primitive, error) {
				op, err := binopFor(t)
				if err != nil {
					return nil, err
				}
				return gpu.NewHierScan(c, op, t["size"].(int), t["exclusive"].(bool))
			},
		}, true
	case "sort":
		return suite.Config{
			Label: "sort",
			Axes: []suite.Axis{
				dtypeAxis, sizeAxis,
				{Name: "keyValue", Values: []any{false, true}},
			},
			UniqueRuns: []string{"datatype", "keyValue"},
			New: func(c *gpu.Context, t map[string]any) (gpu.Primitive, error) {
				dt, err := gpu.DatatypeByName(t["datatype"].(string))
				if err != nil {
					return nil, err
				}
				return gpu.NewOneSweepSort(c, dt, t["size"].(int), t["keyValue"].(bool))
			},
		}, true
	}
	return suite.Config{}, false
}

func binopFor(t map[string]any) (*gpu.BinaryOp, error) {
	dt, err := gpu.DatatypeByName(t["datatype"].(string))
	if err != nil {
		return nil, err
	}
	return gpu.BinaryOpFor(t["binop"].(string), dt)
}

func buildLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	return log
}

// parseCSV filters a comma-separated selection against the known names;
// empty selects everything.
func parseCSV(s string, known []string) []string {
	if s == "" {
		return known
	}
	valid := make(map[string]bool, len(known))
	for _, k := range known {
		valid[k] = true
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if valid[part] {
			out = append(out, part)
		}
	}
	return out
}

func parseDTypes(log *zap.Logger, s string) []string {
	var out []string
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if _, err := gpu.DatatypeByName(name); err != nil {
			log.Fatal("bad -dtypes value", zap.String("datatype", name))
		}
		out = append(out, name)
	}
	return out
}

// parseSizes accepts plain integers with optional K or M suffixes.
func parseSizes(log *zap.Logger, s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		mult := 1
		switch {
		case strings.HasSuffix(part, "M"):
			mult, part = 1<<20, strings.TrimSuffix(part, "M")
		case strings.HasSuffix(part, "K"):
			mult, part = 1<<10, strings.TrimSuffix(part, "K")
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			log.Fatal("bad -sizes value", zap.String("size", part))
		}
		out = append(out, n*mult)
	}
	return out
}

func parseInit(s string) (gpu.InitPolicy, bool) {
	switch s {
	case "zeros":
		return gpu.InitZeros, true
	case "sequential":
		return gpu.InitSequential, true
	case "random":
		return gpu.InitRandomAbsUnder1024, true
	}
	return gpu.InitNone, false
}

func anySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/internal/diagram"
	"github.com/rendis/chanops/internal/engine"
	"github.com/rendis/chanops/internal/expressions"
	"github.com/rendis/chanops/internal/validation"
	"github.com/rendis/chanops/pkg/schema"
)

// readDefinition loads a collection document from path, or stdin for "-".
// Files ending in .yaml or .yml, and stdin that does not open with '{',
// are read as YAML.
func readDefinition(path string) (*schema.CollectionDefinition, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	isYAML := false
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		isYAML = true
	case "":
		trimmed := bytes.TrimSpace(data)
		isYAML = len(trimmed) > 0 && trimmed[0] != '{'
	}
	if isYAML {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	var def schema.CollectionDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &def, nil
}

// yamlToJSON re-encodes a YAML document as JSON so the json field tags of
// the schema types apply to both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fileArg returns the single positional argument of fs.
func fileArg(fs *flag.FlagSet) (string, bool) {
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: chanops %s [flags] <collection.json|.yaml|->\n", fs.Name())
		fs.PrintDefaults()
		return "", false
	}
	return fs.Arg(0), true
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	strict := fs.Bool("strict", false, "treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path, ok := fileArg(fs)
	if !ok {
		return 2
	}
	return validateFile(path, *strict, os.Stdout, os.Stderr)
}

func validateFile(path string, strict bool, stdout, stderr io.Writer) int {
	def, err := readDefinition(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	evaluator, err := expressions.NewChannelEvaluator()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	v, err := validation.NewCollectionValidator(evaluator)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	res := v.Validate(def)
	if err := writeJSON(stdout, res); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !res.Valid() || (strict && len(res.Warnings) > 0) {
		return 1
	}
	return 0
}

func runCook(args []string) int {
	fs := flag.NewFlagSet("cook", flag.ExitOnError)
	start := fs.Float64("start", 0, "range start in seconds")
	end := fs.Float64("end", 1, "range end in seconds, inclusive")
	step := fs.Float64("step", 0, "sample step in seconds (default: one frame)")
	fps := fs.Float64("fps", channel.DefaultFPS, "frames per second")
	channels := fs.String("channels", "", "comma-separated channel names (default: every active channel)")
	workers := fs.Int("workers", 1, "worker pool size")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path, ok := fileArg(fs)
	if !ok {
		return 2
	}

	var names []string
	if *channels != "" {
		names = strings.Split(*channels, ",")
	}
	res, err := cookFile(context.Background(), path, *fps, *workers, engine.CookRequest{
		Channels: names, Start: *start, End: *end, Step: *step,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeJSON(os.Stdout, res); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", res.Err)
	}
	return 0
}

// cookFile loads the document at path into a private manager and samples
// it. req.Collection is filled from the document.
func cookFile(ctx context.Context, path string, fps float64, workers int, req engine.CookRequest) (engine.CookResult, error) {
	def, err := readDefinition(path)
	if err != nil {
		return engine.CookResult{}, err
	}
	evaluator, err := expressions.NewChannelEvaluator()
	if err != nil {
		return engine.CookResult{}, err
	}
	m := channel.NewManager(channel.ManagerConfig{FPS: fps, Evaluator: evaluator})
	c, err := m.LoadCollection(*def)
	if err != nil {
		return engine.CookResult{}, err
	}

	pool := engine.NewWorkerPool(m, workers, nil)
	defer pool.Shutdown()

	req.Collection = c.Name()
	results, err := pool.Cook(ctx, []engine.CookRequest{req})
	if err != nil {
		return engine.CookResult{}, err
	}
	res := results[0]
	if res.Times == nil && res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

func runDiagram(args []string) int {
	fs := flag.NewFlagSet("diagram", flag.ExitOnError)
	format := fs.String("format", "ascii", "output format: ascii, mermaid, or png")
	out := fs.String("o", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path, ok := fileArg(fs)
	if !ok {
		return 2
	}

	data, err := renderDiagram(context.Background(), path, *format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *out == "" {
		_, err = os.Stdout.Write(data)
	} else {
		err = os.WriteFile(*out, data, 0o644)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func renderDiagram(ctx context.Context, path, format string) ([]byte, error) {
	def, err := readDefinition(path)
	if err != nil {
		return nil, err
	}
	model, err := diagram.Build(def, nil)
	if err != nil {
		return nil, err
	}
	switch format {
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "png":
		return diagram.RenderImage(ctx, model)
	default:
		return nil, fmt.Errorf("unknown format %q (want ascii, mermaid, or png)", format)
	}
}

package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/autom8ter/docsync"
	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/util"
)

// funcs are the sprig functions plus toCompactJson and toYaml
func funcs() template.FuncMap {
	fm := sprig.TxtFuncMap()
	fm["toCompactJson"] = util.JSONString
	fm["toYaml"] = func(v any) (string, error) {
		bits, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		yml, err := util.JSONToYAML(bits)
		return strings.TrimSuffix(string(yml), "\n"), err
	}
	return fm
}

// render executes the template text with funcs and ends the output with a newline
func render(w io.Writer, text string, data any) error {
	tmpl, err := template.New("output").Funcs(funcs()).Parse(text)
	if err != nil {
		return errors.Wrap(err, errors.InvalidArgument, "invalid template")
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return errors.Wrap(err, errors.InvalidArgument, "failed to render template")
	}
	out := b.String()
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	_, err = io.WriteString(w, out)
	return err
}

// readFile reads a yaml or json file and decodes it into out. The json form is returned for validation.
func readFile(path string, out any) ([]byte, error) {
	bits, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidArgument, "failed to read %s", path)
	}
	jsonBits, err := util.YAMLToJSON(bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidArgument, "failed to parse %s", path)
	}
	if err := json.Unmarshal(jsonBits, out); err != nil {
		return nil, errors.Wrap(err, errors.InvalidArgument, "failed to decode %s", path)
	}
	return jsonBits, nil
}

// loadConfig loads the config file at path, or the default config named after the server if path is empty
func loadConfig(path string, logLevel string) (docsync.Config, error) {
	var (
		cfg docsync.Config
		err error
	)
	if path != "" {
		cfg, err = docsync.LoadConfigFile(path)
	} else {
		cfg, err = docsync.LoadConfig(map[string]any{"projectId": "docsync"})
	}
	if err != nil {
		return docsync.Config{}, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(level string) (logging.Logger, error) {
	return logging.New(level, map[string]any{"service": "docsync"})
}

func contextWithTags(ctx context.Context, cmd string) context.Context {
	return logging.WithTags(ctx, map[string]any{"cmd": cmd})
}
